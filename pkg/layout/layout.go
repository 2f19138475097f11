// Package layout pins down where, inside the sandbox's fixed input mapping,
// the persistent heap and the state handle slot live.
//
// Every constant is bound to its exact value by a compile-time assertion,
// so a change to the serialized account header breaks the build instead of
// corrupting memory at run time.
package layout

import (
	"errors"
	"fmt"
)

// Virtual memory region base addresses of the sandbox.
const (
	InputRegionBase  = uint64(0x4_0000_0000) // Input parameters
	SandboxHeapStart = uint64(0x3_0000_0000) // Per-invocation heap
)

// Serialized account header field widths.
const (
	numAccountsSize     = 8  // u64
	dupMarkerSize       = 1  // u8
	isSignerSize        = 1  // u8
	isWritableSize      = 1  // u8
	executableSize      = 1  // u8
	originalDataLenSize = 4  // u32
	keySize             = 32 // Pubkey
	ownerSize           = 32 // Pubkey
	lamportsSize        = 8  // u64
	dataLenSize         = 8  // u64
)

// AccountHeaderSize is the per-account header preceding the account data.
const AccountHeaderSize = dupMarkerSize + isSignerSize + isWritableSize + executableSize +
	originalDataLenSize + keySize + ownerSize + lamportsSize + dataLenSize

// AccountDataOffset is the offset from InputRegionBase to the first
// account's data.
const AccountDataOffset = numAccountsSize + AccountHeaderSize

// Fixed addresses.
const (
	FirstAccountDataAddress = InputRegionBase + AccountDataOffset

	// StateHandleAddress holds the tagged reference to the persistent state.
	StateHandleAddress = FirstAccountDataAddress
	StateHandleSize    = uint64(8)

	// HeapRegionStart is where the heap control block begins.
	HeapRegionStart = StateHandleAddress + StateHandleSize
)

// Sizes.
const (
	AccountRegionLength = uint64(10 * 1024 * 1024) // first account's data, 10 MiB
	HeapRegionLength    = AccountRegionLength - StateHandleSize
	SandboxHeapLength   = uint64(32 * 1024)

	// ControlBlockAlign is the alignment the heap control block requires.
	ControlBlockAlign = uint64(8)
	// PointerAlign is the alignment of a pointer-sized slot.
	PointerAlign = uint64(8)
)

// Compile-time checks. Each pair only compiles when both sides are equal;
// each negation only compiles when the remainder is zero.
var (
	_ [AccountDataOffset - 96]struct{}
	_ [96 - AccountDataOffset]struct{}

	_ [FirstAccountDataAddress - 0x4_0000_0060]struct{}
	_ [0x4_0000_0060 - FirstAccountDataAddress]struct{}

	_ [StateHandleAddress - 0x4_0000_0060]struct{}
	_ [0x4_0000_0060 - StateHandleAddress]struct{}

	_ [HeapRegionStart - 0x4_0000_0068]struct{}
	_ [0x4_0000_0068 - HeapRegionStart]struct{}
)

const (
	_ = -(StateHandleAddress % PointerAlign)
	_ = -(HeapRegionStart % ControlBlockAlign)
	_ = -(SandboxHeapStart % ControlBlockAlign)
)

var (
	// ErrInvalidRegion is returned for a region that cannot host a heap or slot.
	ErrInvalidRegion = errors.New("invalid region")
)

// Region describes a contiguous range of virtual addresses.
type Region struct {
	Base   uint64
	Length uint64
	Align  uint64
}

// Predefined regions.
var (
	// PersistentHeap lives in the first account's data, behind the state slot.
	PersistentHeap = Region{Base: HeapRegionStart, Length: HeapRegionLength, Align: ControlBlockAlign}

	// StateSlot is the single pointer-sized state handle slot.
	StateSlot = Region{Base: StateHandleAddress, Length: StateHandleSize, Align: PointerAlign}

	// SandboxHeap is the heap the runtime maps fresh for every invocation.
	SandboxHeap = Region{Base: SandboxHeapStart, Length: SandboxHeapLength, Align: ControlBlockAlign}
)

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Base + r.Length
}

// Validate checks the alignment and that the region does not wrap.
func (r Region) Validate() error {
	if r.Align == 0 || r.Align&(r.Align-1) != 0 {
		return fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidRegion, r.Align)
	}
	if r.Base%r.Align != 0 {
		return fmt.Errorf("%w: base 0x%x not aligned to %d", ErrInvalidRegion, r.Base, r.Align)
	}
	if r.Length == 0 {
		return fmt.Errorf("%w: empty region at 0x%x", ErrInvalidRegion, r.Base)
	}
	if r.Base > ^uint64(0)-r.Length {
		return fmt.Errorf("%w: region at 0x%x (length %d) overflows", ErrInvalidRegion, r.Base, r.Length)
	}
	return nil
}

// Contains reports whether [addr, addr+size) lies inside the region.
func (r Region) Contains(addr, size uint64) bool {
	if addr < r.Base || addr > ^uint64(0)-size {
		return false
	}
	return addr+size <= r.End()
}

// Overlaps reports whether the two regions share any address.
func (r Region) Overlaps(other Region) bool {
	return r.Base < other.End() && other.Base < r.End()
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("[0x%x, 0x%x) align %d", r.Base, r.End(), r.Align)
}
