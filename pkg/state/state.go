// Package state keeps at most one heap-allocated byte vector reachable
// across invocations through a single pointer-sized slot at a fixed
// address.
//
// The slot is a tagged option. Zero means absent. Otherwise bit 63 is set
// and the low bits hold the offset of the vector header from the heap
// region base, so the stored value stays meaningful no matter which Go
// process maps the memory next.
//
// Using the handle out of order (Init while present, Read, Mutate or
// Destroy while absent) is a protocol violation and is never ignored.
package state

import (
	"errors"
	"fmt"

	"github.com/fortiblox/stratus-heap/pkg/heap"
	"github.com/fortiblox/stratus-heap/pkg/layout"
)

// Errors.
var (
	ErrProtocolViolation  = errors.New("state: protocol violation")
	ErrAlreadyInitialized = fmt.Errorf("%w: state already initialized", ErrProtocolViolation)
	ErrNotInitialized     = fmt.Errorf("%w: state not initialized", ErrProtocolViolation)
)

const presentTag = uint64(1) << 63

// ref is the owning reference held by the slot. Only Init creates one and
// only Destroy gives one up.
type ref struct {
	header uint64
}

// Handle is the state slot paired with the heap that serves the state.
type Handle struct {
	slot layout.Region
	heap *heap.Heap
}

// New returns the handle for the slot described by slot. The slot must be
// pointer sized, pointer aligned and outside the heap region.
func New(h *heap.Heap, slot layout.Region) (*Handle, error) {
	if err := slot.Validate(); err != nil {
		return nil, err
	}
	if slot.Length != layout.StateHandleSize || slot.Base%layout.PointerAlign != 0 {
		return nil, fmt.Errorf("%w: state slot %s", layout.ErrInvalidRegion, slot)
	}
	if slot.Overlaps(h.Region()) {
		return nil, fmt.Errorf("%w: state slot %s overlaps heap %s", layout.ErrInvalidRegion, slot, h.Region())
	}
	return &Handle{slot: slot, heap: h}, nil
}

// Heap returns the heap serving the state.
func (s *Handle) Heap() *heap.Heap {
	return s.heap
}

// Present reports whether the slot holds a reference.
func (s *Handle) Present() (bool, error) {
	_, ok, err := s.load()
	return ok, err
}

// Init creates the state with a copy of initial.
func (s *Handle) Init(initial []byte) error {
	_, ok, err := s.load()
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}

	v, err := NewVec(s.heap, initial)
	if err != nil {
		return err
	}
	if err := s.store(ref{header: v.Addr()}); err != nil {
		_ = v.Free()
		return err
	}
	return nil
}

// Read returns a read-only view of the state.
func (s *Handle) Read() (View, error) {
	r, err := s.get()
	if err != nil {
		return View{}, err
	}
	return View{vec: &Vec{heap: s.heap, addr: r.header}}, nil
}

// Mutate returns the state for modification. The state stays owned by the
// handle; only Destroy releases it.
func (s *Handle) Mutate() (Mutator, error) {
	r, err := s.get()
	if err != nil {
		return Mutator{}, err
	}
	return Mutator{View{vec: &Vec{heap: s.heap, addr: r.header}}}, nil
}

// Destroy frees the state and clears the slot.
func (s *Handle) Destroy() error {
	r, err := s.get()
	if err != nil {
		return err
	}
	if err := (&Vec{heap: s.heap, addr: r.header}).Free(); err != nil {
		return err
	}
	return s.clear()
}

func (s *Handle) get() (ref, error) {
	r, ok, err := s.load()
	if err != nil {
		return ref{}, err
	}
	if !ok {
		return ref{}, ErrNotInitialized
	}
	return r, nil
}

func (s *Handle) load() (ref, bool, error) {
	raw, err := s.heap.Memory().Read64(s.slot.Base)
	if err != nil {
		return ref{}, false, err
	}
	if raw == 0 {
		return ref{}, false, nil
	}
	if raw&presentTag == 0 {
		return ref{}, false, fmt.Errorf("%w: state slot holds untagged 0x%x", heap.ErrCorrupted, raw)
	}

	base := s.heap.Region().Base
	offset := raw &^ presentTag
	if offset > ^uint64(0)-base {
		return ref{}, false, fmt.Errorf("%w: state offset 0x%x overflows", heap.ErrCorrupted, offset)
	}
	addr := base + offset

	arena, err := s.heap.Arena()
	if err != nil {
		return ref{}, false, err
	}
	if addr%headerAlign != 0 || !arena.Contains(addr, HeaderSize) {
		return ref{}, false, fmt.Errorf("%w: state at 0x%x outside arena %s", heap.ErrCorrupted, addr, arena)
	}
	return ref{header: addr}, true, nil
}

func (s *Handle) store(r ref) error {
	return s.heap.Memory().Write64(s.slot.Base, presentTag|(r.header-s.heap.Region().Base))
}

func (s *Handle) clear() error {
	return s.heap.Memory().Write64(s.slot.Base, 0)
}

// View is read-only access to the state.
type View struct {
	vec *Vec
}

// Addr returns the address of the state's vector header.
func (v View) Addr() uint64 {
	return v.vec.Addr()
}

// Len returns the number of bytes held.
func (v View) Len() (uint64, error) {
	return v.vec.Len()
}

// Bytes returns a copy of the contents.
func (v View) Bytes() ([]byte, error) {
	return v.vec.Bytes()
}

// At returns the byte at index i.
func (v View) At(i uint64) (byte, error) {
	return v.vec.At(i)
}

// Mutator is write access to the state. It has no way to free the state.
type Mutator struct {
	View
}

// Cap returns the buffer capacity.
func (m Mutator) Cap() (uint64, error) {
	return m.vec.Cap()
}

// Push appends one byte.
func (m Mutator) Push(b byte) error {
	return m.vec.Push(b)
}

// Append appends p.
func (m Mutator) Append(p []byte) error {
	return m.vec.Append(p)
}

// Truncate shortens the state to n bytes.
func (m Mutator) Truncate(n uint64) error {
	return m.vec.Truncate(n)
}
