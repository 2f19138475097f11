// Package memory implements the virtual address space a program sees
// during one invocation.
//
// The sandbox maps a small number of regions at fixed virtual addresses.
// Programs address memory by virtual address only; Translate resolves an
// address range to the backing bytes and rejects anything unmapped, read-only
// or overflowing.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Errors.
var (
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrOverlappingRegions  = errors.New("overlapping memory regions")
)

// Region is a range of host bytes mapped at a virtual address.
type Region struct {
	Name     string
	Vaddr    uint64
	Data     []byte
	Writable bool
}

func (r *Region) end() uint64 {
	return r.Vaddr + uint64(len(r.Data))
}

// Mapping is a set of non-overlapping regions.
type Mapping struct {
	regions []*Region
}

// NewMapping creates a mapping from the given regions.
func NewMapping(regions ...*Region) (*Mapping, error) {
	sorted := make([]*Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Vaddr < sorted[j].Vaddr })

	for i, r := range sorted {
		if r.Vaddr > ^uint64(0)-uint64(len(r.Data)) {
			return nil, fmt.Errorf("%w: region %q at 0x%x overflows", ErrOverlappingRegions, r.Name, r.Vaddr)
		}
		if i > 0 && sorted[i-1].end() > r.Vaddr {
			return nil, fmt.Errorf("%w: %q and %q", ErrOverlappingRegions, sorted[i-1].Name, r.Name)
		}
	}
	return &Mapping{regions: sorted}, nil
}

// Region returns the region mapped at exactly vaddr.
func (m *Mapping) Region(vaddr uint64) (*Region, bool) {
	for _, r := range m.regions {
		if r.Vaddr == vaddr {
			return r, true
		}
	}
	return nil, false
}

// Translate converts a virtual address range to a slice of host memory.
func (m *Mapping) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	// Check for integer overflow in address calculation
	if size > 0 && addr > ^uint64(0)-size {
		return nil, fmt.Errorf("%w: address overflow at 0x%x (size %d)", ErrInvalidMemoryAccess, addr, size)
	}
	end := addr + size

	for _, r := range m.regions {
		if addr < r.Vaddr || addr >= r.end() {
			continue
		}
		if end > r.end() {
			return nil, fmt.Errorf("%w: access beyond %s at 0x%x (size %d, max %d)",
				ErrInvalidMemoryAccess, r.Name, addr, size, len(r.Data))
		}
		if write && !r.Writable {
			return nil, fmt.Errorf("%w: write to read-only %s at 0x%x", ErrInvalidMemoryAccess, r.Name, addr)
		}
		lo := addr - r.Vaddr
		return r.Data[lo : lo+size], nil
	}

	return nil, fmt.Errorf("%w: unmapped region at 0x%x", ErrInvalidMemoryAccess, addr)
}

// Read reads bytes from virtual memory.
func (m *Mapping) Read(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Write writes bytes to virtual memory.
func (m *Mapping) Write(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Read64 reads a 64-bit value from virtual memory (little-endian).
func (m *Mapping) Read64(addr uint64) (uint64, error) {
	mem, err := m.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write64 writes a 64-bit value to virtual memory (little-endian).
func (m *Mapping) Write64(addr uint64, x uint64) error {
	mem, err := m.Translate(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}

// Memset fills n bytes at addr with val.
func (m *Mapping) Memset(addr uint64, val byte, n uint64) error {
	if n == 0 {
		return nil
	}
	mem, err := m.Translate(addr, n, true)
	if err != nil {
		return err
	}
	for i := range mem {
		mem[i] = val
	}
	return nil
}

// Memcpy copies n bytes from src to dst. Overlapping ranges are handled
// like memmove.
func (m *Mapping) Memcpy(dst, src, n uint64) error {
	if n == 0 {
		return nil
	}
	from, err := m.Translate(src, n, false)
	if err != nil {
		return err
	}
	to, err := m.Translate(dst, n, true)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}
