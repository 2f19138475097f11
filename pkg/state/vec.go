package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/stratus-heap/pkg/heap"
)

// Vec header layout on the heap: three little-endian u64 words.
const (
	vecPtr = 0
	vecLen = 8
	vecCap = 16

	// HeaderSize is the size of a Vec header.
	HeaderSize = uint64(24)

	headerAlign = uint64(8)
	elemAlign   = uint64(1)

	// MinCapacity is the smallest non-zero buffer a Vec grows to.
	MinCapacity = uint64(8)
)

// ErrIndexOutOfRange is returned by At for an index past the length.
var ErrIndexOutOfRange = errors.New("state: index out of range")

// Vec is a growable byte vector whose header and buffer live on a heap.
// The Go value only remembers where the header is.
type Vec struct {
	heap *heap.Heap
	addr uint64
}

type vecHeader struct {
	ptr    uint64
	length uint64
	cap    uint64
}

// NewVec allocates a vector holding a copy of initial. The buffer is sized
// to len(initial) exactly; an empty vector has no buffer.
func NewVec(h *heap.Heap, initial []byte) (*Vec, error) {
	addr, err := h.Allocate(HeaderSize, headerAlign)
	if err != nil {
		return nil, err
	}
	v := &Vec{heap: h, addr: addr}

	hdr := vecHeader{}
	if n := uint64(len(initial)); n > 0 {
		buf, err := h.Allocate(n, elemAlign)
		if err != nil {
			_ = h.Deallocate(addr, HeaderSize, headerAlign)
			return nil, err
		}
		if err := h.Memory().Write(buf, initial); err != nil {
			_ = h.Deallocate(buf, n, elemAlign)
			_ = h.Deallocate(addr, HeaderSize, headerAlign)
			return nil, err
		}
		hdr = vecHeader{ptr: buf, length: n, cap: n}
	}

	if err := v.store(hdr); err != nil {
		if hdr.cap > 0 {
			_ = h.Deallocate(hdr.ptr, hdr.cap, elemAlign)
		}
		_ = h.Deallocate(addr, HeaderSize, headerAlign)
		return nil, err
	}
	return v, nil
}

// Addr returns the address of the vector header.
func (v *Vec) Addr() uint64 {
	return v.addr
}

// Len returns the number of bytes held.
func (v *Vec) Len() (uint64, error) {
	hdr, err := v.load()
	if err != nil {
		return 0, err
	}
	return hdr.length, nil
}

// Cap returns the buffer capacity.
func (v *Vec) Cap() (uint64, error) {
	hdr, err := v.load()
	if err != nil {
		return 0, err
	}
	return hdr.cap, nil
}

// Bytes returns a copy of the contents.
func (v *Vec) Bytes() ([]byte, error) {
	hdr, err := v.load()
	if err != nil {
		return nil, err
	}
	out := make([]byte, hdr.length)
	if hdr.length == 0 {
		return out, nil
	}
	if err := v.heap.Memory().Read(hdr.ptr, out); err != nil {
		return nil, err
	}
	return out, nil
}

// At returns the byte at index i.
func (v *Vec) At(i uint64) (byte, error) {
	hdr, err := v.load()
	if err != nil {
		return 0, err
	}
	if i >= hdr.length {
		return 0, fmt.Errorf("%w: index %d, len %d", ErrIndexOutOfRange, i, hdr.length)
	}
	var b [1]byte
	if err := v.heap.Memory().Read(hdr.ptr+i, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Push appends one byte, growing the buffer when full.
func (v *Vec) Push(b byte) error {
	return v.Append([]byte{b})
}

// Append appends p, growing the buffer when needed.
func (v *Vec) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	hdr, err := v.load()
	if err != nil {
		return err
	}
	if hdr.cap-hdr.length < uint64(len(p)) {
		if hdr, err = v.grow(hdr, uint64(len(p))); err != nil {
			return err
		}
	}
	if err := v.heap.Memory().Write(hdr.ptr+hdr.length, p); err != nil {
		return err
	}
	hdr.length += uint64(len(p))
	return v.store(hdr)
}

// Truncate shortens the vector to n bytes. The capacity is kept.
func (v *Vec) Truncate(n uint64) error {
	hdr, err := v.load()
	if err != nil {
		return err
	}
	if n >= hdr.length {
		return nil
	}
	hdr.length = n
	return v.store(hdr)
}

// Free returns the buffer and the header to the heap. The Vec must not be
// used afterwards.
func (v *Vec) Free() error {
	hdr, err := v.load()
	if err != nil {
		return err
	}
	if hdr.cap > 0 {
		if err := v.heap.Deallocate(hdr.ptr, hdr.cap, elemAlign); err != nil {
			return err
		}
	}
	return v.heap.Deallocate(v.addr, HeaderSize, headerAlign)
}

// grow reallocates the buffer to fit additional more bytes, at least
// doubling the capacity.
func (v *Vec) grow(hdr vecHeader, additional uint64) (vecHeader, error) {
	if hdr.length > ^uint64(0)-additional {
		return hdr, fmt.Errorf("%w: capacity overflow", heap.ErrInvalidLayout)
	}
	required := hdr.length + additional
	newCap := max(required, MinCapacity)
	if hdr.cap <= ^uint64(0)/2 {
		newCap = max(newCap, hdr.cap*2)
	}

	var (
		ptr uint64
		err error
	)
	if hdr.cap == 0 {
		ptr, err = v.heap.Allocate(newCap, elemAlign)
	} else {
		ptr, err = v.heap.Reallocate(hdr.ptr, hdr.cap, elemAlign, newCap)
	}
	if err != nil {
		return hdr, err
	}

	hdr.ptr, hdr.cap = ptr, newCap
	if err := v.store(hdr); err != nil {
		return hdr, err
	}
	return hdr, nil
}

func (v *Vec) load() (vecHeader, error) {
	var buf [HeaderSize]byte
	if err := v.heap.Memory().Read(v.addr, buf[:]); err != nil {
		return vecHeader{}, err
	}
	hdr := vecHeader{
		ptr:    binary.LittleEndian.Uint64(buf[vecPtr:]),
		length: binary.LittleEndian.Uint64(buf[vecLen:]),
		cap:    binary.LittleEndian.Uint64(buf[vecCap:]),
	}
	if hdr.length > hdr.cap || (hdr.cap > 0 && hdr.ptr == 0) {
		return vecHeader{}, fmt.Errorf("%w: vec header at 0x%x (len %d, cap %d)",
			heap.ErrCorrupted, v.addr, hdr.length, hdr.cap)
	}
	return hdr, nil
}

func (v *Vec) store(hdr vecHeader) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint64(buf[vecPtr:], hdr.ptr)
	binary.LittleEndian.PutUint64(buf[vecLen:], hdr.length)
	binary.LittleEndian.PutUint64(buf[vecCap:], hdr.cap)
	return v.heap.Memory().Write(v.addr, buf[:])
}
