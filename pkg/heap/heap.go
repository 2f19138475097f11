// Package heap implements a first-fit free-list allocator that lives
// entirely inside a fixed virtual address range.
//
// The allocator keeps no state in Go memory. Its control block sits at the
// start of the region and its free holes are threaded through the arena
// itself, so any number of Heap values built over the same memory observe
// the same allocator. This is what lets a later invocation, handed the same
// bytes, pick up where an earlier one stopped.
//
// The control block is bootstrapped lazily: every operation first looks at
// the marker word. Zero means the bytes were never touched and the arena is
// registered in place; Marker means a live allocator whose bounds are then
// checked; anything else is reported as corruption rather than silently
// re-initialized.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/stratus-heap/pkg/layout"
)

// Errors.
var (
	ErrOutOfMemory    = errors.New("heap: out of memory")
	ErrInvalidLayout  = errors.New("heap: invalid layout")
	ErrInvalidFree    = errors.New("heap: invalid free")
	ErrCorrupted      = errors.New("heap: control block corrupted")
	ErrRegionTooSmall = errors.New("heap: region too small")
)

// Marker is the first-touch marker of a bootstrapped control block.
const Marker = uint64(0x5045_5253_4845_4150)

// Control block layout. Every field is a little-endian u64.
const (
	offMarker = 0
	offBottom = 8
	offSize   = 16
	offUsed   = 24
	offHead   = 32

	// ControlSize is the size of the control block at the region base.
	ControlSize = uint64(40)
)

// Block geometry.
const (
	// MinBlockSize is the smallest block handed out; a free hole needs room
	// for its size and next words.
	MinBlockSize = uint64(16)

	// MinAlign is the alignment of every block and hole.
	MinAlign = uint64(8)
)

// Memory is the address space the heap's region is mapped into.
type Memory interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
	Read64(addr uint64) (uint64, error)
	Write64(addr uint64, x uint64) error
	Memset(addr uint64, val byte, n uint64) error
	Memcpy(dst, src, n uint64) error
}

// Stats describes the allocator's current usage.
type Stats struct {
	Bottom      uint64 // first arena address
	Size        uint64 // arena length
	Used        uint64 // bytes handed out
	Free        uint64 // bytes not handed out
	Holes       int    // free list length
	LargestHole uint64
}

type control struct {
	marker uint64
	bottom uint64
	size   uint64
	used   uint64
	head   uint64
}

// Heap is a handle on the allocator living in a region of Memory.
type Heap struct {
	mem    Memory
	region layout.Region
	trace  func(msg string)
}

// Option configures a Heap.
type Option func(*Heap)

// WithTrace sets the diagnostics sink that receives one line per operation.
func WithTrace(fn func(msg string)) Option {
	return func(h *Heap) {
		h.trace = fn
	}
}

// New returns a handle on the allocator occupying region. It does not touch
// memory; the control block is examined on the first operation.
func New(mem Memory, region layout.Region, opts ...Option) (*Heap, error) {
	if err := region.Validate(); err != nil {
		return nil, err
	}
	if region.Base%MinAlign != 0 {
		return nil, fmt.Errorf("%w: base 0x%x not aligned to %d", layout.ErrInvalidRegion, region.Base, MinAlign)
	}
	if region.Length < ControlSize+MinBlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRegionTooSmall, region.Length)
	}

	h := &Heap{
		mem:    mem,
		region: region,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Region returns the region the heap occupies, control block included.
func (h *Heap) Region() layout.Region {
	return h.region
}

// Memory returns the memory the heap lives in.
func (h *Heap) Memory() Memory {
	return h.mem
}

// Initialized reports whether the control block carries the marker. It
// never bootstraps.
func (h *Heap) Initialized() (bool, error) {
	marker, err := h.mem.Read64(h.region.Base + offMarker)
	if err != nil {
		return false, err
	}
	return marker == Marker, nil
}

// Arena returns the range managed for allocations, bootstrapping if needed.
func (h *Heap) Arena() (layout.Region, error) {
	c, err := h.ensure()
	if err != nil {
		return layout.Region{}, err
	}
	return layout.Region{Base: c.bottom, Length: c.size, Align: MinAlign}, nil
}

// Allocate returns the address of a block of at least size bytes aligned to
// align, taken from the first hole that fits.
func (h *Heap) Allocate(size, align uint64) (uint64, error) {
	h.tracef("alloc")

	c, err := h.ensure()
	if err != nil {
		return 0, err
	}
	addr, err := h.allocate(&c, size, align)
	if err != nil {
		if errors.Is(err, ErrOutOfMemory) {
			h.tracef("Allocator out of memory")
		}
		return 0, err
	}
	return addr, nil
}

// AllocateZeroed allocates like Allocate and zeroes the first size bytes.
func (h *Heap) AllocateZeroed(size, align uint64) (uint64, error) {
	h.tracef("alloc_zeroed")

	addr, err := h.Allocate(size, align)
	if err != nil {
		return 0, err
	}
	if err := h.mem.Memset(addr, 0, size); err != nil {
		return 0, err
	}
	return addr, nil
}

// Deallocate returns the block at addr, allocated with the same size and
// align, to the free list and merges it with adjacent holes.
func (h *Heap) Deallocate(addr, size, align uint64) error {
	h.tracef("dealloc")

	c, err := h.ensure()
	if err != nil {
		return err
	}
	return h.deallocate(&c, addr, size, align)
}

// Reallocate moves the block at addr to a new block of newSize bytes,
// copying min(size, newSize) bytes. The block is never grown in place. If
// the new allocation fails the old block is left untouched. If the old block
// cannot be freed the new one is released again.
func (h *Heap) Reallocate(addr, size, align, newSize uint64) (uint64, error) {
	h.tracef("realloc")

	newAddr, err := h.Allocate(newSize, align)
	if err != nil {
		return 0, err
	}
	if err := h.mem.Memcpy(newAddr, addr, min(size, newSize)); err != nil {
		_ = h.Deallocate(newAddr, newSize, align)
		return 0, err
	}
	if err := h.Deallocate(addr, size, align); err != nil {
		_ = h.Deallocate(newAddr, newSize, align)
		return 0, err
	}
	return newAddr, nil
}

// Stats returns the current usage, bootstrapping if needed.
func (h *Heap) Stats() (Stats, error) {
	c, err := h.ensure()
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Bottom: c.bottom,
		Size:   c.size,
		Used:   c.used,
		Free:   c.size - c.used,
	}
	for cur := c.head; cur != 0; {
		size, next, err := h.readHole(&c, cur)
		if err != nil {
			return Stats{}, err
		}
		s.Holes++
		s.LargestHole = max(s.LargestHole, size)
		cur = next
	}
	return s, nil
}

// ensure loads the control block, registering the arena on first touch.
func (h *Heap) ensure() (control, error) {
	c, err := h.loadControl()
	if err != nil {
		return control{}, err
	}

	bottom := h.region.Base + ControlSize
	size := (h.region.Length - ControlSize) &^ (MinAlign - 1)

	switch c.marker {
	case 0:
		if c != (control{}) {
			return control{}, fmt.Errorf("%w: unmarked control block at 0x%x holds data", ErrCorrupted, h.region.Base)
		}
		if err := h.writeHole(bottom, size, 0); err != nil {
			return control{}, err
		}
		c = control{
			marker: Marker,
			bottom: bottom,
			size:   size,
			head:   bottom,
		}
		if err := h.storeControl(&c); err != nil {
			return control{}, err
		}
		h.tracef("heap bootstrapped at 0x%x (%d bytes)", bottom, size)
		return c, nil

	case Marker:
		if c.bottom != bottom || c.size != size {
			return control{}, fmt.Errorf("%w: arena [0x%x, +%d) does not match region %s",
				ErrCorrupted, c.bottom, c.size, h.region)
		}
		if c.used > c.size {
			return control{}, fmt.Errorf("%w: used %d exceeds arena size %d", ErrCorrupted, c.used, c.size)
		}
		return c, nil

	default:
		return control{}, fmt.Errorf("%w: unknown marker 0x%x at 0x%x", ErrCorrupted, c.marker, h.region.Base)
	}
}

func (h *Heap) allocate(c *control, size, align uint64) (uint64, error) {
	size, align, err := normalize(size, align)
	if err != nil {
		return 0, err
	}

	prev := uint64(0)
	for cur := c.head; cur != 0; {
		holeSize, next, err := h.readHole(c, cur)
		if err != nil {
			return 0, err
		}
		holeEnd := cur + holeSize

		start, ok := alignUp(cur, align)
		if ok && start != cur && start-cur < MinBlockSize {
			// front padding too small to stay a hole
			start, ok = alignUp(cur+MinBlockSize, align)
		}
		if ok && start <= holeEnd && holeEnd-start >= size {
			end := start + size
			back := holeEnd - end
			if back == 0 || back >= MinBlockSize {
				following := next
				if back > 0 {
					if err := h.writeHole(end, back, next); err != nil {
						return 0, err
					}
					following = end
				}
				if start > cur {
					if err := h.writeHole(cur, start-cur, following); err != nil {
						return 0, err
					}
				} else if err := h.link(c, prev, following); err != nil {
					return 0, err
				}

				c.used += size
				if err := h.storeControl(c); err != nil {
					return 0, err
				}
				return start, nil
			}
		}

		prev = cur
		cur = next
	}

	return 0, fmt.Errorf("%w: size %d align %d (used %d of %d)", ErrOutOfMemory, size, align, c.used, c.size)
}

func (h *Heap) deallocate(c *control, addr, size, align uint64) error {
	size, _, err := normalize(size, align)
	if err != nil {
		return err
	}

	arenaEnd := c.bottom + c.size
	if size > c.size || addr%MinAlign != 0 || addr < c.bottom || addr > arenaEnd-size {
		return fmt.Errorf("%w: block 0x%x (size %d) outside arena", ErrInvalidFree, addr, size)
	}
	if size > c.used {
		return fmt.Errorf("%w: block 0x%x (size %d) exceeds used %d", ErrInvalidFree, addr, size, c.used)
	}

	prev, prevSize := uint64(0), uint64(0)
	cur := c.head
	for cur != 0 && cur < addr {
		holeSize, next, err := h.readHole(c, cur)
		if err != nil {
			return err
		}
		prev, prevSize, cur = cur, holeSize, next
	}

	if prev != 0 && prev+prevSize > addr {
		return fmt.Errorf("%w: block 0x%x overlaps free hole 0x%x", ErrInvalidFree, addr, prev)
	}
	if cur != 0 && addr+size > cur {
		return fmt.Errorf("%w: block 0x%x overlaps free hole 0x%x", ErrInvalidFree, addr, cur)
	}

	merged, next := size, cur
	if cur != 0 && addr+size == cur {
		curSize, curNext, err := h.readHole(c, cur)
		if err != nil {
			return err
		}
		merged += curSize
		next = curNext
	}

	if prev != 0 && prev+prevSize == addr {
		if err := h.writeHole(prev, prevSize+merged, next); err != nil {
			return err
		}
	} else {
		if err := h.writeHole(addr, merged, next); err != nil {
			return err
		}
		if err := h.link(c, prev, addr); err != nil {
			return err
		}
	}

	c.used -= size
	return h.storeControl(c)
}

// link points prev's next word, or the list head when prev is 0, at target.
func (h *Heap) link(c *control, prev, target uint64) error {
	if prev == 0 {
		c.head = target
		return nil
	}
	return h.mem.Write64(prev+8, target)
}

// readHole reads and sanity-checks the hole at addr.
func (h *Heap) readHole(c *control, addr uint64) (size, next uint64, err error) {
	arenaEnd := c.bottom + c.size
	if addr%MinAlign != 0 || addr < c.bottom || addr > arenaEnd-MinBlockSize {
		return 0, 0, fmt.Errorf("%w: hole 0x%x outside arena", ErrCorrupted, addr)
	}

	var buf [16]byte
	if err := h.mem.Read(addr, buf[:]); err != nil {
		return 0, 0, err
	}
	size = binary.LittleEndian.Uint64(buf[0:])
	next = binary.LittleEndian.Uint64(buf[8:])

	if size < MinBlockSize || size%MinAlign != 0 || size > arenaEnd-addr {
		return 0, 0, fmt.Errorf("%w: hole 0x%x has size %d", ErrCorrupted, addr, size)
	}
	if next != 0 && next <= addr+size {
		return 0, 0, fmt.Errorf("%w: hole 0x%x links back to 0x%x", ErrCorrupted, addr, next)
	}
	return size, next, nil
}

func (h *Heap) writeHole(addr, size, next uint64) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], size)
	binary.LittleEndian.PutUint64(buf[8:], next)
	return h.mem.Write(addr, buf[:])
}

func (h *Heap) loadControl() (control, error) {
	var buf [ControlSize]byte
	if err := h.mem.Read(h.region.Base, buf[:]); err != nil {
		return control{}, err
	}
	return control{
		marker: binary.LittleEndian.Uint64(buf[offMarker:]),
		bottom: binary.LittleEndian.Uint64(buf[offBottom:]),
		size:   binary.LittleEndian.Uint64(buf[offSize:]),
		used:   binary.LittleEndian.Uint64(buf[offUsed:]),
		head:   binary.LittleEndian.Uint64(buf[offHead:]),
	}, nil
}

func (h *Heap) storeControl(c *control) error {
	var buf [ControlSize]byte
	binary.LittleEndian.PutUint64(buf[offMarker:], c.marker)
	binary.LittleEndian.PutUint64(buf[offBottom:], c.bottom)
	binary.LittleEndian.PutUint64(buf[offSize:], c.size)
	binary.LittleEndian.PutUint64(buf[offUsed:], c.used)
	binary.LittleEndian.PutUint64(buf[offHead:], c.head)
	return h.mem.Write(h.region.Base, buf[:])
}

func (h *Heap) tracef(format string, args ...any) {
	if h.trace == nil {
		return
	}
	if len(args) == 0 {
		h.trace(format)
		return
	}
	h.trace(fmt.Sprintf(format, args...))
}

// normalize rounds a request up to the block geometry.
func normalize(size, align uint64) (uint64, uint64, error) {
	if size == 0 {
		return 0, 0, fmt.Errorf("%w: zero size", ErrInvalidLayout)
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, 0, fmt.Errorf("%w: alignment %d is not a power of two", ErrInvalidLayout, align)
	}
	align = max(align, MinAlign)

	rounded, ok := alignUp(size, MinAlign)
	if !ok {
		return 0, 0, fmt.Errorf("%w: size %d overflows", ErrInvalidLayout, size)
	}
	return max(rounded, MinBlockSize), align, nil
}

// alignUp rounds x up to a power-of-two alignment, reporting overflow.
func alignUp(x, align uint64) (uint64, bool) {
	if x > ^uint64(0)-(align-1) {
		return 0, false
	}
	return (x + align - 1) &^ (align - 1), true
}
