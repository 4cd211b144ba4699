package vmm

import (
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem/frame"
	"github.com/joshuapare/kmem/mem/phys"
)

// DirectMap maps runs of physical frames at KernelBase + physical address.
type DirectMap struct {
	mu sync.Mutex

	frames *frame.Allocator
	mem    *phys.Memory
	base   VirtAddr
	shift  uint

	// table maps a virtual page number to the physical frame backing it.
	table map[uint64]phys.Addr

	mapCalls   int
	unmapCalls int
	failed     int
}

// NewDirectMap builds a page-provider over the frames tracked by frames. mem
// holds the bytes behind those frames.
func NewDirectMap(frames *frame.Allocator, mem *phys.Memory) (*DirectMap, error) {
	if frames == nil || mem == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil frame allocator or memory")
	}
	size := frames.FrameSize()
	return &DirectMap{
		frames: frames,
		mem:    mem,
		base:   KernelBase,
		shift:  uint(bits.TrailingZeros(uint(size))),
		table:  make(map[uint64]phys.Addr),
	}, nil
}

// FrameSize returns the page size, which equals the frame size.
func (d *DirectMap) FrameSize() int {
	return d.frames.FrameSize()
}

// MapFrames allocates n contiguous frames and maps them. It returns the
// virtual address of the first page. On failure no frame stays allocated.
func (d *DirectMap) MapFrames(n int) (VirtAddr, error) {
	if n <= 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "map %d pages", n)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.mapCalls++

	pa, err := d.frames.AllocFrames(n)
	if err != nil {
		d.failed++
		if errors.Is(err, frame.ErrExhausted) {
			return 0, errors.Wrapf(ErrOutOfMemory, "map %d pages: %v", n, err)
		}
		return 0, errors.Wrapf(err, "map %d pages", n)
	}

	size := n << d.shift
	if _, err := d.mem.Slice(pa, size); err != nil {
		d.failed++
		d.rollback(pa, n)
		return 0, errors.Wrapf(err, "frames at %s are not backed by memory", pa)
	}

	va := d.base + VirtAddr(pa)
	first := uint64(va) >> d.shift
	for i := range uint64(n) {
		if _, ok := d.table[first+i]; ok {
			d.failed++
			for j := range i {
				delete(d.table, first+j)
			}
			d.rollback(pa, n)
			return 0, errors.Wrapf(ErrAlreadyMapped, "page %s", VirtAddr((first+i)<<d.shift))
		}
		d.table[first+i] = pa + phys.Addr(i<<d.shift)
	}

	if logger.TraceAlloc {
		logger.Debug("vmm: map", "pages", n, "virt", va, "phys", pa)
	}
	return va, nil
}

func (d *DirectMap) rollback(pa phys.Addr, n int) {
	if err := d.frames.FreeFrames(pa, n); err != nil {
		logger.Error("vmm: rollback failed", "phys", pa, "frames", n, "err", err)
	}
}

// UnmapFrames removes the mapping of n pages starting at va and returns the
// frames behind them to the frame allocator. Every page must be mapped.
func (d *DirectMap) UnmapFrames(va VirtAddr, n int) error {
	if n <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "unmap %d pages at %s", n, va)
	}
	if !format.IsAligned(uint64(va), uint64(d.FrameSize())) {
		return errors.Wrapf(ErrInvalidArgument, "unmap at unaligned address %s", va)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.unmapCalls++

	first := uint64(va) >> d.shift
	pa, ok := d.table[first]
	if !ok {
		d.failed++
		return errors.Wrapf(ErrNotMapped, "page %s", va)
	}
	for i := uint64(1); i < uint64(n); i++ {
		if _, ok := d.table[first+i]; !ok {
			d.failed++
			return errors.Wrapf(ErrNotMapped, "page %s", VirtAddr((first+i)<<d.shift))
		}
	}

	if err := d.frames.FreeFrames(pa, n); err != nil {
		d.failed++
		return errors.Wrapf(err, "unmap %d pages at %s", n, va)
	}
	for i := range uint64(n) {
		delete(d.table, first+i)
	}

	if logger.TraceAlloc {
		logger.Debug("vmm: unmap", "pages", n, "virt", va, "phys", pa)
	}
	return nil
}

// Translate returns the physical address behind va.
func (d *DirectMap) Translate(va VirtAddr) (phys.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.translate(va)
}

func (d *DirectMap) translate(va VirtAddr) (phys.Addr, error) {
	pa, ok := d.table[uint64(va)>>d.shift]
	if !ok {
		return 0, errors.Wrapf(ErrNotMapped, "address %s", va)
	}
	return pa + phys.Addr(uint64(va)&uint64(d.FrameSize()-1)), nil
}

// Slice returns the n mapped bytes starting at va. Every page touched by the
// range must be mapped.
func (d *DirectMap) Slice(va VirtAddr, n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "slice %d bytes at %s", n, va)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pa, err := d.translate(va)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		end := uint64(va) + uint64(n) - 1
		if end < uint64(va) {
			return nil, errors.Wrapf(ErrInvalidArgument, "slice %d bytes at %s overflows", n, va)
		}
		for page := uint64(va)>>d.shift + 1; page <= end>>d.shift; page++ {
			if _, ok := d.table[page]; !ok {
				return nil, errors.Wrapf(ErrNotMapped, "address %s", VirtAddr(page<<d.shift))
			}
		}
	}
	return d.mem.Slice(pa, n)
}

// MappedPages returns the number of pages currently mapped.
func (d *DirectMap) MappedPages() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.table)
}

// Stats reports call counters: map calls, unmap calls and failed calls.
func (d *DirectMap) Stats() (mapCalls, unmapCalls, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapCalls, d.unmapCalls, d.failed
}
