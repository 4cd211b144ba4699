package kmem

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem/heap"
	"github.com/joshuapare/kmem/mem/phys"
)

const (
	// DefaultMemorySize is the amount of simulated physical memory (16 MB).
	DefaultMemorySize = 16 << 20

	// LowMemoryEnd is the end of the low region that firmware traditionally
	// owns. The default configuration leaves it allocated.
	LowMemoryEnd = 1 << 20

	// MaxMemorySize bounds the simulated physical memory (4 GB).
	MaxMemorySize = 4 << 30
)

// ErrInvalidConfig indicates a configuration that cannot boot.
var ErrInvalidConfig = errors.New("kmem: invalid config")

// Range is a physical address range.
type Range struct {
	Start  phys.Addr
	Length uint64
}

// End returns the address one past the range.
func (r Range) End() phys.Addr {
	return r.Start + phys.Addr(r.Length)
}

// Config describes the memory layout to boot.
type Config struct {
	// MemorySize is the size of physical memory in bytes.
	MemorySize uint64

	// FrameSize is the size of a frame and of a page.
	// Default: format.DefaultFrameSize (4 KB).
	FrameSize int

	// Usable lists the ranges the memory map reports as free RAM. Every
	// whole frame inside them is released at boot; everything else stays
	// allocated. The frame bitmap is placed at the start of the first range.
	Usable []Range

	// Reserved ranges are marked allocated after Usable is applied, e.g.
	// for a kernel image inside usable memory.
	Reserved []Range

	// Heap configures the kernel heap.
	Heap heap.Options
}

// DefaultConfig returns 16 MB of memory with the low megabyte reserved.
func DefaultConfig() Config {
	return Config{
		MemorySize: DefaultMemorySize,
		FrameSize:  format.DefaultFrameSize,
		Usable:     []Range{{Start: LowMemoryEnd, Length: DefaultMemorySize - LowMemoryEnd}},
		Heap:       heap.Options{MinArenaPages: heap.DefaultMinArenaPages},
	}
}

// Validate reports the first inconsistency in c.
func (c Config) Validate() error {
	if c.MemorySize == 0 || c.MemorySize > MaxMemorySize {
		return errors.Wrapf(ErrInvalidConfig, "memory size %d", c.MemorySize)
	}
	if !format.IsPowerOfTwo(c.FrameSize) || c.FrameSize < format.MinFrameSize {
		return errors.Wrapf(ErrInvalidConfig, "frame size %d", c.FrameSize)
	}
	if c.MemorySize < 2*uint64(c.FrameSize) {
		return errors.Wrapf(ErrInvalidConfig, "memory size %d holds fewer than two frames", c.MemorySize)
	}
	if len(c.Usable) == 0 {
		return errors.Wrap(ErrInvalidConfig, "no usable memory")
	}
	for _, group := range []struct {
		name   string
		ranges []Range
	}{{"usable", c.Usable}, {"reserved", c.Reserved}} {
		for i, r := range group.ranges {
			if r.Length == 0 {
				return errors.Wrapf(ErrInvalidConfig, "%s range %d is empty", group.name, i)
			}
			if r.End() < r.Start || uint64(r.End()) > c.MemorySize {
				return errors.Wrapf(ErrInvalidConfig, "%s range %d [%s, %s) exceeds memory", group.name, i, r.Start, r.End())
			}
		}
	}
	if c.Heap.MinArenaPages < 0 {
		return errors.Wrapf(ErrInvalidConfig, "min arena pages %d", c.Heap.MinArenaPages)
	}

	bitmap := c.bitmapRange()
	if bitmap.Start < c.Usable[0].Start || bitmap.End() > c.Usable[0].End() {
		return errors.Wrapf(ErrInvalidConfig,
			"first usable range [%s, %s) cannot hold the %d byte frame bitmap",
			c.Usable[0].Start, c.Usable[0].End(), bitmap.Length)
	}
	return nil
}

// bitmapRange returns where the frame bitmap is placed: the first frame
// boundary inside the first usable range.
func (c Config) bitmapRange() Range {
	size := uint64(c.FrameSize)
	start := format.AlignUp(uint64(c.Usable[0].Start), size)
	n := uint64(format.DivCeil(c.MemorySize/size, 8))
	return Range{Start: phys.Addr(start), Length: n}
}
