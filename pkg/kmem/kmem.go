// Package kmem boots the kernel memory core: simulated physical memory, the
// frame allocator, the direct-map page-provider and the kernel heap.
//
//	sys, err := kmem.Boot(kmem.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer sys.Close()
//
//	p, err := sys.Heap.Alloc(128)
package kmem

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem/frame"
	"github.com/joshuapare/kmem/mem/heap"
	"github.com/joshuapare/kmem/mem/phys"
	"github.com/joshuapare/kmem/mem/verify"
	"github.com/joshuapare/kmem/mem/vmm"
)

// System is a booted memory core.
type System struct {
	Memory *phys.Memory
	Frames *frame.Allocator
	Pages  *vmm.DirectMap
	Heap   *heap.Heap

	cfg    Config
	bitmap Range
}

// Boot reserves physical memory and brings up every allocator layer:
//
//  1. install the frame bitmap at the start of the first usable range,
//     with every frame allocated
//  2. release the usable ranges, then re-reserve the bitmap itself and
//     any reserved ranges
//  3. start the direct map and format the heap's first arena
func Boot(cfg Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mem, err := phys.New(int(cfg.MemorySize))
	if err != nil {
		return nil, errors.Wrap(err, "kmem: boot")
	}
	sys := &System{Memory: mem, cfg: cfg, bitmap: cfg.bitmapRange()}

	if err := sys.bootFrames(); err != nil {
		_ = mem.Close()
		return nil, err
	}

	sys.Pages, err = vmm.NewDirectMap(sys.Frames, mem)
	if err != nil {
		_ = mem.Close()
		return nil, errors.Wrap(err, "kmem: page provider")
	}

	sys.Heap, err = heap.New(sys.Pages, cfg.Heap)
	if err != nil {
		_ = mem.Close()
		return nil, errors.Wrap(err, "kmem: heap")
	}

	st := sys.Frames.Stats()
	logger.Info("kmem: booted",
		"memory", cfg.MemorySize,
		"frame_size", cfg.FrameSize,
		"frames", st.TotalFrames,
		"free_frames", st.FreeFrames,
		"bitmap", sys.bitmap.Start)
	return sys, nil
}

func (s *System) bootFrames() error {
	region, err := s.Memory.Slice(s.bitmap.Start, int(s.bitmap.Length))
	if err != nil {
		return errors.Wrap(err, "kmem: bitmap region")
	}
	s.Frames, err = frame.New(region, s.cfg.MemorySize, frame.WithFrameSize(s.cfg.FrameSize))
	if err != nil {
		return errors.Wrap(err, "kmem: frame allocator")
	}

	for _, r := range s.cfg.Usable {
		if _, err := s.Frames.ReleaseRange(r.Start, r.Length); err != nil {
			return errors.Wrapf(err, "kmem: release [%s, %s)", r.Start, r.End())
		}
	}
	if _, err := s.Frames.ReserveRange(s.bitmap.Start, s.bitmap.Length); err != nil {
		return errors.Wrap(err, "kmem: reserve bitmap")
	}
	for _, r := range s.cfg.Reserved {
		if _, err := s.Frames.ReserveRange(r.Start, r.Length); err != nil {
			return errors.Wrapf(err, "kmem: reserve [%s, %s)", r.Start, r.End())
		}
	}
	return nil
}

// Config returns the configuration the system booted with.
func (s *System) Config() Config {
	return s.cfg
}

// BitmapRange returns the physical range holding the frame bitmap.
func (s *System) BitmapRange() Range {
	return s.bitmap
}

// Verify checks every allocator invariant.
func (s *System) Verify() error {
	return verify.AllInvariants(s.Frames, s.Pages, s.Heap)
}

// Dump writes the frame allocator and heap reports to w.
func (s *System) Dump(w io.Writer) error {
	if err := s.Frames.Dump(w); err != nil {
		return err
	}
	return s.Heap.Dump(w)
}

// Close releases the heap's arenas and the physical memory.
func (s *System) Close() error {
	var errs error
	if s.Heap != nil {
		errs = errors.CombineErrors(errs, s.Heap.Close())
	}
	if s.Memory != nil {
		errs = errors.CombineErrors(errs, s.Memory.Close())
	}
	return errs
}
