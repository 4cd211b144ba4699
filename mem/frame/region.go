package frame

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem/phys"
)

// ReleaseRange frees every whole frame inside [addr, addr+length). Frames
// only partially covered by the range stay allocated, and frames that are
// already free are left alone. It returns the number of frames released.
//
// ReleaseRange is meant for boot, when the memory map says which physical
// ranges are usable.
func (a *Allocator) ReleaseRange(addr phys.Addr, length uint64) (int, error) {
	first, last, err := a.frameSpan(addr, length, false)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	released := 0
	for i := first; i < last; i++ {
		if a.test(i) {
			a.clearRange(i, 1)
			released++
		}
	}
	a.free += released
	if first < a.hint && released > 0 {
		a.hint = first
	}
	logger.Info("frame: released range", "addr", addr, "length", length, "frames", released)
	return released, nil
}

// ReserveRange marks every frame touched by [addr, addr+length) allocated,
// including partially covered ones. It returns the number of frames that
// changed state.
func (a *Allocator) ReserveRange(addr phys.Addr, length uint64) (int, error) {
	first, last, err := a.frameSpan(addr, length, true)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	reserved := 0
	for i := first; i < last; i++ {
		if !a.test(i) {
			a.setRange(i, 1)
			reserved++
		}
	}
	a.free -= reserved
	for a.hint < a.frames && a.test(a.hint) {
		a.hint++
	}
	logger.Info("frame: reserved range", "addr", addr, "length", length, "frames", reserved)
	return reserved, nil
}

// frameSpan converts a byte range into a clamped frame index range. When
// outer is true, partially covered frames are included.
func (a *Allocator) frameSpan(addr phys.Addr, length uint64, outer bool) (int, int, error) {
	if length == 0 {
		return 0, 0, errors.Wrap(ErrInvalidArgument, "empty range")
	}
	start := uint64(addr)
	end := start + length
	if end < start {
		return 0, 0, errors.Wrapf(ErrOutOfRange, "range %s+%d overflows", addr, length)
	}
	size := uint64(a.frameSize)
	if outer {
		start = format.AlignDown(start, size)
		end = format.AlignUp(end, size)
	} else {
		start = format.AlignUp(start, size)
		end = format.AlignDown(end, size)
	}
	limit := uint64(a.frames) << a.shift
	end = min(end, limit)
	if start >= end {
		return 0, 0, nil
	}
	return int(start >> a.shift), int(end >> a.shift), nil
}
