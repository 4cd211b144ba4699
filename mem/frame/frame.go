package frame

import (
	"math/bits"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/internal/spin"
	"github.com/joshuapare/kmem/mem/phys"
)

// Allocator is a bitmap-based physical frame allocator.
type Allocator struct {
	mu spin.Lock

	// bitmap holds one bit per frame, least significant bit first.
	bitmap    []byte
	frames    int
	frameSize int
	shift     uint

	// hint is the lowest frame index that may be free. Every frame below it
	// is allocated.
	hint int

	// free mirrors the number of clear bits for O(1) statistics.
	free int

	stats counters
}

// counters holds internal allocator statistics.
type counters struct {
	AllocCalls   int // Total AllocFrames() calls
	FreeCalls    int // Total FreeFrames() calls
	FailedAllocs int // AllocFrames() calls that found no run
	InvalidFrees int // FreeFrames() calls rejected as misuse
	FramesOut    int64
	FramesIn     int64
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithFrameSize overrides the frame size. It must be a power of two no
// smaller than format.MinFrameSize.
func WithFrameSize(size int) Option {
	return func(a *Allocator) {
		a.frameSize = size
	}
}

// BitmapBytes returns the number of bitmap bytes needed to track memSize
// bytes of memory with the given frame size.
func BitmapBytes(memSize uint64, frameSize int) int {
	if frameSize <= 0 {
		return 0
	}
	return format.DivCeil(int(memSize/uint64(frameSize)), 8)
}

// New installs a frame bitmap in region covering memSize / frameSize frames
// and marks every frame allocated. Callers release the usable ranges
// afterwards with FreeFrames or ReleaseRange.
func New(region []byte, memSize uint64, opts ...Option) (*Allocator, error) {
	a := &Allocator{frameSize: format.DefaultFrameSize}
	for _, opt := range opts {
		opt(a)
	}

	if !format.IsPowerOfTwo(a.frameSize) || a.frameSize < format.MinFrameSize {
		return nil, errors.Wrapf(ErrInvalidArgument, "frame size %d", a.frameSize)
	}
	frames := memSize / uint64(a.frameSize)
	if frames == 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "memory size %d holds no frames", memSize)
	}
	if frames > uint64(^uint32(0)) {
		return nil, errors.Wrapf(ErrInvalidArgument, "memory size %d tracks too many frames", memSize)
	}
	need := BitmapBytes(memSize, a.frameSize)
	if len(region) < need {
		return nil, errors.Wrapf(ErrInvalidArgument, "bitmap region %d bytes, need %d", len(region), need)
	}

	a.bitmap = region[:need:need]
	a.frames = int(frames)
	a.shift = uint(bits.TrailingZeros(uint(a.frameSize)))
	a.hint = a.frames
	for i := range a.bitmap {
		a.bitmap[i] = 0xFF
	}

	logger.Info("frame: allocator initialized",
		"frames", a.frames, "frame_size", a.frameSize, "bitmap_bytes", need)
	return a, nil
}

// FrameSize returns the size of one frame in bytes.
func (a *Allocator) FrameSize() int {
	return a.frameSize
}

// Frames returns the number of frames tracked by the bitmap.
func (a *Allocator) Frames() int {
	return a.frames
}

// AllocFrames reserves the lowest-addressed run of n consecutive free frames
// and returns the physical address of the first one.
func (a *Allocator) AllocFrames(n int) (phys.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.AllocCalls++
	if n <= 0 {
		a.stats.FailedAllocs++
		logger.Warn("frame: alloc with invalid count", "n", n)
		return 0, errors.Wrapf(ErrInvalidArgument, "alloc %d frames", n)
	}

	start, ok := a.findRun(n)
	if !ok {
		a.stats.FailedAllocs++
		logger.Warn("frame: exhausted", "want", n, "free", a.free)
		return 0, errors.Wrapf(ErrExhausted, "alloc %d frames (%d free)", n, a.free)
	}

	a.setRange(start, n)
	a.free -= n
	a.stats.FramesOut += int64(n)
	if start == a.hint {
		a.hint = start + n
	}

	addr := phys.Addr(uint64(start) << a.shift)
	if logger.TraceAlloc {
		logger.Debug("frame: alloc", "n", n, "index", start, "addr", addr)
	}
	return addr, nil
}

// FreeFrames releases n frames starting at addr. The whole range must be
// frame-aligned, inside tracked memory, and currently allocated; otherwise no
// frame is touched and the misuse is reported.
func (a *Allocator) FreeFrames(addr phys.Addr, n int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.FreeCalls++
	if err := a.checkFree(addr, n); err != nil {
		a.stats.InvalidFrees++
		logger.Warn("frame: rejected free", "addr", addr, "n", n, "err", err)
		return err
	}

	start := int(uint64(addr) >> a.shift)
	a.clearRange(start, n)
	a.free += n
	a.stats.FramesIn += int64(n)
	if start < a.hint {
		a.hint = start
	}

	if logger.TraceAlloc {
		logger.Debug("frame: free", "n", n, "index", start, "addr", addr)
	}
	return nil
}

func (a *Allocator) checkFree(addr phys.Addr, n int) error {
	if n <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "free %d frames at %s", n, addr)
	}
	if !format.IsAligned(uint64(addr), uint64(a.frameSize)) {
		return errors.Wrapf(ErrInvalidArgument, "free at unaligned address %s", addr)
	}
	start := uint64(addr) >> a.shift
	if start >= uint64(a.frames) || uint64(n) > uint64(a.frames)-start {
		return errors.Wrapf(ErrOutOfRange, "free %d frames at %s (tracking %d)", n, addr, a.frames)
	}
	for i := int(start); i < int(start)+n; i++ {
		if !a.test(i) {
			err := errors.Wrapf(ErrNotAllocated, "frame %d at %s", i, phys.Addr(uint64(i)<<a.shift))
			return errors.WithDetailf(err, "requested range [%s, %s)", addr, phys.Addr((start+uint64(n))<<a.shift))
		}
	}
	return nil
}

// CountFree returns the number of free frames by scanning the bitmap. It is
// meant for diagnostics only.
func (a *Allocator) CountFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.countFree()
}

func (a *Allocator) countFree() int {
	full := a.frames / 8
	count := 0
	for _, b := range a.bitmap[:full] {
		count += 8 - bits.OnesCount8(b)
	}
	for i := full * 8; i < a.frames; i++ {
		if !a.test(i) {
			count++
		}
	}
	return count
}

// IsAllocated reports whether the frame containing addr is allocated.
// Addresses outside tracked memory report true.
func (a *Allocator) IsAllocated(addr phys.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := uint64(addr) >> a.shift
	if i >= uint64(a.frames) {
		return true
	}
	return a.test(int(i))
}

// Bitmap returns a copy of the frame bitmap.
func (a *Allocator) Bitmap() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.bitmap...)
}

// findRun returns the first index of the lowest run of n clear bits.
func (a *Allocator) findRun(n int) (int, bool) {
	i := a.hint
	for {
		i = a.nextClear(i)
		if i < 0 || n > a.frames-i {
			return 0, false
		}
		j := i + 1
		for j < i+n && !a.test(j) {
			j++
		}
		if j == i+n {
			return i, true
		}
		// j is allocated; no run containing it can work.
		i = j + 1
	}
}

// nextClear returns the first clear bit at or after i, or -1.
func (a *Allocator) nextClear(i int) int {
	for i < a.frames {
		b := a.bitmap[i>>3] | byte(1<<(i&7)-1)
		if b != 0xFF {
			i = i&^7 + bits.TrailingZeros8(^b)
			if i >= a.frames {
				return -1
			}
			return i
		}
		i = i&^7 + 8
	}
	return -1
}

func (a *Allocator) test(i int) bool {
	return a.bitmap[i>>3]&(1<<(i&7)) != 0
}

func (a *Allocator) setRange(start, n int) {
	for i := start; i < start+n; i++ {
		a.bitmap[i>>3] |= 1 << (i & 7)
	}
}

func (a *Allocator) clearRange(start, n int) {
	for i := start; i < start+n; i++ {
		a.bitmap[i>>3] &^= 1 << (i & 7)
	}
}
