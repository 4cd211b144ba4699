package frame

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Stats is a point-in-time summary of the frame allocator.
type Stats struct {
	FrameSize    int
	TotalFrames  int
	FreeFrames   int
	UsedFrames   int
	AllocCalls   int
	FreeCalls    int
	FailedAllocs int
	InvalidFrees int
	FramesOut    int64
	FramesIn     int64
}

// TotalBytes returns the amount of tracked memory in bytes.
func (s Stats) TotalBytes() int64 {
	return int64(s.TotalFrames) * int64(s.FrameSize)
}

// FreeBytes returns the amount of free memory in bytes.
func (s Stats) FreeBytes() int64 {
	return int64(s.FreeFrames) * int64(s.FrameSize)
}

// Stats returns the current statistics. FreeFrames comes from the running
// counter; CountFree rescans the bitmap.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		FrameSize:    a.frameSize,
		TotalFrames:  a.frames,
		FreeFrames:   a.free,
		UsedFrames:   a.frames - a.free,
		AllocCalls:   a.stats.AllocCalls,
		FreeCalls:    a.stats.FreeCalls,
		FailedAllocs: a.stats.FailedAllocs,
		InvalidFrees: a.stats.InvalidFrees,
		FramesOut:    a.stats.FramesOut,
		FramesIn:     a.stats.FramesIn,
	}
}

// Dump writes a human-readable summary of the allocator to w.
func (a *Allocator) Dump(w io.Writer) error {
	s := a.Stats()
	p := message.NewPrinter(language.English)
	_, err := p.Fprintf(w,
		"frame: ------ Physical memory ---------------\n"+
			"frame: frame size:      %d bytes\n"+
			"frame: total frames:    %d (%d bytes)\n"+
			"frame: free frames:     %d (%d bytes)\n"+
			"frame: used frames:     %d\n"+
			"frame: alloc calls:     %d (%d failed)\n"+
			"frame: free calls:      %d (%d rejected)\n",
		s.FrameSize,
		s.TotalFrames, s.TotalBytes(),
		s.FreeFrames, s.FreeBytes(),
		s.UsedFrames,
		s.AllocCalls, s.FailedAllocs,
		s.FreeCalls, s.InvalidFrees,
	)
	return err
}
