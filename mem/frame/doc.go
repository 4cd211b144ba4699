// Package frame implements the physical frame allocator.
//
// # Overview
//
// Physical memory is divided into fixed-size frames (4 KiB by default). The
// allocator keeps one bit per frame in a bitmap that lives in a region
// supplied by the caller at boot; a set bit means the frame is allocated.
//
// # Boot Convention
//
// New marks every frame allocated. The boot code then releases exactly the
// ranges it knows to be usable:
//
//	bm := make([]byte, frame.BitmapBytes(memSize, format.DefaultFrameSize))
//	fa, err := frame.New(bm, memSize)
//	if err != nil {
//	    return err
//	}
//	fa.ReleaseRange(0x100000, memSize-0x100000)
//
// # Allocation Policy
//
// AllocFrames(n) is first-fit: it returns the lowest-addressed run of n free
// frames. The result is a pure function of the bitmap state. A cursor below
// which every frame is known to be allocated shortens the scan without
// changing which run is chosen.
//
// # Thread Safety
//
// Every operation holds a spinlock for its whole duration, so the allocator
// may be used from contexts that must not sleep.
package frame
