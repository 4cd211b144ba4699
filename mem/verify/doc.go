// Package verify provides structural validation of allocator state.
//
// # Overview
//
// The checks work on copies of allocator state (heap.Snapshot and the frame
// bitmap) and re-derive every invariant from the raw bytes rather than from
// the allocator's own bookkeeping. They are used by tests after randomized
// workloads and by the memctl check command.
//
// Validation categories:
//   - Frame bitmap: free counter agrees with a bitmap scan
//   - Arena: header signature, slot and generation, size in whole pages
//   - Records: live magic, arena back-reference, address order, symmetric
//     links, no overlap, plausible alignment header, aligned pointer
//   - Heap: usage and running totals, no overlapping arenas, best-fit cache
//   - System: every arena is mapped and backed by allocated frames
//
// # Quick Start
//
//	if err := verify.AllInvariants(frames, dm, h); err != nil {
//	    fmt.Printf("Validation failed: %v\n", err)
//	}
//
// # ValidationError
//
// All validation functions return *ValidationError on failure:
//
//	type ValidationError struct {
//	    Type    string         // Error category (e.g., "Record")
//	    Message string         // Human-readable description
//	    Offset  int            // Arena-relative offset (-1 if N/A)
//	    Details map[string]any // Additional context
//	}
package verify
