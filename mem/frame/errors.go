package frame

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidArgument indicates a zero count, an unaligned address, or an
	// unusable bitmap region.
	ErrInvalidArgument = errors.New("frame: invalid argument")

	// ErrExhausted indicates that no run of free frames of the requested
	// length exists anywhere in the bitmap.
	ErrExhausted = errors.New("frame: no free run of requested length")

	// ErrNotAllocated indicates an attempt to free a frame that is already free.
	ErrNotAllocated = errors.New("frame: frame is not allocated")

	// ErrOutOfRange indicates a frame range that extends past tracked memory.
	ErrOutOfRange = errors.New("frame: range outside tracked memory")
)
