// Package buf contains overflow-safe size arithmetic and bounds-checked
// slicing used wherever a caller-supplied size or address indexes memory.
package buf

import (
	"math"

	"github.com/cockroachdb/errors"
)

// AddOverflowSafe adds a and b, returning ok = false when the result would overflow int.
func AddOverflowSafe(a, b int) (int, bool) {
	switch {
	case b > 0 && a > math.MaxInt-b:
		return 0, false
	case b < 0 && a < math.MinInt-b:
		return 0, false
	default:
		return a + b, true
	}
}

// MulOverflowSafe multiplies two non-negative sizes, returning ok = false when
// the product would overflow int or either operand is negative. This guards
// count * elementSize requests such as Calloc.
func MulOverflowSafe(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt/b {
		return 0, false
	}
	return a * b, true
}

// CheckRange validates that count elements of elementSize bytes fit in a
// buffer of bufLen bytes starting at offset. Returns the end offset if valid,
// or an error describing the specific failure (overflow or out of bounds).
//
//	end, err := buf.CheckRange(len(mem), off, frames, frameSize)
//	if err != nil {
//	    return errors.Wrap(err, "phys")
//	}
func CheckRange(bufLen, offset, count, elementSize int) (int, error) {
	if offset < 0 {
		return 0, errors.Newf("negative offset: %d", offset)
	}
	if count < 0 {
		return 0, errors.Newf("negative count: %d", count)
	}
	total, ok := MulOverflowSafe(count, elementSize)
	if !ok {
		return 0, errors.Newf("overflow: count=%d * elemSize=%d", count, elementSize)
	}
	end, ok := AddOverflowSafe(offset, total)
	if !ok {
		return 0, errors.Newf("overflow: offset=%d + size=%d", offset, total)
	}
	if end > bufLen {
		return 0, errors.Newf("bounds: end=%d > len=%d", end, bufLen)
	}
	return end, nil
}

// Slice returns the sub-slice [off:off+n] if it fits within len(b).
// The capacity is clipped so appends cannot spill into neighbouring memory.
func Slice(b []byte, off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off > len(b) {
		return nil, false
	}
	end, ok := AddOverflowSafe(off, n)
	if !ok || end > len(b) {
		return nil, false
	}
	return b[off:end:end], true
}
