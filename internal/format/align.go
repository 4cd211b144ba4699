package format

import "golang.org/x/exp/constraints"

// Alignment utilities shared by the frame allocator, the page-provider, and
// the heap. All alignments must be powers of two.

// AlignUp returns n aligned up to the next multiple of align.
//
// Example:
//
//	AlignUp(1, 16)    = 16
//	AlignUp(16, 16)   = 16
//	AlignUp(4097, 4096) = 8192
func AlignUp[T constraints.Integer](n, align T) T {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown returns n aligned down to a multiple of align.
func AlignDown[T constraints.Integer](n, align T) T {
	return n &^ (align - 1)
}

// IsAligned reports whether n is a multiple of align.
func IsAligned[T constraints.Integer](n, align T) bool {
	return n&(align-1) == 0
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo[T constraints.Integer](n T) bool {
	return n > 0 && n&(n-1) == 0
}

// DivCeil returns n/d rounded up.
func DivCeil[T constraints.Integer](n, d T) T {
	return (n + d - 1) / d
}
