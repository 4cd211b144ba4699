//go:build !unix

// Package mmfile provides platform-specific helpers for obtaining large
// page-aligned memory regions outside the Go heap.
package mmfile

// Anonymous allocates size zeroed bytes on the Go heap when mmap is not
// available. The cleanup function is a no-op.
func Anonymous(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return []byte{}, func() error { return nil }, nil
	}
	return make([]byte, size), func() error { return nil }, nil
}
