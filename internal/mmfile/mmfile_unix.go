//go:build unix

// Package mmfile provides platform-specific helpers for obtaining large
// page-aligned memory regions outside the Go heap.
package mmfile

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Anonymous maps size bytes of private, zero-filled, read-write memory and
// returns it together with a cleanup function that unmaps it.
func Anonymous(size int) ([]byte, func() error, error) {
	if size <= 0 {
		return []byte{}, func() error { return nil }, nil
	}
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mmfile: map %d bytes", size)
	}
	cleanup := func() error {
		if data == nil {
			return nil
		}
		err := unix.Munmap(data)
		data = nil
		if errors.Is(err, unix.EINVAL) {
			// Treat double-unmap as no-op for callers.
			return nil
		}
		return err
	}
	return data, cleanup, nil
}
