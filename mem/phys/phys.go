// Package phys models the machine's physical memory as one flat byte region.
// Addresses are byte offsets from the start of the region.
package phys

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/internal/mmfile"
)

// Addr is a physical address.
type Addr uint64

// String renders the address in hex.
func (a Addr) String() string {
	return fmt.Sprintf("0x%08x", uint64(a))
}

// ErrOutOfBounds indicates an access outside the physical region.
var ErrOutOfBounds = errors.New("phys: access outside physical memory")

// Memory is a physical memory region.
type Memory struct {
	data    []byte
	cleanup func() error
}

// New reserves size bytes of zeroed physical memory. On unix the region is an
// anonymous mapping outside the Go heap.
func New(size int) (*Memory, error) {
	if size <= 0 {
		return nil, errors.Newf("phys: invalid memory size %d", size)
	}
	data, cleanup, err := mmfile.Anonymous(size)
	if err != nil {
		return nil, errors.Wrap(err, "phys: reserve memory")
	}
	return &Memory{data: data, cleanup: cleanup}, nil
}

// FromBytes wraps an existing buffer. Closing the Memory does not release b.
func FromBytes(b []byte) *Memory {
	return &Memory{data: b, cleanup: func() error { return nil }}
}

// Size returns the size of the region in bytes.
func (m *Memory) Size() int {
	return len(m.data)
}

// Bytes returns the whole region.
func (m *Memory) Bytes() []byte {
	return m.data
}

// Slice returns the n bytes starting at addr.
func (m *Memory) Slice(addr Addr, n int) ([]byte, error) {
	if addr > Addr(len(m.data)) {
		return nil, errors.Wrapf(ErrOutOfBounds, "addr=%s n=%d", addr, n)
	}
	b, ok := buf.Slice(m.data, int(addr), n)
	if !ok {
		return nil, errors.Wrapf(ErrOutOfBounds, "addr=%s n=%d", addr, n)
	}
	return b, nil
}

// Close releases the region. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	m.data = nil
	if m.cleanup == nil {
		return nil
	}
	err := m.cleanup()
	m.cleanup = nil
	return err
}
