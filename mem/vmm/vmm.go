// Package vmm provides the page-provider used by the kernel heap: it hands out
// contiguous runs of kernel virtual pages backed by physical frames.
//
// The mapping is a direct map. A frame at physical address p is always visible
// at KernelBase + p, so a contiguous run of frames is a contiguous run of
// pages. The page table records which pages are currently mapped so that
// unmapping and slicing can be validated.
package vmm

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// VirtAddr is a kernel virtual address.
type VirtAddr uint64

// String renders the address in hex.
func (v VirtAddr) String() string {
	return fmt.Sprintf("0x%08x", uint64(v))
}

// KernelBase is the virtual address at which physical address zero is mapped.
const KernelBase VirtAddr = 0xC000_0000

var (
	// ErrInvalidArgument indicates a zero page count or an unaligned address.
	ErrInvalidArgument = errors.New("vmm: invalid argument")

	// ErrNotMapped indicates an access to a page that is not mapped.
	ErrNotMapped = errors.New("vmm: page not mapped")

	// ErrAlreadyMapped indicates that a frame handed out by the frame
	// allocator is already present in the page table.
	ErrAlreadyMapped = errors.New("vmm: page already mapped")

	// ErrOutOfMemory indicates that no run of frames could back the request.
	ErrOutOfMemory = errors.New("vmm: out of memory")
)
