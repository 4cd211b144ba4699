package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem/frame"
	"github.com/joshuapare/kmem/mem/phys"
	"github.com/joshuapare/kmem/mem/vmm"
)

const pageSize = format.DefaultFrameSize

// testEnv is a heap wired to a real frame allocator and direct map.
type testEnv struct {
	heap   *Heap
	frames *frame.Allocator
	dm     *vmm.DirectMap
	fatal  *fatalRecorder
}

// fatalRecorder collects corruption reports instead of panicking.
type fatalRecorder struct {
	errs []error
}

func (f *fatalRecorder) hook(err error) {
	f.errs = append(f.errs, err)
}

func newTestEnv(t testing.TB, frames int, opts Options) *testEnv {
	t.Helper()
	memSize := uint64(frames * pageSize)
	fa, err := frame.New(make([]byte, frame.BitmapBytes(memSize, pageSize)), memSize)
	require.NoError(t, err)
	_, err = fa.ReleaseRange(0, memSize)
	require.NoError(t, err)

	dm, err := vmm.NewDirectMap(fa, phys.FromBytes(make([]byte, memSize)))
	require.NoError(t, err)

	rec := &fatalRecorder{}
	if opts.Fatal == nil {
		opts.Fatal = rec.hook
	}
	h, err := New(dm, opts)
	require.NoError(t, err)
	return &testEnv{heap: h, frames: fa, dm: dm, fatal: rec}
}

// mustAlloc allocates size bytes and fills them with a pattern derived from seed.
func (e *testEnv) mustAlloc(t testing.TB, size int, seed byte) Ptr {
	t.Helper()
	p, err := e.heap.Alloc(size)
	require.NoError(t, err)
	b, err := e.heap.Bytes(p)
	require.NoError(t, err)
	fill(b, seed)
	return p
}

func fill(b []byte, seed byte) {
	for i := range b {
		b[i] = seed + byte(i)
	}
}

func requirePattern(t testing.TB, b []byte, seed byte) {
	t.Helper()
	for i := range b {
		if b[i] != seed+byte(i) {
			require.Failf(t, "pattern mismatch", "byte %d = 0x%02x, want 0x%02x", i, b[i], seed+byte(i))
		}
	}
}

// recordAddr returns the virtual address of the record header behind p.
func (e *testEnv) recordAddr(t testing.TB, p Ptr) vmm.VirtAddr {
	t.Helper()
	b, err := e.dm.Slice(vmm.VirtAddr(p)-format.AlignInfo, 4)
	require.NoError(t, err)
	pad := format.ReadU32(b, 0)
	require.True(t, format.PlausiblePadding(pad), "padding %d", pad)
	return vmm.VirtAddr(uint64(p) - uint64(pad) - format.RecordHeaderSize)
}

// corruption asserts err is a *CorruptionError of the given kind and that it
// reached the fatal hook.
func (e *testEnv) corruption(t testing.TB, err error, kind CorruptionKind) *CorruptionError {
	t.Helper()
	require.ErrorIs(t, err, ErrCorrupted)
	var cerr *CorruptionError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, kind, cerr.Kind, "got %v", cerr)
	require.NotEmpty(t, e.fatal.errs)
	require.Same(t, cerr, e.fatal.errs[len(e.fatal.errs)-1])
	return cerr
}
