package heap

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem/vmm"
)

func TestNewFormatsRootArena(t *testing.T) {
	e := newTestEnv(t, 64, Options{})

	s := e.heap.Stats()
	assert.Equal(t, 1, s.Arenas)
	assert.Equal(t, DefaultMinArenaPages, s.ArenaPages)
	assert.Equal(t, uint64(DefaultMinArenaPages*pageSize), s.Allocated)
	assert.Equal(t, 64-DefaultMinArenaPages, e.frames.CountFree())
	require.NoError(t, e.heap.Validate())
}

func TestNewRejectsBadProvider(t *testing.T) {
	_, err := New(nil, Options{})
	require.ErrorIs(t, err, ErrInvalidArgument)

	e := newTestEnv(t, 64, Options{})
	_, err = New(e.dm, Options{MinArenaPages: 100})
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestAllocRoundTrip(t *testing.T) {
	e := newTestEnv(t, 64, Options{})

	for _, size := range []int{1, 7, 16, 100, 4000, 9000} {
		p := e.mustAlloc(t, size, byte(size))
		b, err := e.heap.Bytes(p)
		require.NoError(t, err)
		require.Len(t, b, size)
		requirePattern(t, b, byte(size))
	}
	require.NoError(t, e.heap.Validate())
}

func TestAlignment(t *testing.T) {
	e := newTestEnv(t, 128, Options{})

	for size := 1; size <= 300; size++ {
		p, err := e.heap.Alloc(size)
		require.NoError(t, err)
		require.Zero(t, uint64(p)%format.Alignment, "size %d -> %s", size, p)

		usable, err := e.heap.UsableSize(p)
		require.NoError(t, err)
		require.GreaterOrEqual(t, usable, size)
		require.Less(t, usable, size+format.Alignment+1)
	}
	require.NoError(t, e.heap.Validate())
}

func TestInvalidArguments(t *testing.T) {
	e := newTestEnv(t, 64, Options{})

	_, err := e.heap.Alloc(0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.heap.Alloc(-5)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.ErrorIs(t, e.heap.Free(0), ErrInvalidArgument)
	_, err = e.heap.Bytes(0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	s := e.heap.Stats()
	assert.Equal(t, int64(3), s.Warnings)
	assert.Equal(t, 2, s.FailedAllocs)
	assert.Empty(t, e.fatal.errs, "misuse of arguments is not corruption")
}

func TestDoubleFreeDetected(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	keep := e.mustAlloc(t, 64, 1)
	p := e.mustAlloc(t, 64, 2)

	require.NoError(t, e.heap.Free(p))
	cerr := e.corruption(t, e.heap.Free(p), KindDoubleFree)
	assert.Equal(t, format.MagicDead, cerr.Magic)
	assert.Equal(t, uint32(64+format.AlignOverhead), cerr.RecordSize)
	assert.Equal(t, p, cerr.Ptr)

	assert.Equal(t, int64(1), e.heap.Stats().Errors)
	require.NoError(t, e.heap.Free(keep))
}

func TestFreeAfterArenaReleaseIsWild(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	p := e.mustAlloc(t, 64, 1)

	require.NoError(t, e.heap.Free(p))
	assert.Equal(t, 0, e.heap.Stats().Arenas)
	e.corruption(t, e.heap.Free(p), KindWildPointer)
}

func TestDefaultFatalPanics(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	h, err := New(e.dm, Options{MinArenaPages: 4})
	require.NoError(t, err)
	keep, err := h.Alloc(32)
	require.NoError(t, err)
	p, err := h.Alloc(32)
	require.NoError(t, err)
	require.NoError(t, h.Free(p))

	require.PanicsWithError(t, (&CorruptionError{
		Op: "free", Kind: KindDoubleFree, Ptr: p,
		RecordSize: 32 + format.AlignOverhead, Magic: format.MagicDead,
	}).Error(), func() { _ = h.Free(p) })

	// The heap lock was released by the panic.
	require.NoError(t, h.Free(keep))
}

func TestOverrunDetected(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	a := e.mustAlloc(t, 40, 1)
	b := e.mustAlloc(t, 40, 2)

	// Clobber the low byte of b's magic, as a one-byte overrun of a would.
	hdr, err := e.dm.Slice(e.recordAddr(t, b), 4)
	require.NoError(t, err)
	hdr[0] = 'A'

	cerr := e.corruption(t, e.heap.Free(b), KindOverrun)
	assert.Equal(t, 3, cerr.Survivors)
	assert.Equal(t, uint32(0xc001c041), cerr.Magic)
	assert.Equal(t, int64(1), e.heap.Stats().PossibleOverruns)

	require.NoError(t, e.heap.Free(a), "the neighbour is untouched")
}

func TestBadPointers(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	p := e.mustAlloc(t, 128, 0)
	b, err := e.heap.Bytes(p)
	require.NoError(t, err)
	clear(b)

	tests := []struct {
		name string
		ptr  Ptr
		kind CorruptionKind
	}{
		{"outside any arena", 0x1234, KindWildPointer},
		{"inside payload", p + 64, KindBadPointer},
		{"arena header", Ptr(e.recordAddr(t, p)) - 16, KindWildPointer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.corruption(t, e.heap.Free(tt.ptr), tt.kind)
		})
	}

	// Realloc and Bytes resolve pointers the same way.
	_, err = e.heap.Realloc(p+64, 10)
	e.corruption(t, err, KindBadPointer)
	_, err = e.heap.Bytes(p + 64)
	e.corruption(t, err, KindBadPointer)

	require.NoError(t, e.heap.Validate())
	require.NoError(t, e.heap.Free(p))
}

func TestTwoRecordReuse(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	a := e.mustAlloc(t, 100, 1)
	b := e.mustAlloc(t, 100, 2)

	// B sits directly behind A.
	assert.Equal(t, e.recordAddr(t, a)+format.RecordHeaderSize+100+format.AlignOverhead, e.recordAddr(t, b))

	created := e.heap.Stats().ArenasCreated
	require.NoError(t, e.heap.Free(a))

	c := e.mustAlloc(t, 100, 3)
	assert.Equal(t, a, c, "C takes A's place")
	assert.Equal(t, created, e.heap.Stats().ArenasCreated, "no new arena")

	bb, err := e.heap.Bytes(b)
	require.NoError(t, err)
	requirePattern(t, bb, 2)
	require.NoError(t, e.heap.Validate())
}

func TestInteriorGapReused(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	a := e.mustAlloc(t, 64, 1)
	b := e.mustAlloc(t, 256, 2)
	c := e.mustAlloc(t, 64, 3)
	require.NoError(t, e.heap.Free(b))

	d := e.mustAlloc(t, 200, 4)
	assert.Equal(t, b, d)
	assert.Greater(t, c, d)

	for p, seed := range map[Ptr]byte{a: 1, c: 3, d: 4} {
		got, err := e.heap.Bytes(p)
		require.NoError(t, err)
		requirePattern(t, got, seed)
	}
	require.NoError(t, e.heap.Validate())
}

// twoArenaLayout builds a one-page root with a 1000-byte hole at its front and
// a second arena with two 600-byte holes. The second arena is the cached
// best-fit arena.
func twoArenaLayout(t *testing.T) (e *testEnv, a, c2 Ptr) {
	e = newTestEnv(t, 64, Options{MinArenaPages: 1})
	a = e.mustAlloc(t, 1000, 1)
	e.mustAlloc(t, 2900, 2)

	c1 := e.mustAlloc(t, 600, 3) // opens the second arena
	c2 = e.mustAlloc(t, 600, 4)
	e.mustAlloc(t, 600, 5)
	c4 := e.mustAlloc(t, 600, 6)
	e.mustAlloc(t, 1300, 7)

	s := e.heap.Snapshot()
	require.Len(t, s.Arenas, 2)
	second := s.Arenas[1]
	for _, p := range []Ptr{c1, c2, c4} {
		require.GreaterOrEqual(t, uint64(p), uint64(second.Base))
	}

	require.NoError(t, e.heap.Free(c2))
	require.NoError(t, e.heap.Free(c4))
	require.NoError(t, e.heap.Free(a))
	require.Equal(t, int(second.Slot), e.heap.Snapshot().BestSlot)
	return e, a, c2
}

func TestAllocStartsAtBestFitArena(t *testing.T) {
	e, a, c2 := twoArenaLayout(t)
	created := e.heap.Stats().ArenasCreated

	// The root hole fits too, but the search begins at the cached arena.
	p := e.mustAlloc(t, 64, 8)
	assert.Equal(t, c2, p)
	assert.NotEqual(t, a, p)
	assert.Equal(t, created, e.heap.Stats().ArenasCreated)
	require.NoError(t, e.heap.Validate())
}

func TestAllocFragmentedBestFitRestartsAtRoot(t *testing.T) {
	e, a, _ := twoArenaLayout(t)
	before := e.heap.Snapshot()
	second := before.Arenas[1]

	// The cached arena has 1372 bytes free in total but no gap of 764.
	p := e.mustAlloc(t, 700, 9)
	assert.Equal(t, a, p, "placed in the root hole")

	after := e.heap.Snapshot()
	assert.Len(t, after.Arenas, 2, "no arena was added")
	assert.Equal(t, before.Stats.ArenasCreated, after.Stats.ArenasCreated)
	assert.Equal(t, int(second.Slot), after.BestSlot)
	require.NoError(t, e.heap.Validate())
}

func TestLargeAllocGetsOwnArena(t *testing.T) {
	e := newTestEnv(t, 128, Options{})
	before := e.frames.CountFree()

	const size = 100 << 10
	p := e.mustAlloc(t, size, 9)
	want := format.DivCeil(size+format.AlignOverhead+format.ArenaHeaderSize+format.RecordHeaderSize, pageSize)
	assert.Equal(t, before-want, e.frames.CountFree())
	assert.Equal(t, 2, e.heap.Stats().Arenas)

	require.NoError(t, e.heap.Free(p))
	assert.Equal(t, before, e.frames.CountFree(), "released arena returns its frames")
	assert.Equal(t, 1, e.heap.Stats().Arenas)
	require.NoError(t, e.heap.Validate())
}

func TestRootRecreatedAfterRelease(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	p := e.mustAlloc(t, 10, 0)
	require.NoError(t, e.heap.Free(p))

	assert.Equal(t, 0, e.heap.Stats().Arenas)
	assert.Equal(t, 64, e.frames.CountFree())

	q := e.mustAlloc(t, 10, 0)
	assert.Equal(t, 1, e.heap.Stats().Arenas)
	require.NoError(t, e.heap.Validate())
	require.NoError(t, e.heap.Free(q))
}

func TestOutOfMemory(t *testing.T) {
	e := newTestEnv(t, 20, Options{})
	free := e.frames.CountFree()

	_, err := e.heap.Alloc(1 << 20)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, free, e.frames.CountFree())

	_, err = e.heap.Alloc(math.MaxInt)
	require.ErrorIs(t, err, ErrOutOfMemory)

	s := e.heap.Stats()
	assert.Equal(t, 2, s.FailedAllocs)
	assert.Empty(t, e.fatal.errs)

	// Small requests still succeed from the root arena.
	e.mustAlloc(t, 100, 0)
}

func TestReallocGrowPreservesData(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	p := e.mustAlloc(t, 50, 7)
	e.mustAlloc(t, 50, 8) // pins the space right after p

	q, err := e.heap.Realloc(p, 500)
	require.NoError(t, err)
	assert.NotEqual(t, p, q)

	b, err := e.heap.Bytes(q)
	require.NoError(t, err)
	require.Len(t, b, 500)
	requirePattern(t, b[:50], 7)

	e.corruption(t, e.heap.Free(p), KindDoubleFree)
}

// mapHook runs onMap once after the next successful MapFrames.
type mapHook struct {
	*vmm.DirectMap
	onMap func()
}

func (m *mapHook) MapFrames(n int) (vmm.VirtAddr, error) {
	va, err := m.DirectMap.MapFrames(n)
	if err == nil && m.onMap != nil {
		fn := m.onMap
		m.onMap = nil
		fn()
	}
	return va, err
}

func TestReallocMoveFreesNewBlockOnFailure(t *testing.T) {
	e := newTestEnv(t, 64, Options{MinArenaPages: 1})
	provider := &mapHook{DirectMap: e.dm}
	h, err := New(provider, Options{MinArenaPages: 1, Fatal: e.fatal.hook})
	require.NoError(t, err)
	e.heap = h

	p := e.mustAlloc(t, 100, 1)
	rec := e.recordAddr(t, p)
	free := e.frames.CountFree()

	// The old record is marked dead while Realloc's lock is dropped.
	provider.onMap = func() {
		b, err := e.dm.Slice(rec, 4)
		require.NoError(t, err)
		format.PutU32(b, 0, format.MagicDead)
	}

	q, err := h.Realloc(p, 8000)
	assert.Zero(t, q)
	e.corruption(t, err, KindDoubleFree)

	s := h.Stats()
	assert.Equal(t, 1, s.Records)
	assert.Equal(t, 1, s.Arenas, "the arena opened for the move was released")
	assert.Equal(t, free, e.frames.CountFree())
}

func TestReallocShrinkKeepsPointer(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	p := e.mustAlloc(t, 200, 3)

	q, err := e.heap.Realloc(p, 20)
	require.NoError(t, err)
	assert.Equal(t, p, q)

	b, err := e.heap.Bytes(q)
	require.NoError(t, err)
	require.Len(t, b, 20)
	requirePattern(t, b, 3)

	usable, err := e.heap.UsableSize(q)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, usable, 200, "non-reclaiming shrink keeps the record size")

	// Growing back within the new request size is another shrink.
	q, err = e.heap.Realloc(q, 20)
	require.NoError(t, err)
	assert.Equal(t, p, q)
	require.NoError(t, e.heap.Validate())
}

func TestReallocReclaimShrunkTail(t *testing.T) {
	for _, reclaim := range []bool{false, true} {
		e := newTestEnv(t, 64, Options{ReclaimShrunkTail: reclaim})
		a := e.mustAlloc(t, 1000, 1)
		b := e.mustAlloc(t, 100, 2)

		q, err := e.heap.Realloc(a, 10)
		require.NoError(t, err)
		require.Equal(t, a, q)

		c := e.mustAlloc(t, 500, 3)
		if reclaim {
			assert.Greater(t, c, a)
			assert.Less(t, c, b, "freed tail is reused")
			usable, err := e.heap.UsableSize(a)
			require.NoError(t, err)
			assert.Less(t, usable, 10+format.Alignment)
		} else {
			assert.Greater(t, c, b)
		}
		require.NoError(t, e.heap.Validate())
	}
}

func TestReallocEdgeCases(t *testing.T) {
	e := newTestEnv(t, 64, Options{})

	p, err := e.heap.Realloc(0, 32)
	require.NoError(t, err)
	require.NotZero(t, p)

	e.mustAlloc(t, 8, 0)
	q, err := e.heap.Realloc(p, 0)
	require.NoError(t, err)
	assert.Zero(t, q)
	e.corruption(t, e.heap.Free(p), KindDoubleFree)

	_, err = e.heap.Realloc(0, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCalloc(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	e.mustAlloc(t, 8, 0)

	dirty := e.mustAlloc(t, 256, 0xAA)
	require.NoError(t, e.heap.Free(dirty))

	p, err := e.heap.Calloc(16, 16)
	require.NoError(t, err)
	assert.Equal(t, dirty, p, "reuses the dirty block")
	b, err := e.heap.Bytes(p)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 256), b)

	_, err = e.heap.Calloc(math.MaxInt/2, 3)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.heap.Calloc(-1, 3)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.heap.Calloc(0, 3)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestDumpListsArenasAndRecords(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	e.mustAlloc(t, 100, 0)
	e.mustAlloc(t, 200, 0)

	var out bytes.Buffer
	require.NoError(t, e.heap.Dump(&out))
	s := out.String()
	assert.Contains(t, s, "heap: system memory allocated: 65,536 bytes")
	assert.Contains(t, s, "heap: memory in use:           364 bytes")
	assert.Contains(t, s, "total = 65,536, used = 460")
	assert.Contains(t, s, ": 132 bytes")
	assert.Contains(t, s, ": 232 bytes")
}

func TestSnapshotCopiesArenas(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	p := e.mustAlloc(t, 100, 0)

	s := e.heap.Snapshot()
	require.Len(t, s.Arenas, 1)
	a := s.Arenas[0]
	assert.Equal(t, format.ArenaSignature, a.Mem[:4])
	assert.Equal(t, uint32(format.ArenaHeaderSize), a.First)
	assert.Equal(t, 1, s.Stats.Records)
	assert.Equal(t, int(a.Slot), s.BestSlot)

	// The copy does not alias heap memory.
	a.Mem[0] = 'X'
	require.NoError(t, e.heap.Validate())
	require.NoError(t, e.heap.Free(p))
}

func TestValidateDetectsBrokenUsage(t *testing.T) {
	e := newTestEnv(t, 64, Options{})
	e.mustAlloc(t, 100, 0)

	e.heap.mu.Lock()
	e.heap.arenas.get(e.heap.root).usage += 8
	e.heap.mu.Unlock()

	err := e.heap.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage")
}

func TestClose(t *testing.T) {
	e := newTestEnv(t, 128, Options{})
	e.mustAlloc(t, 100, 0)
	e.mustAlloc(t, 100<<10, 0)

	require.NoError(t, e.heap.Close())
	assert.Equal(t, 128, e.frames.CountFree())
	assert.Equal(t, 0, e.dm.MappedPages())
}
