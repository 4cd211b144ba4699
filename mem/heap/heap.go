package heap

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/logger"
	"github.com/joshuapare/kmem/mem/vmm"
)

// Ptr is the kernel virtual address of an allocation. Zero is the nil pointer.
type Ptr uint64

// String renders the pointer in hex.
func (p Ptr) String() string {
	return vmm.VirtAddr(p).String()
}

// Provider supplies whole pages of kernel virtual memory to the heap.
type Provider interface {
	// MapFrames maps n contiguous pages and returns the first address.
	MapFrames(n int) (vmm.VirtAddr, error)
	// UnmapFrames unmaps n pages at addr and frees the frames behind them.
	UnmapFrames(addr vmm.VirtAddr, n int) error
	// FrameSize returns the page size in bytes.
	FrameSize() int
	// Slice returns n mapped bytes at addr.
	Slice(addr vmm.VirtAddr, n int) ([]byte, error)
}

// Heap is a two-level arena/record allocator over a Provider.
type Heap struct {
	mu sync.Mutex

	provider  Provider
	opts      Options
	frameSize int

	arenas arenaTable
	root   handle // head of the arena list
	best   handle // arena believed to have the most free space

	stats counters
}

// counters holds internal heap statistics.
type counters struct {
	allocated        uint64 // bytes obtained from the provider
	inUse            uint64 // record payload bytes, padding included
	records          int
	warnings         int64
	errors           int64
	possibleOverruns int64

	allocCalls     int
	freeCalls      int
	reallocCalls   int
	failedAllocs   int
	arenasCreated  int
	arenasReleased int
}

// New creates a heap over provider and formats its first arena.
func New(provider Provider, opts Options) (*Heap, error) {
	if provider == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "nil page provider")
	}
	size := provider.FrameSize()
	if !format.IsPowerOfTwo(size) || size < format.MinFrameSize {
		return nil, errors.Wrapf(ErrInvalidArgument, "page size %d", size)
	}

	h := &Heap{
		provider:  provider,
		opts:      opts.withDefaults(),
		frameSize: size,
		root:      noArena,
		best:      noArena,
	}

	root, err := h.newArena(format.AlignOverhead)
	if err != nil {
		return nil, errors.Wrap(err, "heap: root arena")
	}
	h.root = root.handle
	logger.Info("heap: initialized", "root", root.base, "pages", root.pages,
		"min_arena_pages", h.opts.MinArenaPages)
	return h, nil
}

// paddedSize returns the record payload size for a request of size bytes.
func paddedSize(size int) (uint32, error) {
	if size <= 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "size %d", size)
	}
	if size > maxRequest {
		return 0, errors.Wrapf(ErrOutOfMemory, "request of %d bytes exceeds %d", size, maxRequest)
	}
	return uint32(size) + format.AlignOverhead, nil
}

// Alloc returns a pointer to at least size bytes aligned to
// format.Alignment. The memory is not zeroed.
func (h *Heap) Alloc(size int) (Ptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.allocCalls++
	need, err := paddedSize(size)
	if err != nil {
		h.stats.warnings++
		h.stats.failedAllocs++
		logger.Warn("heap: rejected alloc", "size", size, "err", err)
		return 0, err
	}

	p, err := h.alloc(uint32(size), need)
	if err != nil {
		h.stats.failedAllocs++
		if !errors.Is(err, ErrCorrupted) {
			h.stats.warnings++
			logger.Warn("heap: alloc failed", "size", size, "err", err)
		}
		return 0, err
	}
	if logger.TraceAlloc {
		logger.Debug("heap: alloc", "size", size, "ptr", p)
	}
	return p, nil
}

// alloc runs the arena search with h.mu held. need is the padded payload size.
func (h *Heap) alloc(req, need uint32) (Ptr, error) {
	if h.arenas.get(h.root) == nil {
		// The root was released together with every other arena.
		root, err := h.newArena(need)
		if err != nil {
			return 0, err
		}
		h.root = root.handle
	}

	span := need + format.RecordHeaderSize
	maj := h.arenas.get(h.root)
	startedBest := false
	var bestFree uint32

	if b := h.arenas.get(h.best); b != nil {
		bestFree = b.free()
		if bestFree > span {
			maj = b
			startedBest = true
		}
	}

	for maj != nil {
		free := maj.free()
		if bestFree < free {
			h.best = maj.handle
			bestFree = free
		}

		// Not enough room anywhere in this arena.
		if free < span {
			if next := h.arenas.get(maj.next); next != nil {
				maj = next
				continue
			}
			if startedBest {
				maj = h.arenas.get(h.root)
				startedBest = false
				continue
			}
			grown, err := h.grow(maj, need)
			if err != nil {
				return 0, err
			}
			maj = grown
		}

		// Empty arena.
		if maj.first == format.NoRecord {
			return h.place(maj, format.ArenaHeaderSize, format.NoRecord, format.NoRecord, req, need), nil
		}

		// Gap in front of the first record.
		if maj.first-format.ArenaHeaderSize >= span {
			return h.place(maj, format.ArenaHeaderSize, format.NoRecord, maj.first, req, need), nil
		}

		// Gaps after each record, in address order.
		for off := maj.first; off != format.NoRecord; {
			rec, ok := maj.record(off)
			if !ok {
				return 0, h.corrupt(&CorruptionError{Op: "alloc", Kind: KindBadLink, Ptr: Ptr(uint64(maj.base) + uint64(off))})
			}
			end := rec.End(off)
			limit := maj.size
			if rec.Next != format.NoRecord {
				limit = rec.Next
			}
			if end <= limit && limit-end >= span {
				return h.place(maj, end, off, rec.Next, req, need), nil
			}
			off = rec.Next
		}

		// Arena is packed.
		if h.arenas.get(maj.next) == nil {
			if startedBest {
				maj = h.arenas.get(h.root)
				startedBest = false
				continue
			}
			if _, err := h.grow(maj, need); err != nil {
				return 0, err
			}
		}
		maj = h.arenas.get(maj.next)
	}

	return 0, errors.Wrapf(ErrOutOfMemory, "no arena for %d bytes", req)
}

// place writes a live record at off inside maj and links it between prev and
// next. It returns the aligned caller pointer.
func (h *Heap) place(maj *arena, off, prev, next, req, need uint32) Ptr {
	maj.putRecord(off, format.Record{
		Magic:   format.MagicAlive,
		Slot:    maj.slot,
		Prev:    prev,
		Next:    next,
		Size:    need,
		ReqSize: req,
		Gen:     maj.gen,
	})
	if prev == format.NoRecord {
		maj.first = off
	} else {
		maj.setNext(prev, off)
	}
	if next != format.NoRecord {
		maj.setPrev(next, off)
	}

	maj.usage += need + format.RecordHeaderSize
	h.stats.inUse += uint64(need)
	h.stats.records++
	return maj.pointerFor(off)
}

// newArena maps an arena large enough for a record of need payload bytes.
// It is not linked into the arena list.
func (h *Heap) newArena(need uint32) (*arena, error) {
	bytes := uint64(need) + format.ArenaHeaderSize + format.RecordHeaderSize
	pages := max(format.DivCeil(bytes, uint64(h.frameSize)), uint64(h.opts.MinArenaPages))
	size := pages * uint64(h.frameSize)
	if size > 1<<32-1 {
		return nil, errors.Wrapf(ErrOutOfMemory, "arena of %d pages", pages)
	}

	base, err := h.provider.MapFrames(int(pages))
	if err != nil {
		logger.Warn("heap: page provider refused arena", "pages", pages, "err", err)
		return nil, errors.Wrapf(ErrOutOfMemory, "map %d pages: %v", pages, err)
	}
	mem, err := h.provider.Slice(base, int(size))
	if err != nil {
		if uerr := h.provider.UnmapFrames(base, int(pages)); uerr != nil {
			err = errors.CombineErrors(err, uerr)
		}
		return nil, errors.Wrapf(err, "arena at %s", base)
	}

	a := &arena{
		base:  base,
		mem:   mem,
		pages: uint32(pages),
		size:  uint32(size),
		usage: format.ArenaHeaderSize,
		first: format.NoRecord,
		prev:  noArena,
		next:  noArena,
	}
	h.arenas.insert(a)
	a.writeHeader()

	h.stats.allocated += size
	h.stats.arenasCreated++
	logger.Debug("heap: arena mapped", "base", base, "pages", pages, "need", need)
	return a, nil
}

// grow links a new arena after tail and returns it.
func (h *Heap) grow(tail *arena, need uint32) (*arena, error) {
	a, err := h.newArena(need)
	if err != nil {
		return nil, err
	}
	tail.next = a.handle
	a.prev = tail.handle
	return a, nil
}

// releaseArena unlinks an empty arena and returns its pages.
func (h *Heap) releaseArena(a *arena) error {
	if h.root == a.handle {
		h.root = a.next
	}
	if h.best == a.handle {
		h.best = noArena
	}
	if p := h.arenas.get(a.prev); p != nil {
		p.next = a.next
	}
	if n := h.arenas.get(a.next); n != nil {
		n.prev = a.prev
	}
	h.arenas.remove(a.handle)
	h.stats.allocated -= uint64(a.size)
	h.stats.arenasReleased++

	// Wipe the signature so a stale dump of this memory is not mistaken for
	// a live arena.
	clear(a.mem[:format.ArenaHeaderSize])
	base, pages := a.base, a.pages
	a.mem = nil

	if err := h.provider.UnmapFrames(base, int(pages)); err != nil {
		h.stats.errors++
		logger.Error("heap: unmap arena failed", "base", base, "pages", pages, "err", err)
		return errors.Wrapf(err, "release arena at %s", base)
	}
	logger.Debug("heap: arena released", "base", base, "pages", pages)
	return nil
}

// lookup resolves ptr to its arena and record, validating the alignment
// header, the record magic and the record's arena back-reference.
func (h *Heap) lookup(op string, ptr Ptr) (*arena, uint32, format.Record, *CorruptionError) {
	maj := h.arenaOf(ptr)
	if maj == nil {
		return nil, 0, format.Record{}, &CorruptionError{Op: op, Kind: KindWildPointer, Ptr: ptr}
	}

	pad := maj.padding(ptr)
	if !format.PlausiblePadding(pad) {
		return nil, 0, format.Record{}, &CorruptionError{Op: op, Kind: KindBadPointer, Ptr: ptr}
	}
	off, ok := maj.recordOf(ptr, pad)
	if !ok {
		return nil, 0, format.Record{}, &CorruptionError{Op: op, Kind: KindBadPointer, Ptr: ptr}
	}
	rec, ok := maj.record(off)
	if !ok {
		return nil, 0, format.Record{}, &CorruptionError{Op: op, Kind: KindBadPointer, Ptr: ptr}
	}

	if rec.Magic != format.MagicAlive {
		cerr := &CorruptionError{
			Op:         op,
			Kind:       KindBadPointer,
			Ptr:        ptr,
			RecordSize: rec.Size,
			Magic:      rec.Magic,
			Survivors:  format.MagicSurvivors(rec.Magic),
		}
		switch {
		case rec.Magic == format.MagicDead:
			cerr.Kind = KindDoubleFree
		case cerr.Survivors > 0:
			cerr.Kind = KindOverrun
			h.stats.possibleOverruns++
		}
		return nil, 0, format.Record{}, cerr
	}

	end := uint64(off) + format.RecordHeaderSize + uint64(rec.Size)
	if rec.Slot != maj.slot || rec.Gen != maj.gen ||
		end > uint64(maj.size) || uint64(pad)+uint64(rec.ReqSize) > uint64(rec.Size) {
		return nil, 0, format.Record{}, &CorruptionError{
			Op: op, Kind: KindBadPointer, Ptr: ptr, RecordSize: rec.Size, Magic: rec.Magic,
			Survivors: format.MagicSurvivors(rec.Magic),
		}
	}
	return maj, off, rec, nil
}

// arenaOf returns the live arena whose payload area contains ptr.
func (h *Heap) arenaOf(ptr Ptr) *arena {
	for a := h.arenas.get(h.root); a != nil; a = h.arenas.get(a.next) {
		if a.contains(ptr) {
			return a
		}
	}
	return nil
}

// corrupt counts and logs a violation, hands it to the fatal hook, and
// returns it. h.mu is held.
func (h *Heap) corrupt(err *CorruptionError) error {
	h.stats.errors++
	logger.Error("heap: corruption detected",
		"op", err.Op,
		"kind", err.Kind.String(),
		"ptr", err.Ptr,
		"record_size", err.RecordSize,
		"magic", err.Magic,
		"survivors", err.Survivors)
	h.opts.Fatal(err)
	return err
}

// Free releases the allocation at ptr. Freeing the last record of an arena
// returns the arena's pages to the provider.
func (h *Heap) Free(ptr Ptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.free(ptr)
}

func (h *Heap) free(ptr Ptr) error {
	h.stats.freeCalls++
	if ptr == 0 {
		h.stats.warnings++
		logger.Warn("heap: free of nil pointer")
		return errors.Wrap(ErrInvalidArgument, "free nil pointer")
	}

	maj, off, rec, cerr := h.lookup("free", ptr)
	if cerr != nil {
		return h.corrupt(cerr)
	}

	h.stats.inUse -= uint64(rec.Size)
	h.stats.records--
	maj.usage -= rec.Size + format.RecordHeaderSize
	maj.setMagic(off, format.MagicDead)

	if rec.Next != format.NoRecord {
		maj.setPrev(rec.Next, rec.Prev)
	}
	if rec.Prev != format.NoRecord {
		maj.setNext(rec.Prev, rec.Next)
	} else {
		maj.first = rec.Next
	}

	if logger.TraceAlloc {
		logger.Debug("heap: free", "ptr", ptr, "size", rec.ReqSize)
	}

	if maj.first == format.NoRecord {
		return h.releaseArena(maj)
	}
	if best := h.arenas.get(h.best); best == nil || maj.free() > best.free() {
		h.best = maj.handle
	}
	return nil
}

// Realloc resizes the allocation at ptr to size bytes. A nil ptr allocates;
// a zero size frees and returns the nil pointer. Shrinking keeps the
// pointer; growing moves the data to a new allocation.
func (h *Heap) Realloc(ptr Ptr, size int) (Ptr, error) {
	if size == 0 {
		return 0, h.Free(ptr)
	}
	if ptr == 0 {
		return h.Alloc(size)
	}

	h.mu.Lock()
	h.stats.reallocCalls++
	if size < 0 {
		h.stats.warnings++
		h.mu.Unlock()
		return 0, errors.Wrapf(ErrInvalidArgument, "realloc to %d bytes", size)
	}

	maj, off, rec, cerr := h.lookup("realloc", ptr)
	if cerr != nil {
		err := h.corrupt(cerr)
		h.mu.Unlock()
		return 0, err
	}

	if int64(rec.ReqSize) >= int64(size) {
		h.shrink(maj, off, rec, ptr, uint32(size))
		h.mu.Unlock()
		return ptr, nil
	}
	h.mu.Unlock()

	np, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}
	dst, err := h.Bytes(np)
	if err != nil {
		return 0, errors.CombineErrors(err, h.Free(np))
	}
	src, err := h.Bytes(ptr)
	if err != nil {
		return 0, errors.CombineErrors(err, h.Free(np))
	}
	copy(dst, src)
	if err := h.Free(ptr); err != nil {
		return 0, err
	}
	return np, nil
}

// shrink records a smaller request size in place. With ReclaimShrunkTail the
// record also gives its unused tail back to the arena.
func (h *Heap) shrink(maj *arena, off uint32, rec format.Record, ptr Ptr, size uint32) {
	format.PutU32(maj.mem, int(off)+format.RecordReqSizeOffset, size)
	if !h.opts.ReclaimShrunkTail {
		return
	}
	pad := uint32(uint64(ptr)-uint64(maj.base)) - off - format.RecordHeaderSize
	keep := pad + size
	if keep >= rec.Size {
		return
	}
	format.PutU32(maj.mem, int(off)+format.RecordSizeOffset, keep)
	maj.usage -= rec.Size - keep
	h.stats.inUse -= uint64(rec.Size - keep)
	if best := h.arenas.get(h.best); best == nil || maj.free() > best.free() {
		h.best = maj.handle
	}
}

// Calloc allocates count*size zeroed bytes.
func (h *Heap) Calloc(count, size int) (Ptr, error) {
	total, ok := buf.MulOverflowSafe(count, size)
	if !ok {
		h.mu.Lock()
		h.stats.warnings++
		h.mu.Unlock()
		logger.Warn("heap: calloc overflow", "count", count, "size", size)
		return 0, errors.Wrapf(ErrInvalidArgument, "calloc %d x %d overflows", count, size)
	}
	p, err := h.Alloc(total)
	if err != nil {
		return 0, err
	}
	b, err := h.Bytes(p)
	if err != nil {
		return 0, err
	}
	clear(b)
	return p, nil
}

// Bytes returns the caller-visible bytes of the allocation at ptr: exactly
// the most recently requested size.
func (h *Heap) Bytes(ptr Ptr) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ptr == 0 {
		return nil, errors.Wrap(ErrInvalidArgument, "nil pointer")
	}
	maj, _, rec, cerr := h.lookup("bytes", ptr)
	if cerr != nil {
		return nil, h.corrupt(cerr)
	}
	return maj.payload(ptr, rec.ReqSize), nil
}

// UsableSize returns the number of bytes that may be used behind ptr.
func (h *Heap) UsableSize(ptr Ptr) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ptr == 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "nil pointer")
	}
	maj, off, rec, cerr := h.lookup("usable", ptr)
	if cerr != nil {
		return 0, h.corrupt(cerr)
	}
	pad := uint32(uint64(ptr)-uint64(maj.base)) - off - format.RecordHeaderSize
	return int(rec.Size - pad), nil
}

// Close releases every arena back to the provider. The heap must not be used
// afterwards.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs error
	for a := h.arenas.get(h.root); a != nil; {
		next := h.arenas.get(a.next)
		if err := h.releaseArena(a); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
		a = next
	}
	h.root, h.best = noArena, noArena
	return errs
}
