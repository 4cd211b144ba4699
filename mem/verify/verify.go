package verify

import (
	"fmt"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem/frame"
	"github.com/joshuapare/kmem/mem/heap"
	"github.com/joshuapare/kmem/mem/phys"
	"github.com/joshuapare/kmem/mem/vmm"
)

// ValidationError describes the first violated invariant.
type ValidationError struct {
	Type    string
	Message string
	Offset  int
	Details map[string]any
}

func (e *ValidationError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%s at offset 0x%X: %s", e.Type, e.Offset, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// AllInvariants validates the frame allocator, the heap, and the mappings
// between them. dm must be used by h alone.
func AllInvariants(fa *frame.Allocator, dm *vmm.DirectMap, h *heap.Heap) error {
	if err := Frames(fa); err != nil {
		return err
	}
	s := h.Snapshot()
	if err := Heap(s); err != nil {
		return err
	}
	return Mappings(fa, dm, s)
}

// Frames checks that the allocator's free counter matches its bitmap.
func Frames(fa *frame.Allocator) error {
	st := fa.Stats()
	scanned := fa.CountFree()
	if scanned != st.FreeFrames {
		return &ValidationError{
			Type:    "Frames",
			Message: fmt.Sprintf("free counter %d, bitmap has %d clear bits", st.FreeFrames, scanned),
			Offset:  -1,
			Details: map[string]any{"counter": st.FreeFrames, "scanned": scanned},
		}
	}
	if st.FreeFrames+st.UsedFrames != st.TotalFrames {
		return &ValidationError{
			Type:    "Frames",
			Message: fmt.Sprintf("free %d + used %d != total %d", st.FreeFrames, st.UsedFrames, st.TotalFrames),
			Offset:  -1,
		}
	}
	return nil
}

// Heap validates every arena in s and the heap-wide totals.
func Heap(s heap.Snapshot) error {
	var (
		inUse     uint64
		records   int
		allocated uint64
		bestSeen  bool
	)
	for i, a := range s.Arenas {
		st, err := walkArena(a, s.FrameSize)
		if err != nil {
			return err
		}
		if a.Pages < s.MinArenaPages {
			return &ValidationError{
				Type:    "Arena",
				Message: fmt.Sprintf("arena %s has %d pages, minimum is %d", a.Base, a.Pages, s.MinArenaPages),
				Offset:  -1,
			}
		}
		for _, b := range s.Arenas[i+1:] {
			if a.Base < b.Base+vmm.VirtAddr(b.Size) && b.Base < a.Base+vmm.VirtAddr(a.Size) {
				return &ValidationError{
					Type:    "Heap",
					Message: fmt.Sprintf("arenas %s and %s overlap", a.Base, b.Base),
					Offset:  -1,
				}
			}
		}
		if int(a.Slot) == s.BestSlot {
			bestSeen = true
		}
		inUse += st.inUse
		records += st.records
		allocated += uint64(a.Size)
	}

	if s.BestSlot >= 0 && !bestSeen {
		return &ValidationError{
			Type:    "Heap",
			Message: fmt.Sprintf("best-fit slot %d is not a live arena", s.BestSlot),
			Offset:  -1,
		}
	}
	if len(s.Arenas) != s.Stats.Arenas {
		return &ValidationError{
			Type:    "Heap",
			Message: fmt.Sprintf("%d arenas in snapshot, stats report %d", len(s.Arenas), s.Stats.Arenas),
			Offset:  -1,
		}
	}
	if inUse != s.Stats.InUse || records != s.Stats.Records || allocated != s.Stats.Allocated {
		return &ValidationError{
			Type:    "Heap",
			Message: "running totals disagree with arena contents",
			Offset:  -1,
			Details: map[string]any{
				"in_use": inUse, "stats_in_use": s.Stats.InUse,
				"records": records, "stats_records": s.Stats.Records,
				"allocated": allocated, "stats_allocated": s.Stats.Allocated,
			},
		}
	}
	return nil
}

type arenaTotals struct {
	inUse   uint64
	records int
}

// Arena walks the records of one arena from its raw bytes.
func Arena(a heap.ArenaSnapshot, frameSize int) error {
	_, err := walkArena(a, frameSize)
	return err
}

func walkArena(a heap.ArenaSnapshot, frameSize int) (arenaTotals, error) {
	var t arenaTotals

	hdr, err := format.ReadArenaHeader(a.Mem)
	if err != nil {
		return t, &ValidationError{Type: "Arena", Message: err.Error(), Offset: 0}
	}
	if hdr.Slot != a.Slot || hdr.Gen != a.Gen {
		return t, &ValidationError{
			Type:    "Arena",
			Message: fmt.Sprintf("header slot %d gen %d, table has slot %d gen %d", hdr.Slot, hdr.Gen, a.Slot, a.Gen),
			Offset:  format.ArenaSlotOffset,
		}
	}
	if int(hdr.Pages) != a.Pages || hdr.Size != a.Size || int(a.Size) != a.Pages*frameSize || len(a.Mem) != int(a.Size) {
		return t, &ValidationError{
			Type:    "Arena",
			Message: fmt.Sprintf("size mismatch: header %d pages/%d bytes, table %d pages/%d bytes, %d bytes mapped", hdr.Pages, hdr.Size, a.Pages, a.Size, len(a.Mem)),
			Offset:  format.ArenaPagesOffset,
		}
	}
	if !format.IsAligned(uint64(a.Base), uint64(frameSize)) {
		return t, &ValidationError{
			Type:    "Arena",
			Message: fmt.Sprintf("base %s is not page aligned", a.Base),
			Offset:  -1,
		}
	}

	usage := uint32(format.ArenaHeaderSize)
	end := uint32(format.ArenaHeaderSize)
	prev := format.NoRecord
	limit := int(a.Size / format.RecordHeaderSize)
	for off := a.First; off != format.NoRecord; {
		if t.records >= limit {
			return t, &ValidationError{Type: "Record", Message: "record list does not terminate", Offset: int(off)}
		}
		rec, err := format.ReadRecord(a.Mem, int(off))
		if err != nil {
			return t, &ValidationError{Type: "Record", Message: err.Error(), Offset: int(off)}
		}
		if err := checkRecord(a, off, rec, prev, end); err != nil {
			return t, err
		}

		end = rec.End(off)
		usage += rec.Size + format.RecordHeaderSize
		t.inUse += uint64(rec.Size)
		t.records++
		prev = off
		off = rec.Next
	}

	if usage != a.Usage {
		return t, &ValidationError{
			Type:    "Arena",
			Message: fmt.Sprintf("usage %d, records account for %d", a.Usage, usage),
			Offset:  -1,
		}
	}
	return t, nil
}

func checkRecord(a heap.ArenaSnapshot, off uint32, rec format.Record, prev, end uint32) error {
	fail := func(msg string, args ...any) error {
		return &ValidationError{
			Type:    "Record",
			Message: fmt.Sprintf(msg, args...),
			Offset:  int(off),
			Details: map[string]any{"arena": a.Base, "magic": rec.Magic, "size": rec.Size},
		}
	}

	switch {
	case rec.Magic != format.MagicAlive:
		return fail("magic 0x%08x is not live", rec.Magic)
	case off < end:
		return fail("record overlaps the previous one ending at 0x%X", end)
	case rec.Prev != prev:
		return fail("prev link 0x%X, expected 0x%X", rec.Prev, prev)
	case rec.Slot != a.Slot || rec.Gen != a.Gen:
		return fail("owned by slot %d gen %d", rec.Slot, rec.Gen)
	case uint64(off)+format.RecordHeaderSize+uint64(rec.Size) > uint64(a.Size):
		return fail("record of %d bytes runs past the arena", rec.Size)
	case rec.Next != format.NoRecord && rec.Next < rec.End(off):
		return fail("next link 0x%X points backwards", rec.Next)
	}

	data := uint64(a.Base) + uint64(off) + format.RecordHeaderSize
	pad := format.Padding(data)
	stored := format.ReadU32(a.Mem, int(off)+format.RecordHeaderSize+int(pad)-format.AlignInfo)
	switch {
	case stored != pad:
		return fail("alignment header %d, expected %d", stored, pad)
	case (data+uint64(pad))%format.Alignment != 0:
		return fail("pointer 0x%X is not aligned", data+uint64(pad))
	case pad+rec.ReqSize > rec.Size:
		return fail("request of %d bytes does not fit in %d after %d bytes of padding", rec.ReqSize, rec.Size, pad)
	}
	return nil
}

// Mappings checks that every arena in s is mapped at its direct-map address
// and backed by allocated frames, and that nothing else is mapped.
func Mappings(fa *frame.Allocator, dm *vmm.DirectMap, s heap.Snapshot) error {
	pages := 0
	for _, a := range s.Arenas {
		for i := range a.Pages {
			va := a.Base + vmm.VirtAddr(i*s.FrameSize)
			pa, err := dm.Translate(va)
			if err != nil {
				return &ValidationError{
					Type:    "Mapping",
					Message: fmt.Sprintf("arena %s page %d: %v", a.Base, i, err),
					Offset:  -1,
				}
			}
			if want := phys.Addr(va - vmm.KernelBase); pa != want {
				return &ValidationError{
					Type:    "Mapping",
					Message: fmt.Sprintf("page %s maps %s, expected %s", va, pa, want),
					Offset:  -1,
				}
			}
			if !fa.IsAllocated(pa) {
				return &ValidationError{
					Type:    "Mapping",
					Message: fmt.Sprintf("frame %s behind page %s is free", pa, va),
					Offset:  -1,
				}
			}
		}
		pages += a.Pages
	}
	if mapped := dm.MappedPages(); mapped != pages {
		return &ValidationError{
			Type:    "Mapping",
			Message: fmt.Sprintf("%d pages mapped, arenas account for %d", mapped, pages),
			Offset:  -1,
		}
	}
	return nil
}
