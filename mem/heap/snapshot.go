package heap

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem/vmm"
)

// ArenaSnapshot is a copy of one arena taken under the heap lock.
type ArenaSnapshot struct {
	Slot  uint32
	Gen   uint32
	Base  vmm.VirtAddr
	Pages int
	Size  uint32
	Usage uint32
	First uint32 // offset of the first record, or format.NoRecord

	// Mem is a copy of the arena bytes, headers included.
	Mem []byte
}

// Snapshot is a consistent copy of the heap's arenas and bookkeeping,
// intended for offline validation and diagnostics.
type Snapshot struct {
	FrameSize     int
	MinArenaPages int
	BestSlot      int // slot of the best-fit arena, -1 when unset
	Arenas        []ArenaSnapshot
	Stats         Stats
}

// Snapshot copies the heap state.
func (h *Heap) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Snapshot{
		FrameSize:     h.frameSize,
		MinArenaPages: h.opts.MinArenaPages,
		BestSlot:      -1,
		Stats:         h.statsLocked(),
	}
	if b := h.arenas.get(h.best); b != nil {
		s.BestSlot = int(b.slot)
	}
	for a := h.arenas.get(h.root); a != nil; a = h.arenas.get(a.next) {
		s.Arenas = append(s.Arenas, ArenaSnapshot{
			Slot:  a.slot,
			Gen:   a.gen,
			Base:  a.base,
			Pages: int(a.pages),
			Size:  a.size,
			Usage: a.usage,
			First: a.first,
			Mem:   append([]byte(nil), a.mem...),
		})
	}
	return s
}

// Validate checks the heap's bookkeeping against the record headers in
// memory: every arena's usage equals its header plus its records, links are
// symmetric and in address order, and the running totals match.
func (h *Heap) Validate() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		inUse     uint64
		records   int
		allocated uint64
		arenas    int
	)
	prev := noArena
	for a := h.arenas.get(h.root); a != nil; a = h.arenas.get(a.next) {
		arenas++
		if arenas > h.arenas.live {
			return errors.AssertionFailedf("arena list is longer than the %d live arenas", h.arenas.live)
		}
		if a.prev != prev {
			return errors.AssertionFailedf("arena %s: prev link %v, expected %v", a.base, a.prev, prev)
		}
		if a.first == format.NoRecord && a.handle != h.root {
			return errors.AssertionFailedf("arena %s has no records but is still mapped", a.base)
		}
		hdr, err := format.ReadArenaHeader(a.mem)
		if err != nil {
			return errors.NewAssertionErrorWithWrappedErrf(err, "arena %s header", a.base)
		}
		if hdr.Slot != a.slot || hdr.Gen != a.gen || hdr.Pages != a.pages || hdr.Size != a.size {
			return errors.AssertionFailedf("arena %s: header %+v disagrees with table", a.base, hdr)
		}

		usage := uint32(format.ArenaHeaderSize)
		last := format.NoRecord
		end := uint32(format.ArenaHeaderSize)
		for off := a.first; off != format.NoRecord; {
			rec, ok := a.record(off)
			if !ok {
				return errors.AssertionFailedf("arena %s: record link 0x%x out of bounds", a.base, off)
			}
			if off < end {
				return errors.AssertionFailedf("arena %s: record 0x%x overlaps or precedes 0x%x", a.base, off, end)
			}
			if rec.Magic != format.MagicAlive {
				return errors.AssertionFailedf("arena %s: record 0x%x magic 0x%08x", a.base, off, rec.Magic)
			}
			if rec.Prev != last {
				return errors.AssertionFailedf("arena %s: record 0x%x prev 0x%x, expected 0x%x", a.base, off, rec.Prev, last)
			}
			if rec.Slot != a.slot || rec.Gen != a.gen {
				return errors.AssertionFailedf("arena %s: record 0x%x owned by slot %d gen %d", a.base, off, rec.Slot, rec.Gen)
			}
			end = rec.End(off)
			if end > a.size {
				return errors.AssertionFailedf("arena %s: record 0x%x ends past the arena", a.base, off)
			}
			usage += rec.Size + format.RecordHeaderSize
			inUse += uint64(rec.Size)
			records++
			last = off
			off = rec.Next
		}
		if usage != a.usage {
			return errors.AssertionFailedf("arena %s: usage %d, records account for %d", a.base, a.usage, usage)
		}
		allocated += uint64(a.size)
		prev = a.handle
	}

	if arenas != h.arenas.live {
		return errors.AssertionFailedf("%d arenas linked, %d live in the table", arenas, h.arenas.live)
	}
	if inUse != h.stats.inUse || records != h.stats.records || allocated != h.stats.allocated {
		return errors.AssertionFailedf("totals: in use %d/%d, records %d/%d, allocated %d/%d",
			inUse, h.stats.inUse, records, h.stats.records, allocated, h.stats.allocated)
	}
	return nil
}
