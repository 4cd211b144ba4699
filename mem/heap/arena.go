package heap

import (
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem/vmm"
)

// handle names an arena by table slot and generation. A handle whose
// generation no longer matches its slot refers to a released arena.
type handle struct {
	slot uint32
	gen  uint32
}

var noArena = handle{slot: ^uint32(0)}

func (h handle) valid() bool { return h.slot != noArena.slot }

// arena is one contiguous run of pages obtained from the page-provider
// (a "major" block). Records live inside mem, linked by arena-relative
// offsets.
type arena struct {
	handle

	base  vmm.VirtAddr
	mem   []byte // the whole arena, header included
	pages uint32
	size  uint32
	usage uint32 // arena header + record headers + record payloads
	first uint32 // offset of the first record, or format.NoRecord

	prev, next handle
}

// free returns the number of unused bytes in the arena, gaps included.
func (a *arena) free() uint32 {
	return a.size - a.usage
}

// contains reports whether ptr lies past the arena header and inside the arena.
func (a *arena) contains(ptr Ptr) bool {
	lo := uint64(a.base) + format.ArenaHeaderSize + format.RecordHeaderSize + format.AlignInfo
	return uint64(ptr) >= lo && uint64(ptr) < uint64(a.base)+uint64(a.size)
}

func (a *arena) writeHeader() {
	format.PutArenaHeader(a.mem, format.ArenaHeader{
		Slot:  a.slot,
		Gen:   a.gen,
		Pages: a.pages,
		Size:  a.size,
	})
}

type tableSlot struct {
	gen uint32
	a   *arena
}

// arenaTable is the flat table of arenas. Released slots are reused with a
// bumped generation so stale handles and stale record headers are detected.
type arenaTable struct {
	slots []tableSlot
	free  []uint32
	live  int
}

func (t *arenaTable) insert(a *arena) handle {
	var slot uint32
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		slot = uint32(len(t.slots))
		t.slots = append(t.slots, tableSlot{gen: 1})
	}
	t.slots[slot].a = a
	t.live++
	a.handle = handle{slot: slot, gen: t.slots[slot].gen}
	return a.handle
}

// get returns the arena named by h, or nil when h is stale or empty.
func (t *arenaTable) get(h handle) *arena {
	if !h.valid() || int(h.slot) >= len(t.slots) {
		return nil
	}
	s := t.slots[h.slot]
	if s.a == nil || s.gen != h.gen {
		return nil
	}
	return s.a
}

func (t *arenaTable) remove(h handle) {
	if t.get(h) == nil {
		return
	}
	t.slots[h.slot].a = nil
	t.slots[h.slot].gen++
	t.free = append(t.free, h.slot)
	t.live--
}
