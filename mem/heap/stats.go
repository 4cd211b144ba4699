package heap

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/kmem/internal/format"
)

// Stats is a point-in-time summary of the heap.
type Stats struct {
	Arenas     int
	ArenaPages int
	Records    int

	Allocated uint64 // bytes obtained from the page-provider
	InUse     uint64 // payload bytes of live records, padding included

	Warnings         int64
	Errors           int64
	PossibleOverruns int64

	AllocCalls     int
	FreeCalls      int
	ReallocCalls   int
	FailedAllocs   int
	ArenasCreated  int
	ArenasReleased int
}

// Stats returns the current statistics.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statsLocked()
}

func (h *Heap) statsLocked() Stats {
	s := Stats{
		Records:          h.stats.records,
		Allocated:        h.stats.allocated,
		InUse:            h.stats.inUse,
		Warnings:         h.stats.warnings,
		Errors:           h.stats.errors,
		PossibleOverruns: h.stats.possibleOverruns,
		AllocCalls:       h.stats.allocCalls,
		FreeCalls:        h.stats.freeCalls,
		ReallocCalls:     h.stats.reallocCalls,
		FailedAllocs:     h.stats.failedAllocs,
		ArenasCreated:    h.stats.arenasCreated,
		ArenasReleased:   h.stats.arenasReleased,
	}
	for a := h.arenas.get(h.root); a != nil; a = h.arenas.get(a.next) {
		s.Arenas++
		s.ArenaPages += int(a.pages)
	}
	return s
}

// Dump writes the heap counters followed by every arena and its records.
func (h *Heap) Dump(w io.Writer) error {
	s := h.Stats()
	p := message.NewPrinter(language.English)

	if _, err := p.Fprintf(w,
		"heap: ------ Memory data ---------------\n"+
			"heap: system memory allocated: %d bytes\n"+
			"heap: memory in use:           %d bytes\n"+
			"heap: warning count:           %d\n"+
			"heap: error count:             %d\n"+
			"heap: possible overruns:       %d\n",
		s.Allocated, s.InUse, s.Warnings, s.Errors, s.PossibleOverruns,
	); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for a := h.arenas.get(h.root); a != nil; a = h.arenas.get(a.next) {
		if _, err := p.Fprintf(w, "heap: %s: total = %d, used = %d\n", a.base, a.size, a.usage); err != nil {
			return err
		}
		for off, n := a.first, 0; off != format.NoRecord && n < int(a.size/format.RecordHeaderSize); n++ {
			rec, ok := a.record(off)
			if !ok {
				break
			}
			if _, err := p.Fprintf(w, "heap:    %s: %d bytes\n",
				Ptr(uint64(a.base)+uint64(off)), rec.Size); err != nil {
				return err
			}
			off = rec.Next
		}
	}
	return nil
}
