package heap

// DefaultMinArenaPages is the smallest arena the heap requests from its
// page-provider.
const DefaultMinArenaPages = 16

// maxRequest bounds a single allocation so record sizes fit their 32-bit
// header fields with room for the arena and record headers.
const maxRequest = 1 << 30

// Options configures a Heap. The zero value is usable.
type Options struct {
	// MinArenaPages is the minimum number of pages per arena.
	// Default: DefaultMinArenaPages.
	MinArenaPages int

	// ReclaimShrunkTail makes an in-place shrinking Realloc return the tail
	// of the record to its arena. By default the record keeps its size.
	ReclaimShrunkTail bool

	// Fatal is called with every *CorruptionError after it has been logged
	// and counted. When nil the heap panics with the error.
	Fatal func(error)
}

func (o Options) withDefaults() Options {
	if o.MinArenaPages <= 0 {
		o.MinArenaPages = DefaultMinArenaPages
	}
	if o.Fatal == nil {
		o.Fatal = func(err error) { panic(err) }
	}
	return o
}
