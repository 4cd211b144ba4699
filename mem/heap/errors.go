package heap

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidArgument indicates a zero size, a nil pointer, or a count
	// times size product that overflows.
	ErrInvalidArgument = errors.New("heap: invalid argument")

	// ErrOutOfMemory indicates that the page-provider could not back a new arena.
	ErrOutOfMemory = errors.New("heap: out of memory")

	// ErrCorrupted is matched by every *CorruptionError.
	ErrCorrupted = errors.New("heap: corruption detected")
)

// CorruptionKind classifies a detected integrity violation.
type CorruptionKind int

const (
	// KindDoubleFree means the record was already marked dead.
	KindDoubleFree CorruptionKind = iota
	// KindOverrun means the record magic was partially overwritten, most
	// likely by a write past the end of the preceding allocation.
	KindOverrun
	// KindBadPointer means the record magic is wholly wrong, the alignment
	// header is implausible, or the record does not belong to its arena.
	KindBadPointer
	// KindWildPointer means the pointer is not inside any live arena.
	KindWildPointer
	// KindBadLink means a record link points outside its arena.
	KindBadLink
)

func (k CorruptionKind) String() string {
	switch k {
	case KindDoubleFree:
		return "double free"
	case KindOverrun:
		return "possible overrun"
	case KindBadPointer:
		return "bad pointer"
	case KindWildPointer:
		return "wild pointer"
	case KindBadLink:
		return "bad record link"
	default:
		return fmt.Sprintf("CorruptionKind(%d)", int(k))
	}
}

// CorruptionError describes an integrity violation found while resolving a
// pointer back to its record. It matches ErrCorrupted with errors.Is.
type CorruptionError struct {
	Op         string // "free", "realloc", "bytes", "alloc"
	Kind       CorruptionKind
	Ptr        Ptr
	RecordSize uint32 // size field of the record, 0 when unreadable
	Magic      uint32 // magic found in the record, 0 when unreadable
	Survivors  int    // bytes of the magic still equal to the live tag
}

func (e *CorruptionError) Error() string {
	if e.Kind == KindWildPointer {
		return fmt.Sprintf("heap: %s: %s %s", e.Op, e.Kind, e.Ptr)
	}
	return fmt.Sprintf("heap: %s: %s %s (record size %d, magic 0x%08x, %d tag bytes intact)",
		e.Op, e.Kind, e.Ptr, e.RecordSize, e.Magic, e.Survivors)
}

// Is reports whether target is ErrCorrupted.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupted
}
