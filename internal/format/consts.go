// Package format houses the in-memory layout of allocator metadata: the arena
// header written at the base of every heap arena and the record header that
// precedes every heap allocation. Keeping the byte layout here lets the heap,
// the verifier, and the dump tooling agree on one definition.
package format

// ArenaSignature is the four-byte signature at the start of every arena.
// Layout:
//
//	0x00  'A' 'R' 'N' 'A'
var ArenaSignature = []byte{'A', 'R', 'N', 'A'}

const (
	// DefaultFrameSize is the size of a physical frame (and of a page) in bytes.
	DefaultFrameSize = 0x1000

	// MinFrameSize is the smallest frame size accepted by the frame allocator.
	// A frame must at least hold an arena header and one record header.
	MinFrameSize = 0x80

	// ArenaHeaderSize is the size of the arena header in bytes.
	ArenaHeaderSize = 0x20

	// Arena field offsets within the header structure.
	ArenaSignatureOffset = 0x00 // 4
	ArenaSlotOffset      = 0x04 // arena table slot (4 bytes)
	ArenaGenOffset       = 0x08 // slot generation (4 bytes)
	ArenaPagesOffset     = 0x0C // frames backing the arena (4 bytes)
	ArenaSizeOffset      = 0x10 // total size in bytes (4 bytes)

	// RecordHeaderSize is the size of the header preceding every allocation.
	RecordHeaderSize = 0x20

	// Record field offsets within the header structure.
	RecordMagicOffset   = 0x00
	RecordSlotOffset    = 0x04
	RecordPrevOffset    = 0x08
	RecordNextOffset    = 0x0C
	RecordSizeOffset    = 0x10
	RecordReqSizeOffset = 0x14
	RecordGenOffset     = 0x18

	// MagicAlive tags a live allocation record.
	MagicAlive uint32 = 0xc001c0de

	// MagicDead replaces MagicAlive when a record is freed.
	MagicDead uint32 = 0xdeaddead

	// NoRecord is the prev/next link value for "no neighbour".
	NoRecord uint32 = 0xFFFFFFFF

	// Alignment is the alignment of every pointer handed out by the heap.
	Alignment = 16

	// AlignInfo is the number of bytes reserved immediately before an aligned
	// pointer. The first four of them hold the total padding inserted.
	AlignInfo = 16

	// AlignOverhead is added to every request so there is room to align it.
	AlignOverhead = Alignment + AlignInfo
)
