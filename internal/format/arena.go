package format

import (
	"bytes"

	"github.com/cockroachdb/errors"
)

// ArenaHeader describes the header written at the base of every heap arena.
// Each arena begins with a 0x20-byte header with the following structure
// (little-endian):
//
//	Offset  Size  Field
//	0x00    4     'A' 'R' 'N' 'A'
//	0x04    4     Arena table slot
//	0x08    4     Slot generation
//	0x0C    4     Number of frames backing the arena
//	0x10    4     Arena size in bytes
//	0x14    12    Reserved
type ArenaHeader struct {
	Slot  uint32
	Gen   uint32
	Pages uint32
	Size  uint32
}

// PutArenaHeader writes h at the start of b.
func PutArenaHeader(b []byte, h ArenaHeader) {
	copy(b[ArenaSignatureOffset:], ArenaSignature)
	PutU32(b, ArenaSlotOffset, h.Slot)
	PutU32(b, ArenaGenOffset, h.Gen)
	PutU32(b, ArenaPagesOffset, h.Pages)
	PutU32(b, ArenaSizeOffset, h.Size)
	clear(b[ArenaSizeOffset+4 : ArenaHeaderSize])
}

// ReadArenaHeader validates the arena header at the start of b.
func ReadArenaHeader(b []byte) (ArenaHeader, error) {
	if len(b) < ArenaHeaderSize {
		return ArenaHeader{}, errors.Wrap(ErrTruncated, "arena")
	}
	if !bytes.Equal(b[:len(ArenaSignature)], ArenaSignature) {
		return ArenaHeader{}, errors.Wrap(ErrSignatureMismatch, "arena")
	}
	h := ArenaHeader{
		Slot:  ReadU32(b, ArenaSlotOffset),
		Gen:   ReadU32(b, ArenaGenOffset),
		Pages: ReadU32(b, ArenaPagesOffset),
		Size:  ReadU32(b, ArenaSizeOffset),
	}
	if h.Size < ArenaHeaderSize {
		return ArenaHeader{}, errors.Newf("arena: declared size too small (%d)", h.Size)
	}
	return h, nil
}
