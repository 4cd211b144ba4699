package format

import "github.com/cockroachdb/errors"

// Record is the header that precedes every heap allocation inside an arena.
//
// Record header layout (little-endian):
//
//	Offset  Size  Description
//	0x00    4     Magic. MagicAlive while allocated, MagicDead once freed.
//	0x04    4     Arena table slot of the owning arena.
//	0x08    4     Arena-relative offset of the previous record, or NoRecord.
//	0x0C    4     Arena-relative offset of the next record, or NoRecord.
//	0x10    4     Payload size (request plus alignment overhead).
//	0x14    4     Size originally requested by the caller.
//	0x18    4     Generation of the owning arena slot.
//	0x1C    4     Reserved.
//	0x20    ...   Payload: alignment padding, then caller data.
type Record struct {
	Magic   uint32
	Slot    uint32
	Prev    uint32
	Next    uint32
	Size    uint32
	ReqSize uint32
	Gen     uint32
}

// PutRecord writes r at offset off within b.
func PutRecord(b []byte, off int, r Record) {
	PutU32(b, off+RecordMagicOffset, r.Magic)
	PutU32(b, off+RecordSlotOffset, r.Slot)
	PutU32(b, off+RecordPrevOffset, r.Prev)
	PutU32(b, off+RecordNextOffset, r.Next)
	PutU32(b, off+RecordSizeOffset, r.Size)
	PutU32(b, off+RecordReqSizeOffset, r.ReqSize)
	PutU32(b, off+RecordGenOffset, r.Gen)
	PutU32(b, off+RecordGenOffset+4, 0)
}

// ReadRecord decodes the record header at offset off within b. It performs
// bounds checks only; interpreting the magic is up to the caller.
func ReadRecord(b []byte, off int) (Record, error) {
	if off < 0 || off+RecordHeaderSize > len(b) {
		return Record{}, errors.Wrap(ErrTruncated, "record")
	}
	return Record{
		Magic:   ReadU32(b, off+RecordMagicOffset),
		Slot:    ReadU32(b, off+RecordSlotOffset),
		Prev:    ReadU32(b, off+RecordPrevOffset),
		Next:    ReadU32(b, off+RecordNextOffset),
		Size:    ReadU32(b, off+RecordSizeOffset),
		ReqSize: ReadU32(b, off+RecordReqSizeOffset),
		Gen:     ReadU32(b, off+RecordGenOffset),
	}, nil
}

// End returns the arena-relative offset one past the payload of a record
// located at off.
func (r Record) End(off uint32) uint32 {
	return off + RecordHeaderSize + r.Size
}

// Padding returns the number of bytes to skip from a record's payload start
// (at address data) so that the returned pointer is Alignment-aligned and at
// least AlignInfo bytes are left in front of it for the alignment header.
func Padding(data uint64) uint32 {
	p := data + AlignInfo
	if diff := p & (Alignment - 1); diff != 0 {
		p += Alignment - diff
	}
	return uint32(p - data)
}

// PlausiblePadding reports whether pad could have been produced by Padding.
func PlausiblePadding(pad uint32) bool {
	return pad >= AlignInfo && pad < AlignInfo+Alignment
}

// PutPadding records pad in the alignment header in front of the aligned
// pointer. payload is the record payload and pad the offset of the pointer
// within it.
func PutPadding(payload []byte, pad uint32) {
	PutU32(payload, int(pad)-AlignInfo, pad)
}

// MagicSurvivors returns how many of the four bytes of magic still match
// MagicAlive in place. A partial match (1 to 3) hints at a small overrun from
// the preceding allocation rather than a wholly wrong pointer.
func MagicSurvivors(magic uint32) int {
	n := 0
	for shift := 0; shift < 32; shift += 8 {
		if byte(magic>>shift) == byte(MagicAlive>>shift) {
			n++
		}
	}
	return n
}
