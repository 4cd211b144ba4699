package heap

import (
	"github.com/joshuapare/kmem/internal/format"
)

// Pointer arithmetic between caller pointers and record headers.
//
//	record off          payload                    ptr
//	|  header (32)  |  padding ... | pad (u32) ... |  caller data ...
//	                ^ off+32       ^ ptr-AlignInfo ^ aligned to Alignment
//
// The padding is between AlignInfo and AlignInfo+Alignment-1 bytes, so a
// record of size req+AlignOverhead always has room for req bytes.

func (a *arena) record(off uint32) (format.Record, bool) {
	if off == format.NoRecord || uint64(off)+format.RecordHeaderSize > uint64(a.size) {
		return format.Record{}, false
	}
	r, err := format.ReadRecord(a.mem, int(off))
	return r, err == nil
}

func (a *arena) putRecord(off uint32, r format.Record) {
	format.PutRecord(a.mem, int(off), r)
}

func (a *arena) setPrev(off, prev uint32) {
	format.PutU32(a.mem, int(off)+format.RecordPrevOffset, prev)
}

func (a *arena) setNext(off, next uint32) {
	format.PutU32(a.mem, int(off)+format.RecordNextOffset, next)
}

func (a *arena) setMagic(off, magic uint32) {
	format.PutU32(a.mem, int(off)+format.RecordMagicOffset, magic)
}

// pointerFor writes the alignment header of the record at off and returns
// the aligned caller pointer.
func (a *arena) pointerFor(off uint32) Ptr {
	data := off + format.RecordHeaderSize
	pad := format.Padding(uint64(a.base) + uint64(data))
	format.PutPadding(a.mem[data:], pad)
	return Ptr(uint64(a.base) + uint64(data) + uint64(pad))
}

// padding reads the alignment header in front of ptr. The caller has checked
// a.contains(ptr).
func (a *arena) padding(ptr Ptr) uint32 {
	rel := uint32(uint64(ptr) - uint64(a.base))
	return format.ReadU32(a.mem, int(rel)-format.AlignInfo)
}

// recordOf returns the offset of the record whose payload carries ptr, given
// a plausible padding value.
func (a *arena) recordOf(ptr Ptr, pad uint32) (uint32, bool) {
	rel := uint64(ptr) - uint64(a.base)
	back := uint64(pad) + format.RecordHeaderSize
	if rel < back || rel-back < format.ArenaHeaderSize {
		return 0, false
	}
	return uint32(rel - back), true
}

// payload returns the caller-visible bytes of a record located at off whose
// pointer is ptr.
func (a *arena) payload(ptr Ptr, n uint32) []byte {
	rel := uint32(uint64(ptr) - uint64(a.base))
	return a.mem[rel : rel+n : rel+n]
}
