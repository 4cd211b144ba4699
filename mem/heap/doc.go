// Package heap implements the kernel's dynamic memory allocator.
//
// # Overview
//
// The heap obtains memory from a page-provider in arenas of whole pages and
// carves variable-sized allocations out of them. Each arena (a "major"
// block) starts with a 32-byte header and holds an address-ordered, doubly
// linked list of records (the "minor" blocks). A record is a 32-byte header
// written directly in arena memory followed by its payload:
//
//	arena base
//	+-----------+--------+---------+--------+---------+-----  ...  -----+
//	| ARNA hdr  | record | payload | record | payload |      free       |
//	+-----------+--------+---------+--------+---------+-----  ...  -----+
//
// Links between records are arena-relative offsets. Arenas live in a flat
// table and refer to each other by slot and generation, so a stale
// reference is detected instead of followed.
//
// # Allocation
//
// Every request is padded by format.AlignOverhead bytes so the returned
// pointer can be aligned to format.Alignment with the padding recorded just
// before it. The search starts at the cached best-fit arena when it has room,
// then walks arenas in order and takes the first gap that fits: an empty
// arena, the space in front of the first record, or the space after any
// record. When nothing fits, a new arena of at least MinArenaPages pages is
// linked at the tail.
//
// # Integrity
//
// Free, Realloc and Bytes resolve a pointer back to its record through the
// alignment header and check the record magic. A dead magic is a double
// free, a partially intact magic a probable overrun, anything else a bad
// pointer. Violations are returned as *CorruptionError and passed to the
// Options.Fatal hook, which panics by default.
//
// # Concurrency
//
// A Heap is safe for concurrent use. One mutex covers each operation; Realloc
// releases it before falling back to Alloc and Free.
package heap
