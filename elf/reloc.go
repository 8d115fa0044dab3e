package elf

import "fmt"

// Record is an encoding-agnostic relocation: the fields every REL/RELA
// variant reduces to once read. Addend is zero for REL-style records.
type Record struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func (r Record) sym() uint32 { s, _ := splitInfo(r.Info); return s }
func (r Record) typ() uint32 { _, t := splitInfo(r.Info); return t }

// relocIterator is the shared "yield next relocation record" contract that
// both the plain and packed encodings implement. The packed iterator
// always synthesizes RELA-shaped records when isUseRela is true and
// REL-shaped (zero addend) ones otherwise; callers never see the
// difference between a decoded-from-SLEB128 record and one read straight
// out of a fixed-width array.
type relocIterator interface {
	next() (Record, bool, error)
}

// plainIterator walks a fixed-width REL/RELA array at stride
// sizeof(Rela)/sizeof(Rel), performing no heap allocation beyond the
// Record it returns.
type plainIterator struct {
	cur, end uintptr
	isRela   bool
}

func newPlainIterator(start uintptr, size uint64, isRela bool) *plainIterator {
	return &plainIterator{cur: start, end: start + uintptr(size), isRela: isRela}
}

func (it *plainIterator) next() (Record, bool, error) {
	if it.cur >= it.end {
		return Record{}, false, nil
	}
	if it.isRela {
		rec := ptrAt[rawRela](it.cur)
		it.cur += relaSize
		return Record{Offset: uint64(rec.Off), Info: uint64(rec.Info), Addend: int64(rec.Addend)}, true, nil
	}
	rec := ptrAt[rawRel](it.cur)
	it.cur += relSize
	return Record{Offset: uint64(rec.Off), Info: uint64(rec.Info)}, true, nil
}

// Android packed relocation group flags (APS2).
const (
	groupedByInfo        = 1
	groupedByOffsetDelta = 2
	groupedByAddend      = 4
	groupHasAddend       = 8
)

// packedIterator consumes the SLEB128 stream produced by the Android
// packed relocation compressor and reconstructs full records from
// delta-encoded groups.
type packedIterator struct {
	dec    sleb128Decoder
	isRela bool

	relocationCount int64
	relocationIndex int64

	groupSize      int64
	groupFlags     int64
	groupIndex     int64
	groupOffDelta  int64

	offset int64
	info   uint64
	addend int64
}

func newPackedIterator(start uintptr, size uint64, isRela bool) (*packedIterator, error) {
	it := &packedIterator{dec: newSLEB128Decoder(start, size), isRela: isRela}

	cnt, err := it.dec.next()
	if err != nil {
		return nil, err
	}
	it.relocationCount = cnt

	off, err := it.dec.next()
	if err != nil {
		return nil, err
	}
	it.offset = off

	// force the first next() call to read a group header
	it.groupIndex = 0
	it.groupSize = 0
	return it, nil
}

func (it *packedIterator) readGroupHeader() error {
	size, err := it.dec.next()
	if err != nil {
		return err
	}
	it.groupSize = size

	flags, err := it.dec.next()
	if err != nil {
		return err
	}
	it.groupFlags = flags

	if it.groupFlags&groupedByOffsetDelta != 0 {
		delta, err := it.dec.next()
		if err != nil {
			return err
		}
		it.groupOffDelta = delta
	}

	if it.groupFlags&groupedByInfo != 0 {
		info, err := it.dec.next()
		if err != nil {
			return err
		}
		it.info = uint64(info)
	}

	if it.groupFlags&groupHasAddend != 0 && !it.isRela {
		return fmt.Errorf("packed reloc: unexpected addend in non-RELA region: %w", ErrFormat)
	}

	if it.groupFlags&groupHasAddend != 0 && it.groupFlags&groupedByAddend != 0 {
		delta, err := it.dec.next()
		if err != nil {
			return err
		}
		it.addend += delta
	} else if it.groupFlags&groupHasAddend == 0 {
		it.addend = 0
	}

	it.groupIndex = 0
	return nil
}

func (it *packedIterator) next() (Record, bool, error) {
	if it.relocationIndex >= it.relocationCount {
		return Record{}, false, nil
	}

	if it.groupIndex == it.groupSize {
		if err := it.readGroupHeader(); err != nil {
			return Record{}, false, err
		}
	}

	if it.groupFlags&groupedByOffsetDelta != 0 {
		it.offset += it.groupOffDelta
	} else {
		delta, err := it.dec.next()
		if err != nil {
			return Record{}, false, err
		}
		it.offset += delta
	}

	if it.groupFlags&groupedByInfo == 0 {
		info, err := it.dec.next()
		if err != nil {
			return Record{}, false, err
		}
		it.info = uint64(info)
	}

	if it.isRela && it.groupFlags&groupHasAddend != 0 && it.groupFlags&groupedByAddend == 0 {
		delta, err := it.dec.next()
		if err != nil {
			return Record{}, false, err
		}
		it.addend += delta
	}

	it.relocationIndex++
	it.groupIndex++

	rec := Record{Offset: uint64(it.offset), Info: it.info}
	if it.isRela {
		rec.Addend = it.addend
	}
	return rec, true, nil
}
