package elf

import (
	"debug/elf"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// buf is a heap-backed fake "loaded image": the hash/hook machinery only
// ever dereferences uintptr addresses, so a plain byte slice addressed via
// unsafe.Pointer stands in for mapped process memory in every test.
type buf struct {
	b []byte
}

func newBuf(size int) *buf {
	return &buf{b: make([]byte, size)}
}

// newMmapBuf backs a buf with an anonymous mmap region instead of plain Go
// heap memory. Hook rewrites a GOT slot by flipping its enclosing page's
// protection with mprotect; calling mprotect on ordinary heap memory risks
// tripping over the allocator's own pages, so any test that exercises
// replaceSlot builds its fake image on mmap'd memory instead, the way a
// real hooked shared object is itself mmap'd by the dynamic linker.
func newMmapBuf(t *testing.T, size int) *buf {
	t.Helper()
	n := alignUp(size, int(unix.Getpagesize()))
	data, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(data) })
	return &buf{b: data}
}

func (b *buf) addr() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b.b)))
}

func (b *buf) at(off int) uintptr {
	return b.addr() + uintptr(off)
}

func putU16(b []byte, off int, v uint16) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
}

func putU32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func putU64(b []byte, off int, v uint64) {
	putU32(b, off, uint32(v))
	putU32(b, off+4, uint32(v>>32))
}

func putWord(b []byte, off int, v uint64) {
	if wordSize == 4 {
		putU32(b, off, uint32(v))
	} else {
		putU64(b, off, v)
	}
}

// putCString writes s followed by a NUL at off and returns the offset past
// the terminator.
func putCString(b []byte, off int, s string) int {
	copy(b[off:], s)
	b[off+len(s)] = 0
	return off + len(s) + 1
}

// putSym writes one rawSym entry at off with the given name-table offset
// and symbol value. Shndx is set to 1 (defined, non-absolute) throughout.
func putSym(b []byte, off int, name uint32, value uint64) {
	if wordSize == 4 {
		putU32(b, off, name)             // Name
		putU32(b, off+4, uint32(value))  // Value
		putU32(b, off+8, 0)              // Size
		b[off+12] = 0x12                 // Info
		b[off+13] = 0                    // Other
		b[off+14] = 1                    // Shndx
		b[off+15] = 0
		return
	}
	putU32(b, off, name) // Name
	b[off+4] = 0x12       // Info
	b[off+5] = 0          // Other
	b[off+6] = 1          // Shndx
	b[off+7] = 0
	putU64(b, off+8, value) // Value
	putU64(b, off+16, 0)    // Size
}

// putRel writes a REL or RELA record at off and returns the stride used.
func putRel(b []byte, off int, r rawOffsetInfoAddend, isRela bool) int {
	if wordSize == 4 {
		putU32(b, off, uint32(r.offset))
		putU32(b, off+4, uint32(r.info))
		if isRela {
			putU32(b, off+8, uint32(r.addend))
			return relaSize
		}
		return relSize
	}
	putU64(b, off, r.offset)
	putU64(b, off+8, r.info)
	if isRela {
		putU64(b, off+16, uint64(r.addend))
		return relaSize
	}
	return relSize
}

type rawOffsetInfoAddend struct {
	offset uint64
	info   uint64
	addend int64
}

// putDyn writes one Dyn32/Dyn64 entry.
func putDyn(b []byte, off int, tag elf.DynTag, val uint64) {
	if wordSize == 4 {
		putU32(b, off, uint32(int32(tag)))
		putU32(b, off+4, uint32(val))
		return
	}
	putU64(b, off, uint64(int64(tag)))
	putU64(b, off+8, val)
}

// headerSize is the byte size of rawHdr for the active build: Header32 is
// 52 bytes, Header64 is 64 bytes.
func headerSize() int {
	return 40 + 3*wordSize
}

// putHeader writes a minimal but valid ELF header: correct magic,
// class/endianness/version, ET_DYN, the architecture this build targets,
// and the given program header table location.
func putHeader(b []byte, phoff, phnum int) {
	copy(b[0:4], elf.ELFMAG)
	b[elf.EI_CLASS] = byte(expectedClass)
	b[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	b[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	putU16(b, 16, uint16(elf.ET_DYN))
	putU16(b, 18, uint16(expectedMachine))
	putU32(b, 20, uint32(elf.EV_CURRENT))
	putWord(b, 24, 0)                 // Entry
	putWord(b, 24+wordSize, uint64(phoff))
	putWord(b, 24+2*wordSize, 0)       // Shoff
	putU32(b, 24+3*wordSize, 0)        // Flags
	putU16(b, 24+3*wordSize+8, uint16(phnum)) // Phnum
}

// putProg writes one Prog32/Prog64 entry.
func putProg(b []byte, off int, typ elf.ProgType, fileOff, vaddr, filesz, memsz uint64, flags elf.ProgFlag) {
	if wordSize == 4 {
		putU32(b, off, uint32(typ))
		putU32(b, off+4, uint32(fileOff))
		putU32(b, off+8, uint32(vaddr))
		putU32(b, off+12, uint32(vaddr)) // Paddr, unused
		putU32(b, off+16, uint32(filesz))
		putU32(b, off+20, uint32(memsz))
		putU32(b, off+24, uint32(flags))
		putU32(b, off+28, 0) // Align
		return
	}
	putU32(b, off, uint32(typ))
	putU32(b, off+4, uint32(flags))
	putU64(b, off+8, fileOff)
	putU64(b, off+16, vaddr)
	putU64(b, off+24, vaddr) // Paddr, unused
	putU64(b, off+32, filesz)
	putU64(b, off+40, memsz)
	putU64(b, off+48, 0) // Align
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// encodeSLEB128 is the inverse of sleb128Decoder.next, used to build APS2
// test streams without hand-computing byte patterns for arbitrary values.
func encodeSLEB128(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}
