package elf

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log/level"
)

// Image is a parsed, cached view of a loaded ELF shared object: program
// headers, dynamic entries, string/symbol tables, both hash tables, and the
// three relocation regions. It is built once per target and never mutated
// afterward — Hook rewrites memory in the target image, not the view.
type Image struct {
	pathname string
	baseAddr uintptr
	biasAddr uintptr

	progs []rawProg

	strtab uintptr
	symtab uintptr

	bucketCnt uint32
	bucket    []uint32
	chain     []uint32

	isUseGNUHash bool
	symOffset    uint32
	bloomSize    uint32
	bloomShift   uint32
	bloom        []uint64
	gnuChainBase uintptr

	relplt, relpltSz         uint64
	reldyn, reldynSz         uint64
	relandroid, relandroidSz uint64
	isUseRela                bool
}

// CheckELFHeader validates the ELF header at baseAddr in isolation, without
// constructing an Image: magic, class, endianness, version (twice),
// object type, and machine must all match what this build targets.
func CheckELFHeader(baseAddr uintptr) error {
	if baseAddr == 0 {
		return fmt.Errorf("check elf header: nil base address: %w", ErrInvalid)
	}
	ident := sliceAt[byte](baseAddr, elf.EI_NIDENT)

	if string(ident[:4]) != elf.ELFMAG {
		return fmt.Errorf("check elf header: bad magic: %w", ErrFormat)
	}
	if elf.Class(ident[elf.EI_CLASS]) != expectedClass {
		return fmt.Errorf("check elf header: class mismatch: %w", ErrFormat)
	}
	if elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return fmt.Errorf("check elf header: not little-endian: %w", ErrFormat)
	}
	if elf.Version(ident[elf.EI_VERSION]) != elf.EV_CURRENT {
		return fmt.Errorf("check elf header: bad ident version: %w", ErrFormat)
	}

	hdr := ptrAt[rawHdr](baseAddr)
	if elf.Type(hdr.Type) != elf.ET_EXEC && elf.Type(hdr.Type) != elf.ET_DYN {
		return fmt.Errorf("check elf header: not EXEC or DYN: %w", ErrFormat)
	}
	if elf.Machine(hdr.Machine) != expectedMachine {
		return fmt.Errorf("check elf header: machine mismatch: %w", ErrFormat)
	}
	if elf.Version(hdr.Version) != elf.EV_CURRENT {
		return fmt.Errorf("check elf header: bad header version: %w", ErrFormat)
	}
	return nil
}

// Init populates img from the loaded image at baseAddr. Re-initializing an
// already-initialized Image is a no-op success.
func (img *Image) Init(baseAddr uintptr, pathname string) error {
	if img.pathname != "" {
		return nil
	}
	if pathname == "" {
		return fmt.Errorf("init: empty pathname: %w", ErrInvalid)
	}
	if err := CheckELFHeader(baseAddr); err != nil {
		return err
	}

	img.baseAddr = baseAddr
	hdr := ptrAt[rawHdr](baseAddr)
	img.progs = sliceAt[rawProg](baseAddr+uintptr(hdr.Phoff), int(hdr.Phnum))

	load := img.firstSegmentByType(elf.PT_LOAD)
	if load == nil {
		return fmt.Errorf("init: no PT_LOAD segment: %w", ErrFormat)
	}
	if load.Off != 0 {
		return fmt.Errorf("init: first PT_LOAD offset not 0: %w", ErrFormat)
	}
	img.biasAddr = baseAddr - uintptr(load.Vaddr)

	dyn := img.firstSegmentByType(elf.PT_DYNAMIC)
	if dyn == nil {
		return fmt.Errorf("init: no PT_DYNAMIC segment: %w", ErrFormat)
	}
	img.parseDynamic(dyn)

	img.pathname = pathname

	if img.relandroid != 0 {
		magic := sliceAt[byte](uintptr(img.relandroid), 4)
		if img.relandroidSz < 4 || string(magic) != "APS2" {
			img.Reset()
			return fmt.Errorf("init: bad android relocation magic: %w", ErrFormat)
		}
		img.relandroid += 4
		img.relandroidSz -= 4
	}

	if err := img.check(); err != nil {
		img.Reset()
		return err
	}

	level.Info(logger).Log("msg", "elf image initialized", "path", pathname,
		"rela", img.isUseRela, "gnu_hash", img.isUseGNUHash,
		"plt_sz", img.relpltSz, "dyn_sz", img.reldynSz, "android_sz", img.relandroidSz)
	return nil
}

// Reset zeroes the view; it holds no owning resources beyond pointers into
// the still-mapped image, so there is nothing else to release.
func (img *Image) Reset() {
	*img = Image{}
}

func (img *Image) parseDynamic(dyn *rawProg) {
	entries := sliceAt[rawDyn](img.biasAddr+uintptr(dyn.Vaddr), int(dyn.Memsz)/dynSize)
	for _, d := range entries {
		tag := elf.DynTag(d.Tag)
		val := uint64(d.Val)
		switch tag {
		case elf.DT_STRTAB:
			img.strtab = img.biasAddr + uintptr(val)
		case elf.DT_SYMTAB:
			img.symtab = img.biasAddr + uintptr(val)
		case elf.DT_PLTREL:
			img.isUseRela = elf.DynTag(val) == elf.DT_RELA
		case elf.DT_JMPREL:
			img.relplt = uint64(img.biasAddr) + val
		case elf.DT_PLTRELSZ:
			img.relpltSz = val
		case elf.DT_REL, elf.DT_RELA:
			img.reldyn = uint64(img.biasAddr) + val
		case elf.DT_RELSZ, elf.DT_RELASZ:
			img.reldynSz = val
		case dtAndroidRel, dtAndroidRela:
			img.relandroid = uint64(img.biasAddr) + val
		case dtAndroidRelSz, dtAndroidRelaSz:
			img.relandroidSz = val
		case elf.DT_HASH:
			img.parseClassicHash(img.biasAddr + uintptr(val))
		case elf.DT_GNU_HASH:
			img.parseGNUHash(img.biasAddr + uintptr(val))
		}
	}
}

// Android's packed-relocation dynamic tags are not part of the standard
// debug/elf constant set.
const (
	dtAndroidRel    = elf.DynTag(0x6000000d)
	dtAndroidRelSz  = elf.DynTag(0x6000000e)
	dtAndroidRela   = elf.DynTag(0x6000000f)
	dtAndroidRelaSz = elf.DynTag(0x60000010)
)

func (img *Image) parseClassicHash(addr uintptr) {
	bucketCnt := uint32(*ptrAt[uint32](addr))
	chainCnt := uint32(*ptrAt[uint32](addr + 4))
	img.bucketCnt = bucketCnt
	img.bucket = sliceAt[uint32](addr+8, int(bucketCnt))
	img.chain = sliceAt[uint32](addr+8+uintptr(bucketCnt)*4, int(chainCnt))
}

func (img *Image) parseGNUHash(addr uintptr) {
	bucketCnt := *ptrAt[uint32](addr)
	img.symOffset = *ptrAt[uint32](addr + 4)
	img.bloomSize = *ptrAt[uint32](addr + 8)
	img.bloomShift = *ptrAt[uint32](addr + 12)

	bloomStart := addr + 16
	img.bloom = make([]uint64, img.bloomSize)
	for i := uint32(0); i < img.bloomSize; i++ {
		img.bloom[i] = readWord(bloomStart + uintptr(i)*uintptr(wordSize))
	}

	bucketStart := bloomStart + uintptr(img.bloomSize)*uintptr(wordSize)
	img.bucketCnt = bucketCnt
	img.bucket = sliceAt[uint32](bucketStart, int(bucketCnt))

	// The GNU hash chain only covers defined symbols starting at
	// symOffset; its length isn't known up front, so it's addressed
	// lazily by index rather than materialized as a fixed-size slice.
	img.gnuChainBase = bucketStart + uintptr(bucketCnt)*4
	img.isUseGNUHash = true
}

func (img *Image) firstSegmentByType(t elf.ProgType) *rawProg {
	for i := range img.progs {
		if elf.ProgType(img.progs[i].Type) == t {
			return &img.progs[i]
		}
	}
	return nil
}

func (img *Image) symbolName(idx uint32) string {
	sym := ptrAt[rawSym](img.symtab + uintptr(idx)*symSize)
	return cString(img.strtab + uintptr(sym.Name))
}

func cString(addr uintptr) string {
	n := 0
	for *ptrAt[byte](addr + uintptr(n)) != 0 {
		n++
	}
	return string(sliceAt[byte](addr, n))
}

// check enforces the post-construction invariants of §3: pathname,
// base/bias addr, program headers, string/symbol tables, and a hash
// bucket array are always present; a classic-hash image must also have
// its chain array, and a GNU-hash image its bloom filter and chain base.
func (img *Image) check() error {
	switch {
	case img.pathname == "":
		return fmt.Errorf("check: empty pathname: %w", ErrFormat)
	case img.baseAddr == 0:
		return fmt.Errorf("check: zero base address: %w", ErrFormat)
	case img.biasAddr == 0:
		return fmt.Errorf("check: zero bias address: %w", ErrFormat)
	case img.progs == nil:
		return fmt.Errorf("check: no program headers: %w", ErrFormat)
	case img.strtab == 0:
		return fmt.Errorf("check: no strtab: %w", ErrFormat)
	case img.symtab == 0:
		return fmt.Errorf("check: no symtab: %w", ErrFormat)
	case img.bucket == nil:
		return fmt.Errorf("check: no hash bucket: %w", ErrFormat)
	case !img.isUseGNUHash && img.chain == nil:
		return fmt.Errorf("check: no hash chain: %w", ErrFormat)
	case img.isUseGNUHash && (img.bloom == nil || img.gnuChainBase == 0):
		return fmt.Errorf("check: gnu hash without bloom filter: %w", ErrFormat)
	}
	return nil
}
