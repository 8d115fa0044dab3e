package elf

// elfHash is the classic ELF symbol hash (SysV ABI gABI §5.4.2).
func elfHash(name string) uint32 {
	var h, g uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g = h & 0xf0000000
		h ^= g
		h ^= g >> 24
	}
	return h
}

// gnuHash is the GNU hash extension's symbol hash.
func gnuHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h += (h << 5) + uint32(name[i])
	}
	return h
}

// wordBits is ElfW(Addr)'s bit width for the target architecture: 32 on
// ARM, 64 on AArch64. The GNU hash bloom filter is indexed and masked in
// units of this width.
func wordBits() uint32 {
	return uint32(wordSize * 8)
}

// lookupClassic walks the ELF-classic hash chain rooted at
// bucket[hash%bucketCnt], stopping at the STN_UNDEF (index 0) terminator,
// and returns the index of the first entry whose name equals symbol.
func (img *Image) lookupClassic(symbol string) (uint32, error) {
	h := elfHash(symbol)
	i := img.bucket[h%img.bucketCnt]
	for i != 0 {
		if img.symbolName(i) == symbol {
			return i, nil
		}
		i = img.chain[i]
	}
	return 0, ErrNotFound
}

// gnuChainAt reads the GNU hash chain word for symtab index i (i.e. index
// i-symOffset into the chain array), addressed directly since the chain's
// total length isn't recorded anywhere in the hash table header.
func (img *Image) gnuChainAt(i uint32) uint32 {
	return *ptrAt[uint32](img.gnuChainBase + uintptr(i-img.symOffset)*4)
}

// lookupGNUDefined consults the bloom filter, then walks the GNU hash
// bucket chain for defined symbols (indices >= symOffset). The chain ends
// at the first entry whose low bit is set.
func (img *Image) lookupGNUDefined(symbol string) (uint32, bool) {
	h := gnuHash(symbol)
	bits := wordBits()

	word := img.bloom[(h/bits)%img.bloomSize]
	mask := uint64(1)<<(h%bits) | uint64(1)<<((h>>img.bloomShift)%bits)
	if word&mask != mask {
		return 0, false
	}

	i := img.bucket[h%img.bucketCnt]
	if i < img.symOffset {
		return 0, false
	}

	for {
		symHash := img.gnuChainAt(i)
		if (h|1) == (symHash|1) && img.symbolName(i) == symbol {
			return i, true
		}
		if symHash&1 != 0 {
			return 0, false
		}
		i++
	}
}

// lookupGNUUndefined linearly scans the undefined-symbol prefix of symtab
// (indices [0, symOffset)), which the GNU hash table never indexes.
func (img *Image) lookupGNUUndefined(symbol string) (uint32, bool) {
	for i := uint32(0); i < img.symOffset; i++ {
		if img.symbolName(i) == symbol {
			return i, true
		}
	}
	return 0, false
}

func (img *Image) lookupGNU(symbol string) (uint32, error) {
	if idx, ok := img.lookupGNUDefined(symbol); ok {
		return idx, nil
	}
	if idx, ok := img.lookupGNUUndefined(symbol); ok {
		return idx, nil
	}
	return 0, ErrNotFound
}

// findSymbolIndex resolves symbol to its row in symtab via whichever hash
// table the image carries.
func (img *Image) findSymbolIndex(symbol string) (uint32, error) {
	if img.isUseGNUHash {
		return img.lookupGNU(symbol)
	}
	return img.lookupClassic(symbol)
}
