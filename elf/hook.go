package elf

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"
)

// isMatchingRelocType reports whether a relocation of this type targets a
// GOT/PLT slot that should be rewritten when hooking a symbol: jump slots,
// global-data slots, and absolute-address slots all hold a callable
// address resolved for an imported symbol.
func isMatchingRelocType(t uint32) bool {
	return t == rGenericJumpSlot || t == rGenericGlobDat || t == rGenericAbs
}

// Hook redirects every relocation targeting symbol to newAddr and returns
// the address that was previously installed in the last slot it rewrote.
// Matches in the PLT region short-circuit on the first hit (a symbol has
// at most one PLT slot); the DYN and ANDROID regions are walked to
// completion, since a single symbol may be referenced by more than one
// GOT slot.
func (img *Image) Hook(symbol string, newAddr uintptr) (uintptr, error) {
	if img.pathname == "" {
		return 0, fmt.Errorf("hook %s: %w", symbol, ErrNotInited)
	}
	if symbol == "" || newAddr == 0 {
		return 0, fmt.Errorf("hook: %w", ErrInvalid)
	}

	level.Info(logger).Log("msg", "hooking", "symbol", symbol, "image", img.pathname)

	symidx, err := img.findSymbolIndex(symbol)
	if err != nil {
		level.Error(logger).Log("msg", "symbol not found", "symbol", symbol, "image", img.pathname)
		return 0, fmt.Errorf("hook %s: %w", symbol, err)
	}

	var old uintptr
	var found bool

	if img.relplt != 0 {
		it := newPlainIterator(uintptr(img.relplt), img.relpltSz, img.isUseRela)
		o, f, err := img.walk(it, symidx, newAddr, true)
		if err != nil {
			return 0, fmt.Errorf("hook %s (plt): %w", symbol, err)
		}
		if f {
			old, found = o, true
		}
	}

	if img.reldyn != 0 {
		it := newPlainIterator(uintptr(img.reldyn), img.reldynSz, img.isUseRela)
		o, f, err := img.walk(it, symidx, newAddr, false)
		if err != nil {
			return 0, fmt.Errorf("hook %s (dyn): %w", symbol, err)
		}
		if f {
			old, found = o, true
		}
	}

	if img.relandroid != 0 {
		it, err := newPackedIterator(uintptr(img.relandroid), img.relandroidSz, img.isUseRela)
		if err != nil {
			return 0, fmt.Errorf("hook %s (android): %w", symbol, err)
		}
		o, f, err := img.walk(it, symidx, newAddr, false)
		if err != nil {
			return 0, fmt.Errorf("hook %s (android): %w", symbol, err)
		}
		if f {
			old, found = o, true
		}
	}

	if !found {
		// Symbol resolved but no relocation referenced it: nothing to
		// rewrite, which is not itself an error.
		level.Info(logger).Log("msg", "symbol resolved but unreferenced", "symbol", symbol, "image", img.pathname)
	}
	return old, nil
}

// walk drains it, rewriting the slot of every record whose symbol index
// and relocation type match, and stops early when breakOnFirst is set.
func (img *Image) walk(it relocIterator, symidx uint32, newAddr uintptr, breakOnFirst bool) (uintptr, bool, error) {
	var old uintptr
	var found bool

	for {
		rec, ok, err := it.next()
		if err != nil {
			return old, found, err
		}
		if !ok {
			break
		}
		if rec.sym() != symidx || !isMatchingRelocType(rec.typ()) {
			continue
		}

		slot := img.biasAddr + uintptr(rec.Offset)
		o, err := img.replaceSlot(slot, newAddr)
		if err != nil {
			return old, found, err
		}
		old, found = o, true
		if breakOnFirst {
			break
		}
	}
	return old, found, nil
}

// replaceSlot overwrites the GOT/PLT word at slot with newAddr, flipping
// the enclosing page to writable (and non-executable) first, and returns
// the value that was there before. A slot already holding newAddr is left
// untouched and reported as already hooked.
func (img *Image) replaceSlot(slot uintptr, newAddr uintptr) (uintptr, error) {
	if *ptrAt[uintptr](slot) == newAddr {
		return newAddr, nil
	}

	prot, err := img.segmentProtFor(slot)
	if err != nil {
		return 0, fmt.Errorf("hook: locate segment for %#x: %w", slot, err)
	}
	prot |= unix.PROT_WRITE
	prot &^= unix.PROT_EXEC
	if err := setPageAccess(slot, prot); err != nil {
		return 0, err
	}

	old := *ptrAt[uintptr](slot)
	*ptrAt[uintptr](slot) = newAddr
	clearCache(pageStart(slot), pageEnd(slot))

	level.Info(logger).Log("msg", "hooked", "slot", fmt.Sprintf("%#x", slot),
		"old", fmt.Sprintf("%#x", old), "new", fmt.Sprintf("%#x", newAddr), "image", img.pathname)
	return old, nil
}

// segmentProtFor returns the access flags of the PT_LOAD segment
// enclosing addr, page-rounded the same way the kernel rounds mprotect
// regions.
func (img *Image) segmentProtFor(addr uintptr) (int, error) {
	for i := range img.progs {
		p := &img.progs[i]
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		segStart := img.biasAddr + uintptr(p.Vaddr)
		segEnd := segStart + uintptr(p.Memsz)
		if addr >= pageStart(segStart) && addr < pageEnd(segEnd) {
			return progFlagsToProt(elf.ProgFlag(p.Flags)), nil
		}
	}
	return 0, ErrNotFound
}
