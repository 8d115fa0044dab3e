package elf

import (
	"debug/elf"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ptrAt reinterprets the byte range starting at addr as a *T, with no
// bounds checking: the caller is responsible for knowing the region is
// mapped and large enough. This is how every field of a loaded ELF image
// is reached — there is no file, only memory already mapped by the
// dynamic linker.
func ptrAt[T any](addr uintptr) *T {
	return (*T)(unsafe.Pointer(addr))
}

// sliceAt reinterprets n contiguous T values starting at addr.
func sliceAt[T any](addr uintptr, n int) []T {
	if addr == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(addr)), n)
}

func byteSliceAt(addr uintptr, n int) []byte {
	return sliceAt[byte](addr, n)
}

func pageSize() uintptr {
	return uintptr(unix.Getpagesize())
}

func pageStart(addr uintptr) uintptr {
	return addr &^ (pageSize() - 1)
}

func pageEnd(addr uintptr) uintptr {
	return pageStart(addr) + pageSize()
}

func progFlagsToProt(flags elf.ProgFlag) int {
	var prot int
	if flags&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// setPageAccess changes the protection of the single page containing addr
// to prot, page-aligning the start and covering exactly one page, per
// spec: "change protections for the single page containing slot."
func setPageAccess(addr uintptr, prot int) error {
	start := pageStart(addr)
	page := byteSliceAt(start, int(pageSize()))
	if err := unix.Mprotect(page, prot); err != nil {
		return fmt.Errorf("mprotect %#x: %w", start, ErrUnknown)
	}
	return nil
}
