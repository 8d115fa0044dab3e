package elf

import "errors"

// Stable error kinds. Call sites wrap these with fmt.Errorf("...: %w", ErrX)
// for context; callers classify failures with errors.Is, never by string.
var (
	// ErrFormat means the ELF or APS2 data violated its own specification:
	// bad magic, wrong class/endian/version/type/machine, a missing
	// PT_DYNAMIC, a first PT_LOAD whose file offset isn't 0, a malformed
	// APS2 prefix, an addend where RELA isn't in use, or a truncated
	// SLEB128 stream.
	ErrFormat = errors.New("elf: malformed image or relocation data")

	// ErrNotFound means a symbol was absent from both hash-table searches,
	// or an address fell outside every PT_LOAD segment.
	ErrNotFound = errors.New("elf: not found")

	// ErrInvalid means a required argument (symbol name, replacement
	// address, pathname) was empty or zero.
	ErrInvalid = errors.New("elf: invalid argument")

	// ErrNotInited means Hook was called on an Image that was never
	// successfully Init'd.
	ErrNotInited = errors.New("elf: image not initialized")

	// ErrUnknown wraps a system-level failure, such as mprotect returning
	// an error.
	ErrUnknown = errors.New("elf: system call failed")
)
