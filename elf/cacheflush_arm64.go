//go:build arm64

package elf

// AArch64 keeps instruction fetches coherent with data stores to
// instruction-fetchable memory once the required DSB ISH; ISB pair has run,
// which mprotect's implicit kernel-side synchronization already provides.
// No explicit cache-maintenance syscall is needed here.
func clearCache(start, end uintptr) {}
