//go:build arm

package elf

import "golang.org/x/sys/unix"

// sysCachectlFlush is the kernel ARM cacheflush syscall number, exposed by
// the kernel as __ARM_NR_cacheflush. 32-bit ARM does not keep the I-cache
// coherent with data writes automatically, so every rewritten GOT page must
// be flushed before indirect calls through it are safe.
const sysCachectlFlush = 0xf0002

func clearCache(start, end uintptr) {
	// (start, end, flags); flags is always 0 on Linux.
	unix.Syscall(sysCachectlFlush, start, end, 0)
}
