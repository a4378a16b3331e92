package jit

import "unsafe"

// addrOf returns the absolute address of an mmap'd slice's backing
// array, the same unsafe.Pointer-to-uintptr conversion the teacher's
// asm/amd64 exec trampoline uses to hand back a callable address
// after mprotect.
func addrOf(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}
