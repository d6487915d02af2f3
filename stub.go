package main

import "ringos/kernel/kmain"

// These values are patched in by the rt0 code before main is invoked: the
// physical address of the multiboot info payload (as passed in EBX by the
// bootloader) and the virtual address at which all physical memory is mapped.
var (
	multibootInfoPtr uintptr
	physOffset       uintptr
)

// main makes a dummy call to the actual kernel main entrypoint function. It
// is intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code.
//
// Global variables are passed as arguments to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
func main() {
	kmain.Kmain(multibootInfoPtr, physOffset)
}
