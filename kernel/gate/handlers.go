package gate

import (
	"io"
	"ringos/kernel"
	"ringos/kernel/kfmt"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

// maxInstructionLen is the longest possible x86 instruction encoding.
const maxInstructionLen = 15

var (
	// panicFn is mocked by tests and is automatically inlined by the compiler.
	panicFn = kfmt.Panic

	// readCodeFn returns the bytes at the supplied address. It is mocked
	// by tests.
	readCodeFn = func(addr uintptr, n int) []byte {
		return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	}

	errDoubleFault        = &kernel.Error{Module: "gate", Message: "double fault"}
	errUnhandledException = &kernel.Error{Module: "gate", Message: "unhandled exception"}
)

// breakpointHandler reports the trap location and resumes execution. RIP
// points to the instruction following the INT3 when the handler runs.
func breakpointHandler(regs *Registers) {
	kfmt.TryPrintf("\n[gate] EXCEPTION: breakpoint\n")
	WriteInstruction(kfmt.TryWriter{}, readCodeFn(uintptr(regs.RIP-1), maxInstructionLen), regs.RIP-1)
	regs.DumpTo(kfmt.TryWriter{})
}

// doubleFaultHandler runs on its own interrupt stack. The interrupted
// context cannot be trusted so the code at RIP is not decoded.
func doubleFaultHandler(regs *Registers) {
	kfmt.TryPrintf("\n[gate] EXCEPTION: double fault (error code: 0x%x)\n", regs.Info)
	regs.DumpTo(kfmt.TryWriter{})
	panicFn(errDoubleFault)
}

// unhandledException is invoked for every exception without a registered
// handler. Such exceptions are fatal.
func unhandledException(regs *Registers) {
	kfmt.TryPrintf("\n[gate] EXCEPTION: %s (vector: %d, error code: 0x%x)\n",
		InterruptNumber(regs.Vector).String(), regs.Vector, regs.Info,
	)

	// Only dump the faulting instruction if its bytes are known to be
	// readable. The fault may have interrupted the Go allocator, so the
	// bytes are not decoded: the disassembler allocates.
	switch InterruptNumber(regs.Vector) {
	case InvalidOpcode, GPFException, DivideByZero:
		writeCodeBytes(kfmt.TryWriter{}, readCodeFn(uintptr(regs.RIP), maxInstructionLen), regs.RIP)
	}

	regs.DumpTo(kfmt.TryWriter{})
	panicFn(errUnhandledException)
}

// writeCodeBytes writes the raw bytes of code, located at address pc, to w
// without allocating.
func writeCodeBytes(w io.Writer, code []byte, pc uint64) {
	kfmt.Fprintf(w, "0x%16x: code:", pc)
	for _, b := range code {
		kfmt.Fprintf(w, " %2x", b)
	}
	kfmt.Fprintf(w, "\n")
}

// WriteInstruction decodes the first 64-bit instruction in code, located at
// address pc, and writes its GNU assembler representation to w. Decoding
// allocates from the Go heap; it is only used for traps raised on purpose,
// such as the breakpoint self-test.
func WriteInstruction(w io.Writer, code []byte, pc uint64) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		kfmt.Fprintf(w, "0x%16x: <%s>\n", pc, err.Error())
		return
	}

	kfmt.Fprintf(w, "0x%16x: %s\n", pc, x86asm.GNUSyntax(inst, pc, nil))
}
