// Package gate builds the interrupt descriptor table and routes CPU
// exceptions to Go handlers.
package gate

import (
	"io"
	"ringos/kernel"
	"ringos/kernel/cpu"
	"ringos/kernel/gdt"
	"ringos/kernel/kfmt"
	"unsafe"
)

// Registers contains a snapshot of all register values when an exception
// occurs. The layout matches the stack image built by the assembly entry
// stubs: the general purpose registers followed by the vector number, the
// error code and the frame pushed by the CPU.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the exception number.
	Vector uint64

	// Info contains the exception error code. The entry stubs push a zero
	// value for exceptions that do not report one.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "VEC = %16x ERR = %16x\n", r.Vector, r.Info)
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// Debug occurs when a debug trap or fault condition is detected.
	Debug = InterruptNumber(1)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint occurs when the CPU executes the INT3 instruction.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a
	// non-present gate or load a non-present segment.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)

	// VirtualizationException occurs on EPT violations in a guest.
	VirtualizationException = InterruptNumber(20)

	// ControlProtection occurs on control-flow enforcement violations.
	ControlProtection = InterruptNumber(21)

	// SecurityException is raised by SVM on security sensitive events.
	SecurityException = InterruptNumber(30)
)

// exceptionCount is the number of CPU exception vectors. Only these vectors
// get an entry stub; all other gates are left non-present.
const exceptionCount = 32

var exceptionNames = [exceptionCount]string{
	"divide by zero", "debug", "NMI", "breakpoint", "overflow",
	"bound range exceeded", "invalid opcode", "device not available",
	"double fault", "coprocessor segment overrun", "invalid TSS",
	"segment not present", "stack segment fault", "general protection fault",
	"page fault", "reserved", "x87 floating point", "alignment check",
	"machine check", "SIMD floating point", "virtualization",
	"control protection", "reserved", "reserved", "reserved", "reserved",
	"reserved", "reserved", "hypervisor injection", "VMM communication",
	"security", "reserved",
}

// String returns the name of the exception.
func (n InterruptNumber) String() string {
	if n >= exceptionCount {
		return "interrupt"
	}
	return exceptionNames[n]
}

const (
	// gateInterrupt is the type of a 64-bit interrupt gate. The CPU clears
	// IF when entering the handler.
	gateInterrupt = 0xe

	gatePresent = 1 << 7

	// maxISTIndex is the highest interrupt stack table entry.
	maxISTIndex = 7
)

// gateEntry is a 16-byte interrupt gate descriptor.
type gateEntry struct {
	low, high uint64
}

func newGateEntry(handlerAddr uintptr, sel gdt.Selector, ist uint8) gateEntry {
	addr := uint64(handlerAddr)
	return gateEntry{
		low: addr&0xffff |
			uint64(sel)<<16 |
			uint64(ist&maxISTIndex)<<32 |
			uint64(gatePresent|gateInterrupt)<<40 |
			(addr>>16)&0xffff<<48,
		high: addr >> 32,
	}
}

func (e gateEntry) handlerAddr() uintptr {
	return uintptr(e.low&0xffff | (e.low>>48)<<16 | e.high<<32)
}

func (e gateEntry) selector() gdt.Selector {
	return gdt.Selector(e.low >> 16)
}

func (e gateEntry) ist() uint8 {
	return uint8(e.low>>32) & maxISTIndex
}

func (e gateEntry) present() bool {
	return (e.low>>40)&gatePresent != 0
}

func (e *gateEntry) setIST(ist uint8) {
	e.low = e.low&^(uint64(maxISTIndex)<<32) | uint64(ist&maxISTIndex)<<32
}

// Table is the interrupt descriptor table. Once loaded it must remain at the
// same address.
type Table struct {
	entries [256]gateEntry
	pointer cpu.TablePointer
}

var (
	// ErrUnsupportedVector is returned when trying to install a handler
	// for a vector that is not a CPU exception.
	ErrUnsupportedVector = &kernel.Error{Module: "gate", Message: "handlers can only be installed for exception vectors"}

	// ErrInvalidIST is returned when the requested interrupt stack table
	// index is out of range.
	ErrInvalidIST = &kernel.Error{Module: "gate", Message: "interrupt stack table index out of range"}

	// loadIDTFn is mocked by tests and is automatically inlined by the compiler.
	loadIDTFn = cpu.LoadIDT

	idt         Table
	initialized bool

	// handlers holds the Go handler for each exception vector. Vectors
	// without a handler are routed to unhandledException.
	handlers [exceptionCount]func(*Registers)
)

// Init populates the interrupt descriptor table with gates for all CPU
// exceptions, installs the breakpoint and double fault handlers and loads
// the table into the CPU. The double fault handler runs on the dedicated
// interrupt stack set up by the gdt package.
//
// Subsequent calls return the already loaded table.
func Init(sel gdt.Selectors) *Table {
	if initialized {
		return &idt
	}

	entries := exceptionEntries()
	for vec := 0; vec < exceptionCount; vec++ {
		idt.entries[vec] = newGateEntry(entries[vec], sel.KernelCode, 0)
	}

	_ = idt.HandleInterrupt(Breakpoint, 0, breakpointHandler)
	_ = idt.HandleInterrupt(DoubleFault, gdt.DoubleFaultISTIndex, doubleFaultHandler)

	idt.pointer = cpu.NewTablePointer(uintptr(unsafe.Pointer(&idt.entries[0])), unsafe.Sizeof(idt.entries))
	loadIDTFn(uintptr(unsafe.Pointer(&idt.pointer)))
	initialized = true

	kfmt.Printf("[gate] loaded IDT with %d exception gates\n", exceptionCount)
	return &idt
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular exception occurs. The value of the istOffset argument specifies
// the offset in the interrupt stack table (if 0 then IST is not used).
func (t *Table) HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) *kernel.Error {
	if intNumber >= exceptionCount {
		return ErrUnsupportedVector
	}

	if istOffset > maxISTIndex {
		return ErrInvalidIST
	}

	t.entries[intNumber].setIST(istOffset)
	handlers[intNumber] = handler
	return nil
}

// exceptionEntries returns the addresses of the assembly entry stubs for
// each exception vector.
func exceptionEntries() *[exceptionCount]uintptr {
	return (*[exceptionCount]uintptr)(unsafe.Pointer(exceptionEntryTable()))
}

// exceptionEntryTable returns the address of the table with the entry stub
// addresses for each exception vector.
func exceptionEntryTable() uintptr

// dispatchInterrupt is invoked by the interrupt gate entrypoints to route
// an incoming interrupt to the selected handler.
func dispatchInterrupt(regs *Registers) {
	if regs.Vector < exceptionCount {
		if handler := handlers[regs.Vector]; handler != nil {
			handler(regs)
			return
		}
	}

	unhandledException(regs)
}
