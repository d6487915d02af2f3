// Package cpu exposes the amd64 instructions needed by the memory and
// privilege-transition code. All functions are implemented in assembly and
// must only be invoked while running in ring 0; callers that need to be unit
// tested should reference them through a package-level function variable.
package cpu

const (
	// FlagReserved is the always-one bit 1 of RFLAGS.
	FlagReserved = uint64(1 << 1)

	// FlagIOPL is the 2-bit I/O privilege level field.
	FlagIOPL = uint64(3 << 12)

	// EFERNoExecute is the no-execute enable (NXE) bit of the EFER MSR.
	EFERNoExecute = uint64(1 << 11)

	// cr3AddrMask strips the PCID/flag bits from CR3.
	cr3AddrMask = uintptr(0x000ffffffffff000)
)

var (
	activePDTRawFn = readCR3
)

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupts and stops instruction execution. Calls to Halt
// never return.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// readCR3 returns the raw contents of the CR3 register.
func readCR3() uintptr

// ActivePDT returns the physical address of the currently active top-level
// page table.
func ActivePDT() uintptr {
	return activePDTRawFn() & cr3AddrMask
}

// ReadCR2 returns the value stored in the CR2 register (the linear address
// that triggered the last page fault).
func ReadCR2() uint64

// ReadRFlags returns a snapshot of the RFLAGS register.
func ReadRFlags() uint64

// ReadEFER returns the contents of the extended feature enable register.
func ReadEFER() uint64

// LoadGDT loads the GDTR register from the 10-byte pseudo-descriptor (16-bit
// limit followed by the 64-bit base address) located at descriptorAddr.
func LoadGDT(descriptorAddr uintptr)

// LoadIDT loads the IDTR register from the 10-byte pseudo-descriptor located
// at descriptorAddr.
func LoadIDT(descriptorAddr uintptr)

// LoadTaskRegister loads the task register with the supplied TSS selector.
// The referenced descriptor is marked busy by the CPU so loading the same
// selector twice raises a general protection fault.
func LoadTaskRegister(selector uint16)

// ReloadCodeSegment switches CS to the supplied selector by performing a far
// return to the caller.
func ReloadCodeSegment(selector uint16)

// Breakpoint raises a breakpoint (#BP) exception.
func Breakpoint()

// LoadDataSegments loads the DS, ES and SS registers with the supplied
// selector. In long mode the null selector is valid for all three.
func LoadDataSegments(selector uint16)

// TablePointer is the 10-byte memory operand of the LGDT and LIDT
// instructions: a 16-bit limit followed by the 64-bit base address.
type TablePointer [10]byte

// NewTablePointer returns the operand describing a descriptor table of size
// bytes located at base.
func NewTablePointer(base, size uintptr) TablePointer {
	var p TablePointer
	limit := uint16(size - 1)
	p[0], p[1] = byte(limit), byte(limit>>8)
	for i := 0; i < 8; i++ {
		p[2+i] = byte(base >> (8 * uint(i)))
	}
	return p
}

// Limit returns the table limit (size in bytes minus one).
func (p *TablePointer) Limit() uint16 {
	return uint16(p[0]) | uint16(p[1])<<8
}

// Base returns the table base address.
func (p *TablePointer) Base() uintptr {
	var base uintptr
	for i := 7; i >= 0; i-- {
		base = base<<8 | uintptr(p[2+i])
	}
	return base
}
