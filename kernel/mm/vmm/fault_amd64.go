package vmm

import (
	"io"
	"ringos/kernel"
	"ringos/kernel/cpu"
	"ringos/kernel/gate"
	"ringos/kernel/kfmt"
	"ringos/kernel/mm"
)

// Page fault error code bits.
const (
	faultPresent          = 1 << 0
	faultWrite            = 1 << 1
	faultUser             = 1 << 2
	faultReservedBit      = 1 << 3
	faultInstructionFetch = 1 << 4
)

var (
	// readCR2Fn is used by tests to override calls to cpu.ReadCR2 which
	// will cause a fault if called in user-mode.
	readCR2Fn = cpu.ReadCR2

	// panicFn is mocked by tests and is automatically inlined by the compiler.
	panicFn = kfmt.Panic

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page faults are not recoverable"}
)

// InstallFaultHandlers registers a page fault handler that reports the
// faulting address, the access that caused the fault and the state of the
// page tables managed by m. Page faults are always fatal.
func (m *Mapper) InstallFaultHandlers(t *gate.Table) *kernel.Error {
	return t.HandleInterrupt(gate.PageFaultException, 0, m.pageFaultHandler)
}

func (m *Mapper) pageFaultHandler(regs *gate.Registers) {
	faultAddr := mm.VirtAddr(readCR2Fn())

	kfmt.TryPrintf("\n[vmm] page fault while accessing address: 0x%16x\n", uint64(faultAddr))
	kfmt.TryPrintf("[vmm] reason: ")
	writeFaultReason(kfmt.TryWriter{}, regs.Info)
	kfmt.TryPrintf("\n[vmm] mapping: ")
	m.writeMapping(kfmt.TryWriter{}, faultAddr)
	kfmt.TryPrintf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.TryWriter{})

	panicFn(errUnrecoverableFault)
}

// writeFaultReason decodes a page fault error code.
func writeFaultReason(w io.Writer, code uint64) {
	if code&faultReservedBit != 0 {
		kfmt.Fprintf(w, "page table entry has a reserved bit set")
		return
	}

	access := "read from"
	switch {
	case code&faultInstructionFetch != 0:
		access = "instruction fetch from"
	case code&faultWrite != 0:
		access = "write to"
	}

	target := "non-present page"
	if code&faultPresent != 0 {
		target = "page (protection violation)"
	}

	mode := "kernel"
	if code&faultUser != 0 {
		mode = "user"
	}

	kfmt.Fprintf(w, "%s %s in %s mode", access, target, mode)
}

// writeMapping reports either the paging level where the translation of
// virtAddr stops or the flags of the entry that maps it.
func (m *Mapper) writeMapping(w io.Writer, virtAddr mm.VirtAddr) {
	if !virtAddr.IsCanonical() {
		kfmt.Fprintf(w, "non-canonical address")
		return
	}

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		entryIndex := (uintptr(virtAddr) >> pageLevelShifts[pteLevel]) & (entriesPerTable - 1)
		if !pte.HasFlags(FlagPresent) {
			kfmt.Fprintf(w, "P%d entry %d is not present", pageLevels-pteLevel, uint64(entryIndex))
			return false
		}

		if pteLevel == pageLevels-1 || (pteLevel > 0 && pte.HasFlags(FlagHugePage)) {
			kfmt.Fprintf(w, "frame 0x%x, flags:", uint64(pte.Frame()))
			writeFlags(w, pte.Flags())
			return false
		}

		return true
	})
}

var flagNames = []struct {
	flag PageTableEntryFlag
	name string
}{
	{FlagPresent, "P"},
	{FlagRW, "RW"},
	{FlagUserAccessible, "US"},
	{FlagHugePage, "PS"},
	{FlagGlobal, "G"},
	{FlagNoExecute, "NX"},
}

func writeFlags(w io.Writer, flags PageTableEntryFlag) {
	for _, fn := range flagNames {
		if flags&fn.flag != 0 {
			kfmt.Fprintf(w, " %s", fn.name)
		}
	}
}
