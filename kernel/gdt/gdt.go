// Package gdt builds and loads the global descriptor table and the task state
// segment. Segmentation is mostly disabled in long mode but the CPU still
// consults the GDT for the code segment privilege level and the TSS for the
// stacks used on privilege changes and on faults.
package gdt

import (
	"ringos/kernel/cpu"
	"ringos/kernel/kfmt"
	"unsafe"
)

// DoubleFaultISTIndex is the interrupt stack table entry used by the double
// fault handler.
const DoubleFaultISTIndex = 1

// maxEntries is the capacity of the table. The null descriptor, the kernel
// code segment, the TSS (two entries) and the user code and data segments
// leave two spare entries.
const maxEntries = 8

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadGDTFn           = cpu.LoadGDT
	reloadCodeSegmentFn = cpu.ReloadCodeSegment
	loadDataSegmentsFn  = cpu.LoadDataSegments
	loadTaskRegisterFn  = cpu.LoadTaskRegister

	// privilegeStack is used by the CPU when an interrupt or exception
	// moves execution from ring 3 to ring 0.
	privilegeStack stack

	// doubleFaultStack is used by the double fault handler so that a
	// fault caused by a corrupted or exhausted stack still runs on valid
	// memory.
	doubleFaultStack stack

	tables      Tables
	initialized bool
)

// Tables holds the global descriptor table and the task state segment it
// references. Once loaded, both must remain at the same address and must not
// be modified.
type Tables struct {
	entries [maxEntries]Descriptor
	count   uint16
	pointer cpu.TablePointer
	tss     TaskState
	sel     Selectors
}

// Init builds the descriptor tables, loads them into the CPU, switches CS to
// the kernel code segment, clears the data segment registers and loads the
// task register. Init must complete before any exception can be delivered.
//
// Subsequent calls return the already loaded tables without touching the CPU
// state; loading a TSS descriptor that is already marked busy would raise a
// general protection fault.
func Init() *Tables {
	if initialized {
		return &tables
	}

	tables.build()
	tables.load()
	initialized = true

	kfmt.Printf("[gdt] loaded %d descriptors; kernel code: 0x%x, tss: 0x%x, user code: 0x%x, user data: 0x%x\n",
		tables.count, uint16(tables.sel.KernelCode), uint16(tables.sel.TSS), uint16(tables.sel.UserCode), uint16(tables.sel.UserData),
	)

	return &tables
}

// Selectors returns the selectors for the installed segments.
func (t *Tables) Selectors() Selectors {
	return t.sel
}

// TaskState returns the task state segment referenced by the table.
func (t *Tables) TaskState() *TaskState {
	return &t.tss
}

// Descriptor returns the descriptor at index or 0 if index is out of range.
func (t *Tables) Descriptor(index int) Descriptor {
	if index < 0 || index >= int(t.count) {
		return 0
	}
	return t.entries[index]
}

// Len returns the number of occupied table entries, including the null
// descriptor.
func (t *Tables) Len() int {
	return int(t.count)
}

func (t *Tables) build() {
	*t = Tables{count: 1}

	t.tss.SetPrivilegeStack(0, privilegeStack.top())
	t.tss.SetInterruptStack(DoubleFaultISTIndex, doubleFaultStack.top())
	t.tss.SetIOMapBase(noIOMapOffset)

	tssLow, tssHigh := tssDescriptor(uintptr(unsafe.Pointer(&t.tss)), tssSize-1)

	t.sel.KernelCode = t.add(PrivilegeKernel, KernelCodeSegment)
	t.sel.TSS = t.add(PrivilegeKernel, tssLow, tssHigh)
	t.sel.UserCode = t.add(PrivilegeUser, UserCodeSegment)
	t.sel.UserData = t.add(PrivilegeUser, UserDataSegment)

	t.pointer = cpu.NewTablePointer(uintptr(unsafe.Pointer(&t.entries[0])), uintptr(t.count)*8)
}

// add appends the supplied descriptor entries and returns a selector for the
// first one.
func (t *Tables) add(rpl uint16, entries ...Descriptor) Selector {
	index := t.count
	for _, entry := range entries {
		t.entries[t.count] = entry
		t.count++
	}
	return NewSelector(index, rpl)
}

func (t *Tables) load() {
	loadGDTFn(uintptr(unsafe.Pointer(&t.pointer)))
	reloadCodeSegmentFn(uint16(t.sel.KernelCode))
	loadDataSegmentsFn(0)
	loadTaskRegisterFn(uint16(t.sel.TSS))
}
