package gdt

import (
	"ringos/kernel/cpu"
	"testing"
	"unsafe"
)

func mockCPU(t *testing.T) (loadCount, ltrCount *int) {
	var loads, ltrs int

	loadGDTFn = func(descriptorAddr uintptr) {
		loads++
		ptr := (*cpu.TablePointer)(unsafe.Pointer(descriptorAddr))
		if exp := uintptr(unsafe.Pointer(&tables.entries[0])); ptr.Base() != exp {
			t.Errorf("expected GDT base to be 0x%x; got 0x%x", exp, ptr.Base())
		}
	}
	reloadCodeSegmentFn = func(sel uint16) {
		if exp := uint16(tables.sel.KernelCode); sel != exp {
			t.Errorf("expected CS to be reloaded with 0x%x; got 0x%x", exp, sel)
		}
	}
	loadDataSegmentsFn = func(sel uint16) {
		if sel != 0 {
			t.Errorf("expected data segments to be loaded with the null selector; got 0x%x", sel)
		}
	}
	loadTaskRegisterFn = func(sel uint16) {
		ltrs++
		if exp := uint16(tables.sel.TSS); sel != exp {
			t.Errorf("expected TR to be loaded with 0x%x; got 0x%x", exp, sel)
		}
	}

	return &loads, &ltrs
}

func resetMocks() {
	loadGDTFn = cpu.LoadGDT
	reloadCodeSegmentFn = cpu.ReloadCodeSegment
	loadDataSegmentsFn = cpu.LoadDataSegments
	loadTaskRegisterFn = cpu.LoadTaskRegister
	initialized = false
	tables = Tables{}
}

func TestInit(t *testing.T) {
	defer resetMocks()
	loadCount, ltrCount := mockCPU(t)

	tbl := Init()

	expSel := Selectors{KernelCode: 0x08, TSS: 0x10, UserCode: 0x23, UserData: 0x2b}
	if got := tbl.Selectors(); got != expSel {
		t.Fatalf("expected selectors to be %+v; got %+v", expSel, got)
	}

	if exp, got := 6, tbl.Len(); got != exp {
		t.Fatalf("expected table to contain %d entries; got %d", exp, got)
	}

	if exp, got := uint16(6*8-1), tbl.pointer.Limit(); got != exp {
		t.Errorf("expected GDT limit to be %d; got %d", exp, got)
	}

	specs := []struct {
		index int
		exp   Descriptor
	}{
		{0, 0},
		{1, 0x00af9b000000ffff},
		{4, 0x00affb000000ffff},
		{5, 0x00cff3000000ffff},
	}

	for _, spec := range specs {
		if got := tbl.Descriptor(spec.index); got != spec.exp {
			t.Errorf("[entry %d] expected descriptor 0x%016x; got 0x%016x", spec.index, spec.exp, got)
		}
	}

	tss := tbl.TaskState()
	if got, exp := tss.PrivilegeStack(0), privilegeStack.top(); got != exp {
		t.Errorf("expected RSP0 to be 0x%x; got 0x%x", exp, got)
	}

	if got, exp := tss.InterruptStack(DoubleFaultISTIndex), doubleFaultStack.top(); got != exp {
		t.Errorf("expected IST%d to be 0x%x; got 0x%x", DoubleFaultISTIndex, exp, got)
	}

	if got := tss.IOMapBase(); got < uint16(tssSize) {
		t.Errorf("expected I/O map base to be beyond the TSS limit; got %d", got)
	}

	if *loadCount != 1 || *ltrCount != 1 {
		t.Fatalf("expected the tables to be loaded once; got %d GDT loads and %d TR loads", *loadCount, *ltrCount)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	defer resetMocks()
	loadCount, ltrCount := mockCPU(t)

	first := Init()
	firstSel := first.Selectors()
	firstRSP0 := first.TaskState().PrivilegeStack(0)
	firstIST := first.TaskState().InterruptStack(DoubleFaultISTIndex)

	second := Init()
	if first != second {
		t.Fatal("expected Init to return the same instance")
	}

	if second.Selectors() != firstSel {
		t.Errorf("expected selectors to remain %+v; got %+v", firstSel, second.Selectors())
	}

	if second.TaskState().PrivilegeStack(0) != firstRSP0 || second.TaskState().InterruptStack(DoubleFaultISTIndex) != firstIST {
		t.Error("expected TSS stacks to remain unchanged")
	}

	if *loadCount != 1 || *ltrCount != 1 {
		t.Fatalf("expected the tables to be loaded once; got %d GDT loads and %d TR loads", *loadCount, *ltrCount)
	}
}

func TestTSSDescriptor(t *testing.T) {
	low, high := tssDescriptor(0xffff8000deadbeef, 103)

	if !low.Present() {
		t.Error("expected TSS descriptor to be present")
	}

	if exp, got := Descriptor(0x9), (low>>40)&0xf; got != exp {
		t.Errorf("expected descriptor type to be 0x%x; got 0x%x", exp, got)
	}

	if low&flagUserSegment != 0 {
		t.Error("expected TSS descriptor to be a system descriptor")
	}

	base := uint64(low>>16)&0xffffff | uint64(low>>56)<<24 | uint64(high)<<32
	if exp := uint64(0xffff8000deadbeef); base != exp {
		t.Errorf("expected encoded base to be 0x%x; got 0x%x", exp, base)
	}

	limit := uint64(low)&0xffff | (uint64(low)>>48&0xf)<<16
	if limit != 103 {
		t.Errorf("expected encoded limit to be 103; got %d", limit)
	}
}

func TestDescriptorPrivilegeLevel(t *testing.T) {
	specs := []struct {
		descr Descriptor
		exp   uint16
	}{
		{KernelCodeSegment, PrivilegeKernel},
		{KernelDataSegment, PrivilegeKernel},
		{UserCodeSegment, PrivilegeUser},
		{UserDataSegment, PrivilegeUser},
	}

	for specIndex, spec := range specs {
		if !spec.descr.Present() {
			t.Errorf("[spec %d] expected descriptor to be present", specIndex)
		}
		if got := spec.descr.PrivilegeLevel(); got != spec.exp {
			t.Errorf("[spec %d] expected DPL %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestSelector(t *testing.T) {
	sel := NewSelector(5, PrivilegeUser)
	if sel != 0x2b {
		t.Fatalf("expected selector to be 0x2b; got 0x%x", uint16(sel))
	}

	if sel.Index() != 5 || sel.RPL() != PrivilegeUser {
		t.Fatalf("expected index 5 and RPL 3; got %d and %d", sel.Index(), sel.RPL())
	}
}

func TestTaskStateBounds(t *testing.T) {
	var tss TaskState

	tss.SetPrivilegeStack(3, 0x1000)
	tss.SetInterruptStack(0, 0x1000)
	tss.SetInterruptStack(8, 0x1000)
	if tss != (TaskState{}) {
		t.Fatal("expected out of range stack indices to be ignored")
	}

	tss.SetInterruptStack(7, 0xffff800000001000)
	if got := tss.InterruptStack(7); got != 0xffff800000001000 {
		t.Fatalf("expected IST7 to be 0xffff800000001000; got 0x%x", got)
	}

	// IST7 occupies bytes 84-91 of the TSS
	if tss[21] != 0x00001000 || tss[22] != 0xffff8000 {
		t.Fatalf("expected IST7 to be stored at byte offset 84; got words 0x%x 0x%x", tss[21], tss[22])
	}

	if exp := uintptr(104); unsafe.Sizeof(tss) != exp {
		t.Fatalf("expected TSS size to be %d; got %d", exp, unsafe.Sizeof(tss))
	}
}
