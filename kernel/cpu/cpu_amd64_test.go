package cpu

import "testing"

func TestActivePDT(t *testing.T) {
	defer func(origFn func() uintptr) {
		activePDTRawFn = origFn
	}(activePDTRawFn)

	specs := []struct {
		cr3 uintptr
		exp uintptr
	}{
		{0x1000, 0x1000},
		// PCID bits are stripped
		{0x1fff, 0x1000},
		// write-through and cache-disable bits are stripped
		{0xbadf000 | 0x18, 0xbadf000},
		// bits above MAXPHYADDR are stripped
		{0xfff0_0000_0020_1000, 0x0000_0000_0020_1000},
	}

	for specIndex, spec := range specs {
		activePDTRawFn = func() uintptr { return spec.cr3 }

		if got := ActivePDT(); got != spec.exp {
			t.Errorf("[spec %d] expected ActivePDT to return 0x%x; got 0x%x", specIndex, spec.exp, got)
		}
	}
}

func TestTablePointer(t *testing.T) {
	p := NewTablePointer(0xffff800000123450, 256*16)

	exp := TablePointer{0xff, 0x0f, 0x50, 0x34, 0x12, 0x00, 0x00, 0x80, 0xff, 0xff}
	if p != exp {
		t.Fatalf("expected encoded pointer to be % x; got % x", exp, p)
	}

	if got := p.Limit(); got != 0xfff {
		t.Errorf("expected limit to be 0xfff; got 0x%x", got)
	}

	if got := p.Base(); got != 0xffff800000123450 {
		t.Errorf("expected base to be 0xffff800000123450; got 0x%x", got)
	}
}
