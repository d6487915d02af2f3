package bootinfo

import (
	"ringos/kernel/hal/multiboot"
	"ringos/kernel/mm"
	"testing"
)

func TestMemoryMapAdd(t *testing.T) {
	var m MemoryMap

	for i := 0; i < maxRegions; i++ {
		if err := m.Add(MemoryRegion{Start: mm.PhysAddr(i * 0x1000), End: mm.PhysAddr((i + 1) * 0x1000)}); err != nil {
			t.Fatalf("[region %d] unexpected error: %v", i, err)
		}
	}

	if err := m.Add(MemoryRegion{}); err != ErrMemoryMapFull {
		t.Fatalf("expected to get ErrMemoryMapFull; got %v", err)
	}

	if exp, got := maxRegions, m.Len(); got != exp {
		t.Fatalf("expected map length to be %d; got %d", exp, got)
	}

	if exp, got := mm.PhysAddr(0x5000), m.Regions()[5].Start; got != exp {
		t.Fatalf("expected region 5 to start at 0x%x; got 0x%x", exp, got)
	}
}

func TestMemoryMapUsableBytes(t *testing.T) {
	var m MemoryMap
	_ = m.Add(MemoryRegion{Start: 0, End: 0x9fc00, Type: RegionUsable})
	_ = m.Add(MemoryRegion{Start: 0x9fc00, End: 0xa0000, Type: RegionReserved})
	_ = m.Add(MemoryRegion{Start: 0x100000, End: 0x200000, Type: RegionUsable})
	// malformed entries contribute nothing
	_ = m.Add(MemoryRegion{Start: 0x300000, End: 0x200000, Type: RegionUsable})

	if exp, got := uint64(0x9fc00+0x100000), m.UsableBytes(); got != exp {
		t.Fatalf("expected usable bytes to be 0x%x; got 0x%x", exp, got)
	}
}

func TestRegionTypeString(t *testing.T) {
	specs := []struct {
		input RegionType
		exp   string
	}{
		{RegionUsable, "usable"},
		{RegionReserved, "reserved"},
		{RegionType(42), "reserved"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestFromMultiboot(t *testing.T) {
	defer func() {
		visitMemRegionsFn = multiboot.VisitMemRegions
		setInfoPtrFn = multiboot.SetInfoPtr
		multiboot.SetInfoPtr(0)
	}()

	var infoPtr uintptr
	setInfoPtrFn = func(ptr uintptr) { infoPtr = ptr }

	t.Run("success", func(t *testing.T) {
		entries := []multiboot.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
			{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
			{PhysAddress: 0x100000, Length: 0x7ee0000, Type: multiboot.MemAvailable},
			{PhysAddress: 0x7fe0000, Length: 0x20000, Type: multiboot.MemAcpiReclaimable},
		}

		visitMemRegionsFn = func(visitor multiboot.MemRegionVisitor) {
			for i := range entries {
				if !visitor(&entries[i]) {
					return
				}
			}
		}

		var info Info
		if err := FromMultiboot(&info, 0xbadf00d, 0xffff800000000000); err != nil {
			t.Fatal(err)
		}

		if exp := uintptr(0xffff800000000000); info.PhysicalMemoryOffset != exp {
			t.Errorf("expected physical memory offset to be 0x%x; got 0x%x", exp, info.PhysicalMemoryOffset)
		}

		// The payload is read through the physical memory mapping
		if exp := uintptr(0xffff80000badf00d); infoPtr != exp {
			t.Errorf("expected multiboot payload to be read at 0x%x; got 0x%x", exp, infoPtr)
		}

		expRegions := []MemoryRegion{
			{Start: 0, End: 0x9fc00, Type: RegionUsable},
			{Start: 0x9fc00, End: 0xa0000, Type: RegionReserved},
			{Start: 0x100000, End: 0x7fe0000, Type: RegionUsable},
			{Start: 0x7fe0000, End: 0x8000000, Type: RegionReserved},
		}

		regions := info.MemoryMap.Regions()
		if len(regions) != len(expRegions) {
			t.Fatalf("expected %d regions; got %d", len(expRegions), len(regions))
		}

		for i, exp := range expRegions {
			if regions[i] != exp {
				t.Errorf("[region %d] expected %+v; got %+v", i, exp, regions[i])
			}
		}
	})

	t.Run("too many regions", func(t *testing.T) {
		visitCount := 0
		visitMemRegionsFn = func(visitor multiboot.MemRegionVisitor) {
			entry := multiboot.MemoryMapEntry{Length: 0x1000, Type: multiboot.MemAvailable}
			for visitor(&entry) {
				visitCount++
				entry.PhysAddress += 0x1000
			}
		}

		var info Info
		if err := FromMultiboot(&info, 0, 0); err != ErrMemoryMapFull {
			t.Fatalf("expected to get ErrMemoryMapFull; got %v", err)
		}

		if visitCount != maxRegions {
			t.Fatalf("expected visitor to accept %d regions; got %d", maxRegions, visitCount)
		}
	})
}
