// Package bootinfo defines the boot contract between the bootloader glue code
// and the memory managers: a read-only list of physical memory regions and the
// virtual offset at which the whole physical address space is mapped.
package bootinfo

import (
	"ringos/kernel"
	"ringos/kernel/hal/multiboot"
	"ringos/kernel/mm"
)

// maxRegions is the capacity of a MemoryMap. The map is populated before any
// dynamic memory is available so its storage is fixed.
const maxRegions = 64

// RegionType classifies a physical memory region.
type RegionType uint8

const (
	// RegionUsable marks memory that the kernel may hand out as frames.
	RegionUsable RegionType = iota

	// RegionReserved marks memory that must not be touched.
	RegionReserved
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	default:
		return "reserved"
	}
}

var (
	// ErrMemoryMapFull is returned by MemoryMap.Add when the map already
	// holds maxRegions entries.
	ErrMemoryMapFull = &kernel.Error{Module: "bootinfo", Message: "memory map capacity exceeded"}
)

// MemoryRegion describes the physical range [Start, End).
type MemoryRegion struct {
	Start mm.PhysAddr
	End   mm.PhysAddr
	Type  RegionType
}

// Size returns the region length in bytes. Malformed regions whose end lies
// before their start report a zero size.
func (r MemoryRegion) Size() uintptr {
	if r.End <= r.Start {
		return 0
	}
	return uintptr(r.End - r.Start)
}

// MemoryMap is an ordered, fixed-capacity list of memory regions.
type MemoryMap struct {
	regions [maxRegions]MemoryRegion
	count   int
}

// Add appends a region to the map.
func (m *MemoryMap) Add(region MemoryRegion) *kernel.Error {
	if m.count == maxRegions {
		return ErrMemoryMapFull
	}

	m.regions[m.count] = region
	m.count++
	return nil
}

// Regions returns the regions in the order they were added. The returned
// slice aliases the map storage and must not be modified.
func (m *MemoryMap) Regions() []MemoryRegion {
	return m.regions[:m.count]
}

// Len returns the number of regions in the map.
func (m *MemoryMap) Len() int {
	return m.count
}

// UsableBytes returns the total size of all usable regions.
func (m *MemoryMap) UsableBytes() uint64 {
	var total uint64
	for _, region := range m.Regions() {
		if region.Type == RegionUsable {
			total += uint64(region.Size())
		}
	}
	return total
}

// Info bundles everything the core needs from the bootloader.
type Info struct {
	// MemoryMap lists the physical memory regions reported by firmware.
	MemoryMap MemoryMap

	// PhysicalMemoryOffset is the virtual address at which physical
	// address 0 is mapped. Every physical address p is reachable at
	// PhysicalMemoryOffset + p.
	PhysicalMemoryOffset uintptr
}

var (
	// The following functions are mocked by tests.
	visitMemRegionsFn = multiboot.VisitMemRegions
	setInfoPtrFn      = multiboot.SetInfoPtr
)

// FromMultiboot populates info with the memory map reported by a multiboot2
// compliant bootloader. Only MemAvailable entries are treated as usable.
//
// multibootInfoPtr is the physical address handed over by the bootloader;
// the payload is read through the physical memory mapping at physOffset.
func FromMultiboot(info *Info, multibootInfoPtr, physOffset uintptr) *kernel.Error {
	var err *kernel.Error

	setInfoPtrFn(uintptr(mm.PhysToVirt(physOffset, mm.PhysAddr(multibootInfoPtr))))
	info.PhysicalMemoryOffset = physOffset
	info.MemoryMap = MemoryMap{}

	visitMemRegionsFn(func(entry *multiboot.MemoryMapEntry) bool {
		regionType := RegionReserved
		if entry.Type == multiboot.MemAvailable {
			regionType = RegionUsable
		}

		err = info.MemoryMap.Add(MemoryRegion{
			Start: mm.PhysAddr(entry.PhysAddress),
			End:   mm.PhysAddr(entry.PhysAddress + entry.Length),
			Type:  regionType,
		})
		return err == nil
	})

	return err
}
