// Package vmm manages the 4-level amd64 page tables of the active address
// space. Page tables are reached through the region where the bootloader
// mapped the entire physical address space, so no recursive P4 entry is
// required.
package vmm

import (
	"ringos/kernel"
	"ringos/kernel/cpu"
	"ringos/kernel/mm"
	"unsafe"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// readEFERFn is used by tests to override calls to cpu.ReadEFER which
	// will cause a fault if called in user-mode.
	readEFERFn = cpu.ReadEFER

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrMapConflict is returned when attempting to map a page that is
	// already mapped. Remapping is not supported.
	ErrMapConflict = &kernel.Error{Module: "vmm", Message: "page is already mapped"}

	// ErrFrameAllocationFailed is returned when the frame allocator hands
	// back an invalid frame without reporting a reason. Errors reported by
	// the allocator itself are returned unchanged.
	ErrFrameAllocationFailed = &kernel.Error{Module: "vmm", Message: "frame allocation failed"}

	// ErrNonCanonicalAddress is returned when a page address does not
	// follow the amd64 canonical address form.
	ErrNonCanonicalAddress = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Mapper establishes virtual to physical mappings in a page table hierarchy.
// Missing intermediate tables are allocated on demand from a frame
// allocator.
type Mapper struct {
	physOffset uintptr
	p4Frame    mm.Frame
	alloc      mm.FrameAllocator

	// active is set when p4Frame is the table loaded in CR3 and stale TLB
	// entries must be invalidated after each change.
	active bool

	// noExecute is set when the CPU honors FlagNoExecute. Otherwise bit 63
	// is reserved and Map strips it.
	noExecute bool
}

// NewMapper returns a Mapper for the currently active page table hierarchy.
// physOffset is the virtual address where the bootloader mapped physical
// address 0. FlagNoExecute is only applied if the no-execute enable bit is
// set in EFER; when it is clear the flag is silently dropped since setting
// the reserved bit would turn every access to the page into a page fault.
func NewMapper(physOffset uintptr, alloc mm.FrameAllocator) *Mapper {
	return &Mapper{
		physOffset: physOffset,
		p4Frame:    mm.FrameFromAddress(mm.PhysAddr(activePDTFn())),
		alloc:      alloc,
		active:     true,
		noExecute:  readEFERFn()&cpu.EFERNoExecute != 0,
	}
}

// NewInactiveMapper returns a Mapper for the hierarchy rooted at p4Frame.
// The hierarchy is not assumed to be loaded in CR3 so no TLB entries are
// invalidated while it is modified. The caller must ensure that p4Frame
// contains a valid (e.g. zeroed) top-level table. FlagNoExecute is kept as
// supplied; the hierarchy must only be loaded on a CPU with EFER.NXE set.
func NewInactiveMapper(physOffset uintptr, p4Frame mm.Frame, alloc mm.FrameAllocator) *Mapper {
	return &Mapper{
		physOffset: physOffset,
		p4Frame:    p4Frame,
		alloc:      alloc,
		noExecute:  true,
	}
}

// NoExecute reports whether Map applies FlagNoExecute.
func (m *Mapper) NoExecute() bool {
	return m.noExecute
}

// PhysicalMemoryOffset returns the virtual address where physical address 0
// is mapped.
func (m *Mapper) PhysicalMemoryOffset() uintptr {
	return m.physOffset
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Calls to Map will use the mapper's frame allocator to initialize
// missing page tables at each paging level supported by the MMU. Tables that
// lead to a user-accessible page are marked user-accessible as well.
//
// Attempts to map a page that is already present fail with ErrMapConflict.
func (m *Mapper) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if !page.Address().IsCanonical() {
		return ErrNonCanonicalAddress
	}

	if !m.noExecute {
		flags &^= FlagNoExecute
	}

	var (
		err        *kernel.Error
		tableFlags = flags & (FlagRW | FlagUserAccessible)
	)

	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrMapConflict
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			m.flushTLBEntry(page.Address())
			return true
		}

		if pte.HasFlags(FlagPresent | FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = m.alloc.AllocFrame(); err != nil {
				return false
			} else if !newTableFrame.Valid() {
				err = ErrFrameAllocationFailed
				return false
			}

			kernel.Memset(uintptr(mm.PhysToVirt(m.physOffset, newTableFrame.Address())), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		pte.SetFlags(tableFlags)
		return true
	})

	return err
}

// MapRange allocates a frame for each of the count pages starting at start
// and maps it using the supplied flags. MapRange either maps all pages or
// none: if any allocation or mapping fails, the pages mapped so far are
// unmapped before the error is returned. Frames backing rolled back pages
// are not returned to the allocator.
func (m *Mapper) MapRange(start mm.Page, count int, flags PageTableEntryFlag) *kernel.Error {
	return m.MapRangeFrom(m.alloc, start, count, flags)
}

// MapRangeFrom behaves like MapRange but backs the pages with frames
// obtained from alloc. Missing page tables are still allocated from the
// mapper's own allocator.
func (m *Mapper) MapRangeFrom(alloc mm.FrameAllocator, start mm.Page, count int, flags PageTableEntryFlag) *kernel.Error {
	var (
		frame mm.Frame
		err   *kernel.Error
	)

	for i := 0; i < count; i++ {
		if frame, err = alloc.AllocFrame(); err == nil {
			if !frame.Valid() {
				err = ErrFrameAllocationFailed
			} else {
				err = m.Map(start+mm.Page(i), frame, flags)
			}
		}

		if err != nil {
			for page := start; page < start+mm.Page(i); page++ {
				_ = m.Unmap(page)
			}
			return err
		}
	}

	return nil
}

// Unmap removes a mapping previously installed via a call to Map.
func (m *Mapper) Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// Next table or the page itself is not present; this is an
		// invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			m.flushTLBEntry(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	pte, level, err := m.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address. Huge pages cover the
	// address bits of all levels below the one where the walk ended.
	offsetMask := uintptr(1)<<pageLevelShifts[level] - 1
	physAddr := (uintptr(pte) & ptePhysPageMask &^ offsetMask) + (uintptr(virtAddr) & offsetMask)
	return mm.PhysAddr(physAddr), nil
}

// Flags returns the flags of the entry that maps page or ErrInvalidMapping if
// the page is not mapped.
func (m *Mapper) Flags(page mm.Page) (PageTableEntryFlag, *kernel.Error) {
	pte, _, err := m.pteForAddress(page.Address())
	if err != nil {
		return 0, err
	}

	return pte.Flags(), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr mm.VirtAddr) uintptr {
	return uintptr(virtAddr) & (mm.PageSize - 1)
}

// pteForAddress returns the final page table entry that correspond to a
// particular virtual address together with the level where the walk ended.
// The function performs a page table walk till it reaches the final page
// table entry or a huge page entry, returning ErrInvalidMapping if the page is
// not present.
func (m *Mapper) pteForAddress(virtAddr mm.VirtAddr) (pageTableEntry, uint8, *kernel.Error) {
	var (
		err        = ErrInvalidMapping
		entry      pageTableEntry
		entryLevel uint8
	)

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 || (pteLevel > 0 && pte.HasFlags(FlagHugePage)) {
			entry, entryLevel, err = *pte, pteLevel, nil
			return false
		}

		return true
	})

	return entry, entryLevel, err
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// suppplied walkFn with the page table entry that corresponds to each page
// table level. The walk descends into the table referenced by each entry so
// walkFn must return false unless the entry is present.
func (m *Mapper) walk(virtAddr mm.VirtAddr, walkFn pageTableWalker) {
	var (
		table      = m.table(m.p4Frame)
		entryIndex uintptr
		pte        *pageTableEntry
	)

	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (uintptr(virtAddr) >> pageLevelShifts[level]) & (entriesPerTable - 1)
		pte = &table[entryIndex]

		if !walkFn(level, pte) || level == pageLevels-1 {
			return
		}

		table = m.table(pte.Frame())
	}
}

// table returns the page table stored in frame, accessed through the
// physical memory mapping.
func (m *Mapper) table(frame mm.Frame) *pageTable {
	return (*pageTable)(unsafe.Pointer(uintptr(mm.PhysToVirt(m.physOffset, frame.Address()))))
}

func (m *Mapper) flushTLBEntry(virtAddr mm.VirtAddr) {
	if m.active {
		flushTLBEntryFn(uintptr(virtAddr))
	}
}
