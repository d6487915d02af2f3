// Package mm defines the typed address boundary shared by the physical and
// virtual memory managers: physical and virtual addresses, the frames and
// pages that contain them and the single primitive that converts between the
// two address spaces.
package mm

import (
	"math"
	"ringos/kernel"
)

// PhysAddr is an address in the physical address space. It cannot be
// dereferenced directly; use PhysToVirt to obtain a usable address.
type PhysAddr uintptr

// VirtAddr is an address in the currently active virtual address space.
type VirtAddr uintptr

// IsPageAligned returns true if the address is a multiple of PageSize.
func (a PhysAddr) IsPageAligned() bool {
	return uintptr(a)&(PageSize-1) == 0
}

// IsPageAligned returns true if the address is a multiple of PageSize.
func (a VirtAddr) IsPageAligned() bool {
	return uintptr(a)&(PageSize-1) == 0
}

// IsCanonical returns true if bits 48-63 of the address are copies of bit 47
// as required by the amd64 4-level paging scheme.
func (a VirtAddr) IsCanonical() bool {
	upper := uintptr(a) >> (virtAddrBits - 1)
	return upper == 0 || upper == (math.MaxUint64>>(virtAddrBits-1))
}

// PhysToVirt returns the virtual address through which the physical address
// addr can be accessed, given that the bootloader mapped all physical memory
// at physOffset.
//
// This is the only place where a physical address becomes dereferenceable.
// The caller must ensure that addr lies inside memory that is covered by the
// bootloader's physical memory mapping.
func PhysToVirt(physOffset uintptr, addr PhysAddr) VirtAddr {
	return VirtAddr(physOffset + uintptr(addr))
}

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. This function can handle both page-aligned and not aligned
// addresses. in the latter case, the input address will be rounded down to
// the frame that contains it.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame((uintptr(physAddr) & ^(PageSize - 1)) >> PageShift)
}

// FrameAllocator is implemented by physical frame allocators. AllocFrame
// returns a frame that has never been handed out before or an error if the
// physical memory supply is exhausted.
type FrameAllocator interface {
	AllocFrame() (Frame, *kernel.Error)
}

// FrameAllocatorFn adapts a plain function to the FrameAllocator interface.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// AllocFrame implements FrameAllocator.
func (fn FrameAllocatorFn) AllocFrame() (Frame, *kernel.Error) { return fn() }

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() VirtAddr {
	return VirtAddr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr VirtAddr) Page {
	return Page((uintptr(virtAddr) & ^(PageSize - 1)) >> PageShift)
}

// PageCount returns the number of pages needed to cover size bytes starting
// at the page-aligned address start.
func PageCount(size uintptr) uintptr {
	return (size + PageSize - 1) >> PageShift
}
