// Package pmm implements the physical frame allocator used while the kernel
// boots.
package pmm

import (
	"io"
	"ringos/kernel"
	"ringos/kernel/hal/bootinfo"
	"ringos/kernel/kfmt"
	"ringos/kernel/mm"
	"ringos/kernel/sync"
)

var (
	// ErrFrameExhausted is returned when every usable frame described by
	// the memory map has already been handed out.
	ErrFrameExhausted = &kernel.Error{Module: "pmm", Message: "out of physical frames"}
)

// BootMemAllocator implements a rudimentary physical memory allocator which
// is used to bootstrap the kernel.
//
// The allocator walks the usable regions of the bootloader memory map in
// order and returns the next 4 KiB frame each time AllocFrame is invoked.
// Region bounds that are not page aligned are trimmed to whole frames and
// frames already covered by an earlier usable region are skipped, so
// overlapping entries in a malformed map never yield a frame twice.
// Allocations are tracked via a cursor that only moves forward so frames can
// never be freed. Once the last usable frame has been
// allocated every subsequent call fails with ErrFrameExhausted.
type BootMemAllocator struct {
	mu sync.Spinlock

	mmap *bootinfo.MemoryMap

	// regionIndex is the index of the region that the cursor points to.
	regionIndex int

	// regionEntered is set once nextFrame has been positioned inside the
	// region at regionIndex.
	regionEntered bool

	// nextFrame is the next candidate frame within the current region.
	nextFrame mm.Frame

	// allocCount tracks the total number of allocated frames.
	allocCount uint64
}

// NewBootMemAllocator returns an allocator that serves frames out of the
// usable regions in mmap. The memory map is never modified.
func NewBootMemAllocator(mmap *bootinfo.MemoryMap) *BootMemAllocator {
	return &BootMemAllocator{mmap: mmap}
}

// AllocFrame reserves the next available free frame. It returns
// ErrFrameExhausted if no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	regions := alloc.mmap.Regions()
	for ; alloc.regionIndex < len(regions); alloc.regionIndex, alloc.regionEntered = alloc.regionIndex+1, false {
		startFrame, endFrame, ok := frameRange(regions[alloc.regionIndex])
		if !ok {
			continue
		}

		if !alloc.regionEntered {
			alloc.nextFrame = startFrame
			alloc.regionEntered = true
		}

		alloc.nextFrame = skipClaimed(regions[:alloc.regionIndex], alloc.nextFrame)
		if alloc.nextFrame < endFrame {
			frame := alloc.nextFrame
			alloc.nextFrame++
			alloc.allocCount++
			return frame, nil
		}
	}

	return mm.InvalidFrame, ErrFrameExhausted
}

// frameRange returns the whole frames [start, end) covered by region. It
// reports false for reserved regions, for regions with inverted bounds and
// for regions that contain no whole frame.
func frameRange(region bootinfo.MemoryRegion) (start, end mm.Frame, ok bool) {
	if region.Type != bootinfo.RegionUsable || region.End <= region.Start {
		return 0, 0, false
	}

	// Reported addresses may not be page-aligned; round up to get the start
	// frame and round down to get the (exclusive) end frame. A start address
	// inside the last page of the address space cannot be rounded up.
	if region.Start > ^mm.PhysAddr(0)-mm.PhysAddr(mm.PageSize-1) {
		return 0, 0, false
	}

	start = mm.FrameFromAddress(region.Start + mm.PhysAddr(mm.PageSize-1))
	end = mm.FrameFromAddress(region.End)
	return start, end, start < end
}

// skipClaimed advances frame past every earlier usable region that contains
// it. Earlier regions are exhausted before the cursor moves on, so their
// frames have already been handed out.
func skipClaimed(earlier []bootinfo.MemoryRegion, frame mm.Frame) mm.Frame {
	for moved := true; moved; {
		moved = false
		for _, region := range earlier {
			if start, end, ok := frameRange(region); ok && start <= frame && frame < end {
				frame, moved = end, true
			}
		}
	}

	return frame
}

// AllocatedFrames returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocatedFrames() uint64 {
	alloc.mu.Acquire()
	defer alloc.mu.Release()
	return alloc.allocCount
}

// PrintMemoryMap writes the system memory map and the amount of usable
// memory to w.
func (alloc *BootMemAllocator) PrintMemoryMap(w io.Writer) {
	pw := kfmt.PrefixWriter{Sink: w, Module: "pmm"}

	kfmt.Fprintf(&pw, "system memory map:\n")
	for _, region := range alloc.mmap.Regions() {
		kfmt.Fprintf(&pw, "  [0x%10x - 0x%10x], size: %10d, type: %s\n",
			uint64(region.Start), uint64(region.End), uint64(region.Size()), region.Type.String(),
		)
	}
	kfmt.Fprintf(&pw, "available memory: %dKb\n", alloc.mmap.UsableBytes()/1024)
}
