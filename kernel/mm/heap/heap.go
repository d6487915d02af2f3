// Package heap maps the kernel heap region and manages dynamic allocations
// inside it.
package heap

import (
	"ringos/kernel"
	"ringos/kernel/kfmt"
	"ringos/kernel/mm"
	"ringos/kernel/mm/vmm"
	"ringos/kernel/sync"
	"unsafe"
)

const (
	// Start is the virtual address where the heap region begins.
	Start = mm.VirtAddr(0x4444_4444_0000)

	// Size is the size of the heap region in bytes.
	Size = 100 * 1024

	// pageFlags are applied to every page of the heap region.
	pageFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
)

var (
	// ErrHeapAlreadyInitialized is returned by Init once the heap region
	// has been handed to the allocator.
	ErrHeapAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap already initialized"}

	// ErrOutOfHeap is returned when no free block can satisfy an
	// allocation request.
	ErrOutOfHeap = &kernel.Error{Module: "heap", Message: "out of heap memory"}

	// ErrInvalidRequest is returned for zero-sized allocations, alignments
	// that are not a power of two and frees of memory outside the heap.
	ErrInvalidRequest = &kernel.Error{Module: "heap", Message: "invalid allocation request"}

	kernelHeap  Heap
	initialized bool
)

// Mapper is implemented by types that can map a range of pages atomically:
// either every page is mapped or none is.
type Mapper interface {
	MapRangeFrom(alloc mm.FrameAllocator, start mm.Page, count int, flags vmm.PageTableEntryFlag) *kernel.Error
}

// Init backs every page of the heap region with a frame obtained from alloc
// and maps it present, writable and non-executable. The mapping is all or
// nothing: on failure no heap page is left mapped, the error is returned and
// the heap remains uninitialized. On success the region is handed to the
// kernel heap allocator.
//
// Init can succeed only once. Subsequent calls return
// ErrHeapAlreadyInitialized without modifying any mapping.
func Init(m Mapper, alloc mm.FrameAllocator) (*Heap, *kernel.Error) {
	if initialized {
		return nil, ErrHeapAlreadyInitialized
	}

	var (
		startPage = mm.PageFromAddress(Start)
		pageCount = mm.PageCount(Size)
	)

	if err := m.MapRangeFrom(alloc, startPage, int(pageCount), pageFlags); err != nil {
		return nil, err
	}

	kernelHeap.reset(uintptr(Start), Size)
	initialized = true

	kfmt.Printf("[heap] mapped %d pages at 0x%x (%d bytes)\n", uint64(pageCount), uint64(Start), uint64(Size))
	return &kernelHeap, nil
}

// blockAlign is the granularity of all allocations. Every block start and
// size is a multiple of it so that a free block header always fits into
// the space left over by a split.
const blockAlign = unsafe.Sizeof(freeBlock{})

// freeBlock is the header stored at the beginning of each free block. The
// free list is kept sorted by address.
type freeBlock struct {
	size uintptr
	next uintptr
}

func blockAt(addr uintptr) *freeBlock {
	return (*freeBlock)(unsafe.Pointer(addr))
}

// Heap is a first-fit free list allocator. Free list nodes are stored inside
// the free memory itself. The region is not touched until the first
// allocation or release.
type Heap struct {
	mu sync.Spinlock

	start, end uintptr
	head       uintptr
	seeded     bool
}

func (h *Heap) reset(start, size uintptr) {
	*h = Heap{
		start: alignUp(start, blockAlign),
		end:   (start + size) &^ (blockAlign - 1),
	}
}

func (h *Heap) seed() {
	if h.seeded {
		return
	}

	h.seeded = true
	if h.end > h.start {
		*blockAt(h.start) = freeBlock{size: h.end - h.start}
		h.head = h.start
	}
}

// Alloc reserves size bytes aligned to align, which must be a power of two,
// and returns the address of the reserved memory.
func (h *Heap) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if size == 0 || align&(align-1) != 0 {
		return 0, ErrInvalidRequest
	}

	if align < blockAlign {
		align = blockAlign
	}
	if size = alignUp(size, blockAlign); size == 0 {
		return 0, ErrOutOfHeap
	}

	h.mu.Acquire()
	defer h.mu.Release()
	h.seed()

	for prev, cur := uintptr(0), h.head; cur != 0; prev, cur = cur, blockAt(cur).next {
		var (
			block      = blockAt(cur)
			blockEnd   = cur + block.size
			allocStart = alignUp(cur, align)
			allocEnd   = allocStart + size
		)

		if allocEnd < allocStart || allocEnd > blockEnd {
			continue
		}

		// Both remainders are multiples of blockAlign so they are either
		// empty or large enough to hold a header.
		next := block.next
		if allocEnd < blockEnd {
			*blockAt(allocEnd) = freeBlock{size: blockEnd - allocEnd, next: next}
			next = allocEnd
		}

		if allocStart > cur {
			block.size = allocStart - cur
			block.next = next
		} else {
			h.setNext(prev, next)
		}

		return allocStart, nil
	}

	return 0, ErrOutOfHeap
}

// Free returns the size bytes at addr, previously obtained from Alloc with
// the same size, to the heap. Adjacent free blocks are merged.
func (h *Heap) Free(addr, size uintptr) *kernel.Error {
	size = alignUp(size, blockAlign)
	if size == 0 || addr&(blockAlign-1) != 0 || addr < h.start || addr+size > h.end || addr+size < addr {
		return ErrInvalidRequest
	}

	h.mu.Acquire()
	defer h.mu.Release()
	h.seed()

	// Locate the free blocks surrounding addr
	prev, next := uintptr(0), h.head
	for next != 0 && next < addr {
		prev, next = next, blockAt(next).next
	}

	if (prev != 0 && prev+blockAt(prev).size > addr) || (next != 0 && addr+size > next) {
		return ErrInvalidRequest
	}

	*blockAt(addr) = freeBlock{size: size, next: next}
	h.setNext(prev, addr)

	if next != 0 && addr+size == next {
		blockAt(addr).size += blockAt(next).size
		blockAt(addr).next = blockAt(next).next
	}

	if prev != 0 && prev+blockAt(prev).size == addr {
		blockAt(prev).size += blockAt(addr).size
		blockAt(prev).next = blockAt(addr).next
	}

	return nil
}

// FreeBytes returns the total size of all free blocks.
func (h *Heap) FreeBytes() uintptr {
	h.mu.Acquire()
	defer h.mu.Release()

	if !h.seeded {
		if h.end > h.start {
			return h.end - h.start
		}
		return 0
	}

	var total uintptr
	for cur := h.head; cur != 0; cur = blockAt(cur).next {
		total += blockAt(cur).size
	}
	return total
}

func (h *Heap) setNext(prev, next uintptr) {
	if prev == 0 {
		h.head = next
		return
	}
	blockAt(prev).next = next
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
