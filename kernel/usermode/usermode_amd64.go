// Package usermode maps a user program and performs the one-way privilege
// drop from ring 0 to ring 3.
package usermode

import (
	"io"
	"ringos/kernel"
	"ringos/kernel/cpu"
	"ringos/kernel/gdt"
	"ringos/kernel/kfmt"
	"ringos/kernel/mm"
	"ringos/kernel/mm/vmm"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
)

const (
	// EntryAddr is the virtual address where the user program is loaded.
	EntryAddr = mm.VirtAddr(0x40_0000)

	// StackTop is the initial user stack pointer.
	StackTop = mm.VirtAddr(0x80_0000)

	// StackPages is the number of pages mapped below StackTop.
	StackPages = 4

	codeFlags  = vmm.FlagPresent | vmm.FlagUserAccessible
	stackFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible | vmm.FlagNoExecute

	maxInstructionLen = 15
)

// DefaultProgram spins forever at its entry point (jmp $).
var DefaultProgram = []byte{0xeb, 0xfe}

var (
	// ErrEmptyImage is returned by MapImage when the program has no code.
	ErrEmptyImage = &kernel.Error{Module: "usermode", Message: "user program image is empty"}

	// ErrEntryNotMapped is returned by Enter when the entry point or the
	// user stack is not backed by a present, user-accessible page.
	ErrEntryNotMapped = &kernel.Error{Module: "usermode", Message: "user entry point or stack is not mapped"}

	// ErrBadSelector is returned by Enter when the user code or data
	// selector does not request ring 3.
	ErrBadSelector = &kernel.Error{Module: "usermode", Message: "user segment selectors must have RPL 3"}

	// ErrInvalidEntryCode is returned by Enter when the bytes at the entry
	// point do not decode to a valid instruction.
	ErrInvalidEntryCode = &kernel.Error{Module: "usermode", Message: "user entry point does not contain a valid instruction"}

	errTransitionReturned = &kernel.Error{Module: "usermode", Message: "returned from user mode transition"}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readRFlagsFn = cpu.ReadRFlags
	enterFn      = enterUserMode
	panicFn      = kfmt.Panic
)

// MapImage copies program into freshly allocated frames mapped at EntryAddr
// as read-only, executable user pages and maps StackPages writable,
// non-executable user pages below StackTop. Code frames are obtained from
// alloc; stack frames from the mapper's allocator.
//
// A failure leaves the pages mapped so far in place; callers treat it as
// fatal.
func MapImage(m *vmm.Mapper, alloc mm.FrameAllocator, program []byte) (entry, stackTop mm.VirtAddr, err *kernel.Error) {
	if len(program) == 0 {
		return 0, 0, ErrEmptyImage
	}

	var (
		entryPage = mm.PageFromAddress(EntryAddr)
		pageCount = mm.PageCount(uintptr(len(program)))
		frame     mm.Frame
	)

	for i := uintptr(0); i < pageCount; i++ {
		if frame, err = alloc.AllocFrame(); err != nil {
			return 0, 0, err
		} else if !frame.Valid() {
			return 0, 0, vmm.ErrFrameAllocationFailed
		}

		// The code pages are read-only so the program is copied through
		// the physical memory mapping.
		dst := uintptr(mm.PhysToVirt(m.PhysicalMemoryOffset(), frame.Address()))
		kernel.Memset(dst, 0, mm.PageSize)
		chunk := program[i*mm.PageSize:]
		if uintptr(len(chunk)) > mm.PageSize {
			chunk = chunk[:mm.PageSize]
		}
		kernel.Memcopy(uintptr(unsafe.Pointer(&chunk[0])), dst, uintptr(len(chunk)))

		if err = m.Map(entryPage+mm.Page(i), frame, codeFlags); err != nil {
			return 0, 0, err
		}
	}

	stackStart := mm.PageFromAddress(StackTop) - StackPages
	if err = m.MapRange(stackStart, StackPages, stackFlags); err != nil {
		return 0, 0, err
	}

	kfmt.Printf("[usermode] mapped %d byte image at 0x%x; stack: [0x%x - 0x%x]\n",
		uint64(len(program)), uint64(EntryAddr), uint64(stackStart.Address()), uint64(StackTop),
	)

	return EntryAddr, StackTop, nil
}

// Enter drops to ring 3 and resumes execution at entry with the stack
// pointer set to stackTop. Enter verifies that entry and the word below
// stackTop are mapped as user-accessible pages and that the user selectors
// request ring 3; it returns an error only if one of these checks fails.
//
// Otherwise Enter never returns: no path from user mode back into the
// calling kernel code exists.
func Enter(m *vmm.Mapper, sel gdt.Selectors, entry, stackTop mm.VirtAddr) *kernel.Error {
	if sel.UserCode.RPL() != gdt.PrivilegeUser || sel.UserData.RPL() != gdt.PrivilegeUser {
		return ErrBadSelector
	}

	if !userAccessible(m, entry, 0) || !userAccessible(m, stackTop-1, vmm.FlagRW) {
		return ErrEntryNotMapped
	}

	code := entryCode(m, entry)
	if err := Describe(kfmt.TryWriter{}, code, entry); err != nil {
		return err
	}

	frame := NewFrame(sel, entry, stackTop, readRFlagsFn())
	kfmt.Printf("[usermode] entering ring 3: rip: 0x%x, cs: 0x%x, rsp: 0x%x, ss: 0x%x, rflags: 0x%x\n",
		frame.RIP, frame.CS, frame.RSP, frame.SS, frame.RFlags,
	)

	enterFn(&frame)
	panicFn(errTransitionReturned)
	return nil
}

// Describe writes the GNU assembler representation of the first instruction
// in code, located at address pc, to w. It returns ErrInvalidEntryCode if
// code does not start with a valid 64-bit instruction.
func Describe(w io.Writer, code []byte, pc mm.VirtAddr) *kernel.Error {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return ErrInvalidEntryCode
	}

	kfmt.Fprintf(w, "[usermode] entry instruction: 0x%x: %s\n", uint64(pc), x86asm.GNUSyntax(inst, uint64(pc), nil))
	return nil
}

func userAccessible(m *vmm.Mapper, addr mm.VirtAddr, extra vmm.PageTableEntryFlag) bool {
	required := vmm.FlagPresent | vmm.FlagUserAccessible | extra
	flags, err := m.Flags(mm.PageFromAddress(addr))
	return err == nil && flags&required == required
}

// entryCode returns the bytes at entry up to the maximum instruction length
// or the end of its page, read through the physical memory mapping.
func entryCode(m *vmm.Mapper, entry mm.VirtAddr) []byte {
	physAddr, err := m.Translate(entry)
	if err != nil {
		return nil
	}

	n := mm.PageSize - vmm.PageOffset(entry)
	if n > maxInstructionLen {
		n = maxInstructionLen
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(mm.PhysToVirt(m.PhysicalMemoryOffset(), physAddr)))), n)
}

// enterUserMode pushes frame onto the current stack in hardware order, loads
// the user data selector into DS and ES and executes IRETQ.
func enterUserMode(frame *Frame)
