package usermode

import (
	"ringos/kernel/cpu"
	"ringos/kernel/gdt"
	"ringos/kernel/mm"
)

// Frame is the stack image consumed by IRETQ. Fields appear in ascending
// address order: RIP is popped first and SS last.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// NewFrame returns a frame that resumes execution at entry in ring 3 with
// the stack pointer set to stackTop. The supplied flags are sanitized: the
// I/O privilege level is cleared so user code cannot access ports and the
// always-one reserved bit is set.
func NewFrame(sel gdt.Selectors, entry, stackTop mm.VirtAddr, rflags uint64) Frame {
	return Frame{
		RIP:    uint64(entry),
		CS:     uint64(sel.UserCode),
		RFlags: rflags&^cpu.FlagIOPL | cpu.FlagReserved,
		RSP:    uint64(stackTop),
		SS:     uint64(sel.UserData),
	}
}

// PushOrder returns the frame words in the order they must be pushed onto
// the stack: SS, RSP, RFLAGS, CS and finally RIP.
func (f Frame) PushOrder() [5]uint64 {
	return [5]uint64{f.SS, f.RSP, f.RFlags, f.CS, f.RIP}
}

// FrameFromStack decodes a five-word stack image, where stack[0] is the word
// at the lowest address (the last one pushed), back into a Frame.
func FrameFromStack(stack [5]uint64) Frame {
	return Frame{
		RIP:    stack[0],
		CS:     stack[1],
		RFlags: stack[2],
		RSP:    stack[3],
		SS:     stack[4],
	}
}
