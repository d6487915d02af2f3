package gdt

import "unsafe"

// stackSize is the size of each statically allocated TSS stack (5 pages).
const stackSize = 5 * 4096

// TaskState is the 104-byte amd64 task state segment. Hardware task
// switching is not available in long mode; the TSS only supplies the stacks
// that the CPU switches to on privilege changes and on interrupts that
// request an interrupt stack table (IST) entry.
//
// The structure is declared as an array of 32-bit words since the 64-bit
// fields of the TSS are not naturally aligned.
type TaskState [26]uint32

const (
	tssRSPWord    = 1
	tssISTWord    = 9
	tssIOMapWord  = 25
	tssSize       = uint32(unsafe.Sizeof(TaskState{}))
	maxISTIndex   = 7
	maxPrivilege  = 2
	noIOMapOffset = uint16(tssSize)
)

// SetPrivilegeStack sets the stack pointer loaded when a privilege change
// to the supplied level (0-2) occurs.
func (t *TaskState) SetPrivilegeStack(level int, top uintptr) {
	if level < 0 || level > maxPrivilege {
		return
	}
	t.setQuad(tssRSPWord+2*level, uint64(top))
}

// PrivilegeStack returns the stack pointer for the supplied privilege level.
func (t *TaskState) PrivilegeStack(level int) uintptr {
	if level < 0 || level > maxPrivilege {
		return 0
	}
	return uintptr(t.quad(tssRSPWord + 2*level))
}

// SetInterruptStack sets the stack pointer for the 1-based IST entry index.
func (t *TaskState) SetInterruptStack(index int, top uintptr) {
	if index < 1 || index > maxISTIndex {
		return
	}
	t.setQuad(tssISTWord+2*(index-1), uint64(top))
}

// InterruptStack returns the stack pointer for the 1-based IST entry index.
func (t *TaskState) InterruptStack(index int) uintptr {
	if index < 1 || index > maxISTIndex {
		return 0
	}
	return uintptr(t.quad(tssISTWord + 2*(index-1)))
}

// SetIOMapBase sets the offset of the I/O permission bitmap. An offset at or
// beyond the TSS limit denies user access to all I/O ports.
func (t *TaskState) SetIOMapBase(offset uint16) {
	t[tssIOMapWord] = uint32(offset) << 16
}

// IOMapBase returns the offset of the I/O permission bitmap.
func (t *TaskState) IOMapBase() uint16 {
	return uint16(t[tssIOMapWord] >> 16)
}

func (t *TaskState) setQuad(word int, v uint64) {
	t[word] = uint32(v)
	t[word+1] = uint32(v >> 32)
}

func (t *TaskState) quad(word int) uint64 {
	return uint64(t[word]) | uint64(t[word+1])<<32
}

// stack is a statically allocated kernel stack.
type stack [stackSize / 8]uint64

// top returns the 16-byte aligned address just past the end of the stack.
func (s *stack) top() uintptr {
	return (uintptr(unsafe.Pointer(s)) + stackSize) &^ 15
}
