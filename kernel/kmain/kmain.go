// Package kmain contains the ordered boot sequence of the kernel.
package kmain

import (
	"ringos/kernel"
	"ringos/kernel/cpu"
	"ringos/kernel/driver/vga"
	"ringos/kernel/gate"
	"ringos/kernel/gdt"
	"ringos/kernel/hal/bootinfo"
	"ringos/kernel/kfmt"
	"ringos/kernel/mm/heap"
	"ringos/kernel/mm/pmm"
	"ringos/kernel/mm/vmm"
	"ringos/kernel/usermode"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	console  vga.Writer
	bootInfo bootinfo.Info
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. It is invoked after rt0 has entered long mode with all
// physical memory mapped at physOffset and has set up a minimal g0 that
// allows Go code to run on the boot stack.
//
// multibootInfoPtr is the physical address of the multiboot information
// payload. EFER.NXE may be left clear by rt0; no-execute mappings are then
// created without the NX bit.
//
// Each subsystem is constructed explicitly, in dependency order, and handed
// to the subsystems that need it. Any failure is fatal. Kmain ends with the
// transition to user mode and never returns.
//
//go:noinline
func Kmain(multibootInfoPtr, physOffset uintptr) {
	// The interrupt controller is left unprogrammed so hardware interrupts
	// stay masked for the lifetime of the kernel.
	cpu.DisableInterrupts()

	console.Init(physOffset)
	kfmt.SetOutputSink(&console)

	console.SetColor(vga.White, vga.Black)
	kfmt.Printf("welcome.\n")
	console.SetColor(vga.LightGrey, vga.Black)

	if err := bootinfo.FromMultiboot(&bootInfo, multibootInfoPtr, physOffset); err != nil {
		kfmt.Panic(err)
	}

	allocator := pmm.NewBootMemAllocator(&bootInfo.MemoryMap)
	allocator.PrintMemoryMap(kfmt.GetOutputSink())

	mapper := vmm.NewMapper(bootInfo.PhysicalMemoryOffset, allocator)

	kernelHeap, err := heap.Init(mapper, allocator)
	if err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("[kmain] heap ready: %d bytes free\n", uint64(kernelHeap.FreeBytes()))

	tables := gdt.Init()
	idt := gate.Init(tables.Selectors())
	if err = mapper.InstallFaultHandlers(idt); err != nil {
		kfmt.Panic(err)
	}

	// The breakpoint handler reports the trap and resumes execution.
	cpu.Breakpoint()

	entry, stackTop, err := usermode.MapImage(mapper, allocator, usermode.DefaultProgram)
	if err != nil {
		kfmt.Panic(err)
	}

	kfmt.Printf("[kmain] %d frames allocated during boot\n", allocator.AllocatedFrames())

	if err = usermode.Enter(mapper, tables.Selectors(), entry, stackTop); err != nil {
		kfmt.Panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
