package kfmt

import (
	"ringos/kernel"
	"ringos/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return.
//
// Panic is reachable from interrupt handlers (e.g. the double fault handler)
// so it only tries to grab the output lock; if the lock is held by the
// interrupted context the banner is written without it. Printing over a
// half-written line is preferable to deadlocking with the system already
// going down.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	locked := outputLock.TryToAcquire()
	Fprintf(outputSink, "\n-----------------------------------\n")
	if err != nil {
		Fprintf(outputSink, "[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Fprintf(outputSink, "*** kernel panic: system halted ***")
	Fprintf(outputSink, "\n-----------------------------------\n")
	if locked {
		outputLock.Release()
	}

	cpuHaltFn()
}
