package kfmt

import (
	"bytes"
	"errors"
	"ringos/kernel"
	"ringos/kernel/cpu"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		outputSink = nil
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	specs := []struct {
		descr string
		input interface{}
		exp   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			cpuHaltCalled = false
			buf.Reset()

			Panic(spec.input)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}

	t.Run("while output lock is held", func(t *testing.T) {
		cpuHaltCalled = false
		buf.Reset()

		outputLock.Acquire()
		defer outputLock.Release()

		Panic(&kernel.Error{Module: "test", Message: "locked"})

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}

		if buf.Len() == 0 {
			t.Fatal("expected panic banner to be written even though the lock was held")
		}
	})
}
