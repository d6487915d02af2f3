package kfmt

import (
	"bytes"
	"errors"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		descr  string
		writes []string
		exp    string
	}{
		{
			"no output",
			[]string{""},
			"",
		},
		{
			"memory map header",
			[]string{"system memory map:\n"},
			"[pmm] system memory map:\n",
		},
		{
			"line assembled from formatted fragments",
			[]string{"  [0x", "0000000000", " - 0x", "000009fc00", "], size: ", "    654336", ", type: ", "usable", "\n"},
			"[pmm]   [0x0000000000 - 0x000009fc00], size:     654336, type: usable\n",
		},
		{
			"several lines in one write",
			[]string{"system memory map:\n  [0x0000100000 - 0x0007fe0000]\navailable memory: 130559Kb\n"},
			"[pmm] system memory map:\n[pmm]   [0x0000100000 - 0x0007fe0000]\n[pmm] available memory: 130559Kb\n",
		},
		{
			"empty lines are tagged",
			[]string{"\n\n"},
			"[pmm] \n[pmm] \n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			var (
				buf bytes.Buffer
				w   = PrefixWriter{Sink: &buf, Module: "pmm"}
			)

			for _, input := range spec.writes {
				wrote, err := w.Write([]byte(input))
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}

				if wrote != len(input) {
					t.Fatalf("expected writer to report %d bytes; got %d", len(input), wrote)
				}
			}

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected output:\n%q\ngot:\n%q", spec.exp, got)
			}
		})
	}
}

func TestPrefixWriterWithFprintf(t *testing.T) {
	var (
		buf bytes.Buffer
		w   = PrefixWriter{Sink: &buf, Module: "usermode"}
	)

	Fprintf(&w, "mapped %d byte image at 0x%x\n", uint64(2), uint64(0x400000))
	Fprintf(&w, "entry instruction: %s\n", "jmp 0x400000")

	exp := "[usermode] mapped 2 byte image at 0x400000\n[usermode] entry instruction: jmp 0x400000\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected output:\n%q\ngot:\n%q", exp, got)
	}
}

func TestPrefixWriterErrors(t *testing.T) {
	expErr := errors.New("console unavailable")

	specs := []string{
		"available memory: 130559Kb",
		"system memory map:\n  [0x0000100000 - 0x0007fe0000]\n",
	}

	for specIndex, spec := range specs {
		w := PrefixWriter{Sink: failingWriter{expErr}, Module: "pmm"}
		if _, err := w.Write([]byte(spec)); err != expErr {
			t.Errorf("[spec %d] expected error: %v; got %v", specIndex, expErr, err)
		}
	}
}

type failingWriter struct {
	err error
}

func (w failingWriter) Write(_ []byte) (int, error) {
	return 0, w.err
}
