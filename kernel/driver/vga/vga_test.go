package vga

import "testing"

func newWriter(fb []uint16) *Writer {
	var w Writer
	w.init(fb)
	return &w
}

func cell(ch byte) uint16 {
	return uint16(LightGrey)<<8 | uint16(ch)
}

func TestWriterInit(t *testing.T) {
	fb := make([]uint16, width*height)
	for i := range fb {
		fb[i] = 0xdead
	}

	w := newWriter(fb)
	for i, v := range fb {
		if v != cell(' ') {
			t.Fatalf("expected cell %d to be cleared; got 0x%x", i, v)
		}
	}

	if x, y := w.Position(); x != 0 || y != 0 {
		t.Fatalf("expected cursor at (0, 0); got (%d, %d)", x, y)
	}
}

func TestWriterWrite(t *testing.T) {
	specs := []struct {
		input      string
		expX, expY uint16
		expCells   map[int]uint16
	}{
		{"ab", 2, 0, map[int]uint16{0: cell('a'), 1: cell('b')}},
		{"ab\rc", 1, 0, map[int]uint16{0: cell('c'), 1: cell('b')}},
		{"a\nb", 1, 1, map[int]uint16{0: cell('a'), width: cell('b')}},
		{"a\tb", 5, 0, map[int]uint16{0: cell('a'), 4: cell('b')}},
	}

	for specIndex, spec := range specs {
		w := newWriter(make([]uint16, width*height))

		n, err := w.Write([]byte(spec.input))
		if err != nil || n != len(spec.input) {
			t.Errorf("[spec %d] expected Write to consume %d bytes; got %d, %v", specIndex, len(spec.input), n, err)
		}

		if x, y := w.Position(); x != spec.expX || y != spec.expY {
			t.Errorf("[spec %d] expected cursor at (%d, %d); got (%d, %d)", specIndex, spec.expX, spec.expY, x, y)
		}

		for offset, exp := range spec.expCells {
			if got := w.fb[offset]; got != exp {
				t.Errorf("[spec %d] expected cell %d to be 0x%x; got 0x%x", specIndex, offset, exp, got)
			}
		}
	}
}

func TestWriterWrapAndScroll(t *testing.T) {
	w := newWriter(make([]uint16, width*height))

	// Fill every line with its index and wrap onto the next one
	for y := 0; y < height; y++ {
		line := make([]byte, width)
		for i := range line {
			line[i] = byte('A' + y)
		}
		w.Write(line)
	}

	// The last full line wrapped, scrolling the first line out
	if x, y := w.Position(); x != 0 || y != height-1 {
		t.Fatalf("expected cursor at (0, %d); got (%d, %d)", height-1, x, y)
	}

	if exp, got := cell('B'), w.fb[0]; got != exp {
		t.Errorf("expected first line to contain the second written line; got 0x%x", got)
	}

	if exp, got := cell('A'+height-1), w.fb[(height-2)*width]; got != exp {
		t.Errorf("expected the line before last to contain the last written line; got 0x%x", got)
	}

	for x := 0; x < width; x++ {
		if got := w.fb[(height-1)*width+x]; got != cell(' ') {
			t.Fatalf("expected last line to be cleared; got 0x%x at column %d", got, x)
		}
	}
}

func TestSetColor(t *testing.T) {
	w := newWriter(make([]uint16, width*height))
	w.SetColor(White, Red)
	w.Write([]byte("x"))

	if exp := uint16(0x4f78); w.fb[0] != exp {
		t.Fatalf("expected cell to be 0x%x; got 0x%x", exp, w.fb[0])
	}
}
