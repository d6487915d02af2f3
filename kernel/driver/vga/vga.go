// Package vga implements a text console on top of the EGA-compatible 80x25
// text mode buffer.
package vga

import (
	"ringos/kernel/mm"
	"unsafe"
)

// Attr defines a color attribute.
type Attr uint16

// The set of colors that can be passed to SetColor().
const (
	Black Attr = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	LightBrown
	White
)

const (
	// BufferAddr is the physical address of the text mode buffer.
	BufferAddr = mm.PhysAddr(0xb8000)

	width  = 80
	height = 25

	clearChar = byte(' ')
	tabWidth  = 4
)

// Writer is an io.Writer that renders text into the VGA buffer. It
// processes CR, LF and TAB characters and scrolls the screen contents up
// once the last line is full.
//
// Writer performs no locking; callers serialize access through kfmt.
type Writer struct {
	fb []uint16

	curX, curY uint16
	attr       Attr
}

// Init attaches the writer to the text mode buffer, accessed through the
// region where all physical memory is mapped at physOffset. The screen is
// cleared and the cursor placed at the top-left corner.
func (w *Writer) Init(physOffset uintptr) {
	fbAddr := uintptr(mm.PhysToVirt(physOffset, BufferAddr))
	w.init(unsafe.Slice((*uint16)(unsafe.Pointer(fbAddr)), width*height))
}

func (w *Writer) init(fb []uint16) {
	w.fb = fb
	w.SetColor(LightGrey, Black)
	w.Clear()
}

// SetColor selects the foreground and background color for subsequent
// writes.
func (w *Writer) SetColor(fg, bg Attr) {
	w.attr = (bg << 4) | (fg & 0xf)
}

// Clear blanks the screen and moves the cursor to the top-left corner.
func (w *Writer) Clear() {
	w.clearRows(0, height)
	w.curX, w.curY = 0, 0
}

// Position returns the current cursor position (x, y).
func (w *Writer) Position() (uint16, uint16) {
	return w.curX, w.curY
}

// Write implements io.Writer.
func (w *Writer) Write(data []byte) (int, error) {
	for _, b := range data {
		switch b {
		case '\r':
			w.curX = 0
		case '\n':
			w.curX = 0
			w.lf()
		case '\t':
			for n := tabWidth - w.curX%tabWidth; n > 0; n-- {
				w.put(clearChar)
			}
		default:
			w.put(b)
		}
	}

	return len(data), nil
}

func (w *Writer) put(ch byte) {
	w.fb[w.curY*width+w.curX] = uint16(w.attr)<<8 | uint16(ch)
	if w.curX++; w.curX == width {
		w.curX = 0
		w.lf()
	}
}

// lf advances the cursor by one line scrolling the screen contents if the
// end of the last line is reached.
func (w *Writer) lf() {
	if w.curY+1 < height {
		w.curY++
		return
	}

	copy(w.fb, w.fb[width:])
	w.clearRows(height-1, 1)
}

func (w *Writer) clearRows(y, rows uint16) {
	clr := uint16(w.attr)<<8 | uint16(clearChar)
	for i := y * width; i < (y+rows)*width; i++ {
		w.fb[i] = clr
	}
}
