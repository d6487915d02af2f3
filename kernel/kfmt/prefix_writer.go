package kfmt

import "io"

// PrefixWriter is an io.Writer that starts every line written to Sink with
// the "[module] " tag used by all kernel log output.
type PrefixWriter struct {
	// Sink receives the tagged output. A nil Sink selects the early
	// ring buffer, just like Fprintf.
	Sink io.Writer

	// Module is the name placed between the brackets.
	Module string

	// midLine is set while the last byte written was not a line feed.
	midLine bool
}

// Write sends p to Sink, emitting the module tag before the first byte of
// each line. The tag is emitted lazily so a trailing line feed does not
// leave a dangling tag behind. The returned byte count does not include
// the tags.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			Fprintf(w.Sink, "[%s] ", w.Module)
			w.midLine = true
		}

		lineLen := len(p)
		for i, b := range p {
			if b == '\n' {
				lineLen = i + 1
				break
			}
		}

		n, err := sinkWrite(w.Sink, p[:lineLen])
		written += n
		if err != nil {
			return written, err
		}

		if p[lineLen-1] == '\n' {
			w.midLine = false
		}
		p = p[lineLen:]
	}

	return written, nil
}

func sinkWrite(w io.Writer, p []byte) (int, error) {
	if w == nil {
		return earlyPrintBuffer.Write(p)
	}
	return w.Write(p)
}
