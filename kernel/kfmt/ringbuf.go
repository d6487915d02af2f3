package kfmt

import "io"

// ringBufferSize is the size of the buffer that holds output which cannot be
// sent to the console yet. It can hold a full 80*25 text-mode screen and must
// be a power of 2.
const ringBufferSize = 2048

// ringBuffer holds two kinds of output: Printf output emitted before a sink
// is registered and output that interrupt handlers divert while the output
// lock is held. When full, the oldest bytes are overwritten. Overwritten
// bytes are counted so that the loss is reported when the buffer is flushed.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int

	// dropped counts the bytes overwritten since the last flush.
	dropped uint64
}

// Write appends p to the buffer. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
			rb.dropped++
		}
	}

	return len(p), nil
}

// pending returns the number of buffered bytes.
func (rb *ringBuffer) pending() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// flushTo writes the buffered bytes to w, oldest first, and empties the
// buffer. If bytes were overwritten, a line with their count is written
// first. The buffer contents are written directly, so flushing does not
// allocate.
func (rb *ringBuffer) flushTo(w io.Writer) {
	if rb.dropped != 0 {
		dropped := rb.dropped
		rb.dropped = 0
		Fprintf(w, "[kfmt] %d bytes of buffered output were lost\n", dropped)
	}

	for rb.rIndex != rb.wIndex {
		end := rb.wIndex
		if rb.rIndex > rb.wIndex {
			end = ringBufferSize
		}

		doWrite(w, rb.buffer[rb.rIndex:end])
		rb.rIndex = end & (ringBufferSize - 1)
	}
}
