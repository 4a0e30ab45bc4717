// ABOUTME: Bounded output buffer for run replay
// ABOUTME: Retains the most recent bytes up to a fixed cap, discarding the oldest

package runs

// OutputBuffer keeps the tail of a run's output for live viewing and
// crash-recovery replay. Not an archive: once the cap is exceeded the
// oldest bytes are discarded.
type OutputBuffer struct {
	buf []byte
	cap int
}

// NewOutputBuffer creates a buffer bounded to cap bytes.
func NewOutputBuffer(cap int) *OutputBuffer {
	return &OutputBuffer{cap: cap}
}

// Append adds a chunk, trimming from the front to stay within the cap.
// A chunk larger than the cap keeps only its tail.
func (b *OutputBuffer) Append(chunk []byte) {
	if len(chunk) >= b.cap {
		b.buf = append(b.buf[:0], chunk[len(chunk)-b.cap:]...)
		return
	}
	b.buf = append(b.buf, chunk...)
	if len(b.buf) > b.cap {
		excess := len(b.buf) - b.cap
		b.buf = append(b.buf[:0], b.buf[excess:]...)
	}
}

// Bytes returns a copy of the retained output. Callers hold only read
// snapshots; the registry exclusively owns the live buffer.
func (b *OutputBuffer) Bytes() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return out
}

// Len reports the retained byte count.
func (b *OutputBuffer) Len() int {
	return len(b.buf)
}
