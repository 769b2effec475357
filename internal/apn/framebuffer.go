package apn

import "iter"

// FrameSplitter reports the length of the complete frame at the front of
// data, or false if data does not yet hold one.
type FrameSplitter func(data []byte) (int, bool)

// FixedLength returns a FrameSplitter for frames of exactly n bytes.
func FixedLength(n int) FrameSplitter {
	return func(data []byte) (int, bool) {
		return n, len(data) >= n
	}
}

// FrameBuffer accumulates bytes read from a stream and hands out complete
// protocol frames. Bytes of an incomplete trailing frame are kept until a
// later Feed completes them.
//
// FrameBuffer is not safe for concurrent use.
type FrameBuffer struct {
	buf []byte
}

// Feed appends newly received bytes.
func (b *FrameBuffer) Feed(data []byte) {
	b.buf = append(b.buf, data...)
}

// Frames yields each complete frame at the front of the buffer, in the
// order the bytes were fed. Iteration stops at the first incomplete frame;
// its bytes stay buffered. Each yielded slice is a copy owned by the caller.
func (b *FrameBuffer) Frames(split FrameSplitter) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		defer b.compact()
		for {
			n, ok := split(b.buf)
			if !ok || n <= 0 || n > len(b.buf) {
				return
			}
			frame := make([]byte, n)
			copy(frame, b.buf[:n])
			b.buf = b.buf[n:]
			if !yield(frame) {
				return
			}
		}
	}
}

// Len returns the number of buffered bytes.
func (b *FrameBuffer) Len() int {
	return len(b.buf)
}

// Reset discards all buffered bytes.
func (b *FrameBuffer) Reset() {
	b.buf = nil
}

func (b *FrameBuffer) compact() {
	if len(b.buf) == 0 {
		b.buf = nil
		return
	}
	b.buf = append([]byte(nil), b.buf...)
}
