// Package streambuf provides the two buffer collaborators the reactor
// spec leaves external: an outbound byte-stream container per
// connection, and a reusable read-scratch buffer per loop.
package streambuf

import "bytes"

// ByteStream is a connection's outbound byte container: bytes.Buffer
// already implements append-at-tail/discard-at-head/has-data/clean
// with the right amortized cost, so it is wrapped rather than
// reimplemented.
type ByteStream struct {
	buf bytes.Buffer
}

// Append adds b to the tail of the stream.
func (s *ByteStream) Append(b []byte) {
	s.buf.Write(b)
}

// Get copies up to len(into) bytes from the head of the stream into
// into, without discarding them, and returns the count copied.
func (s *ByteStream) Get(into []byte) int {
	return copy(into, s.buf.Bytes())
}

// Discard drops the first n bytes from the stream. n is clamped to the
// available length.
func (s *ByteStream) Discard(n int) {
	if n <= 0 {
		return
	}
	if n > s.buf.Len() {
		n = s.buf.Len()
	}
	s.buf.Next(n)
}

// HasData reports whether any bytes remain unsent.
func (s *ByteStream) HasData() bool {
	return s.buf.Len() > 0
}

// Len returns the number of unsent bytes.
func (s *ByteStream) Len() int {
	return s.buf.Len()
}

// Clean discards every buffered byte.
func (s *ByteStream) Clean() {
	s.buf.Reset()
}
