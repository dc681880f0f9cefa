package stream

import "unicode/utf8"

// DefaultTailBytes bounds the raw-output fallback kept for diagnostics.
const DefaultTailBytes = 4 * 1024

// Tail keeps the last N bytes written to it. Its memory never grows past
// the configured size no matter how much is written.
type Tail struct {
	buf  []byte
	size int
	full bool
	pos  int
}

func NewTail(size int) *Tail {
	if size <= 0 {
		size = DefaultTailBytes
	}
	return &Tail{buf: make([]byte, size), size: size}
}

func (t *Tail) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.size {
		copy(t.buf, p[n-t.size:])
		t.pos = 0
		t.full = true
		return n, nil
	}
	for len(p) > 0 {
		c := copy(t.buf[t.pos:], p)
		t.pos += c
		p = p[c:]
		if t.pos == t.size {
			t.pos = 0
			t.full = true
		}
	}
	return n, nil
}

// Len is the number of bytes currently held.
func (t *Tail) Len() int {
	if t.full {
		return t.size
	}
	return t.pos
}

// Cap is the configured bound.
func (t *Tail) Cap() int {
	return t.size
}

// Bytes returns a copy of the retained bytes in write order.
func (t *Tail) Bytes() []byte {
	if !t.full {
		return append([]byte(nil), t.buf[:t.pos]...)
	}
	out := make([]byte, 0, t.size)
	out = append(out, t.buf[t.pos:]...)
	return append(out, t.buf[:t.pos]...)
}

// String returns the retained bytes with any rune split by truncation
// dropped from the front.
func (t *Tail) String() string {
	b := t.Bytes()
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		if utf8.RuneStart(b[0]) {
			break
		}
		b = b[1:]
	}
	return string(b)
}
