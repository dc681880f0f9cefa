package stream

import (
	"bytes"
	"context"
	"io"
)

const readChunkSize = 32 * 1024

type chunk struct {
	data []byte
	err  error
}

// pump reads r on its own goroutine. The caller stops consuming when ctx
// is done; a Read that never returns is abandoned rather than awaited.
func pump(ctx context.Context, r io.Reader) <-chan chunk {
	out := make(chan chunk)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			buf := make([]byte, readChunkSize)
			n, err := r.Read(buf)
			select {
			case out <- chunk{data: buf[:n], err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// splitter turns chunks into lines while holding at most maxLine bytes of
// an unterminated line. Past that it switches to pass-through: the
// oversized line's bytes go to oversize as they arrive, and normal
// splitting resumes after its newline.
type splitter struct {
	maxLine  int
	carry    []byte
	degraded bool

	line       func(line []byte)
	oversize   func(raw []byte)
	onDegraded func()
}

func (s *splitter) feed(data []byte) {
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if s.degraded {
			if idx < 0 {
				s.oversize(data)
				return
			}
			s.oversize(data[:idx+1])
			data = data[idx+1:]
			s.degraded = false
			continue
		}
		if idx < 0 {
			s.carry = append(s.carry, data...)
			if len(s.carry) > s.maxLine {
				s.degraded = true
				if s.onDegraded != nil {
					s.onDegraded()
				}
				s.oversize(s.carry)
				s.carry = s.carry[:0]
			}
			return
		}
		s.carry = append(s.carry, data[:idx]...)
		s.line(s.carry)
		s.carry = s.carry[:0]
		data = data[idx+1:]
	}
}

// flush emits a final unterminated line at end of stream.
func (s *splitter) flush() {
	if s.degraded || len(s.carry) == 0 {
		return
	}
	s.line(s.carry)
	s.carry = s.carry[:0]
}
