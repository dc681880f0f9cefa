package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	Event string
	ID    string
	Data  string
}

// SSEHandler returning an error stops the read; that error is returned.
type SSEHandler func(SSEEvent) error

// ErrStop ends ReadSSE without an error.
var ErrStop = errors.New("stream: stop")

// ReadSSE decodes a text/event-stream body. Events whose data line grows
// past maxLine bytes are dropped with a single warning. It returns nil at
// EOF, ctx.Err() when cancelled.
func ReadSSE(ctx context.Context, r io.Reader, maxLine int, log *zap.Logger, handle SSEHandler) error {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	if log == nil {
		log = zap.NewNop()
	}

	var (
		cur      SSEEvent
		data     strings.Builder
		broken   bool
		warned   bool
		stopErr  error
		hasField bool
	)
	dispatch := func() {
		if stopErr != nil {
			return
		}
		if !broken && hasField {
			cur.Data = data.String()
			if err := handle(cur); err != nil {
				stopErr = err
			}
		}
		cur = SSEEvent{}
		data.Reset()
		broken = false
		hasField = false
	}

	split := &splitter{
		maxLine: maxLine,
		line: func(line []byte) {
			line = bytes.TrimSuffix(line, []byte("\r"))
			if len(line) == 0 {
				dispatch()
				return
			}
			if line[0] == ':' {
				return
			}
			field, value, _ := strings.Cut(string(line), ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				cur.Event = value
				hasField = true
			case "id":
				cur.ID = value
			case "data":
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(value)
				hasField = true
				if data.Len() > maxLine {
					broken = true
					data.Reset()
				}
			}
		},
		oversize: func([]byte) {},
		onDegraded: func() {
			broken = true
			if !warned {
				warned = true
				log.Warn("server-sent event exceeds buffer limit; dropping it", zap.Int("limit_bytes", maxLine))
			}
		},
	}

	chunks := pump(ctx, r)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return ctx.Err()
			}
			if len(c.data) > 0 {
				split.feed(c.data)
			}
			if stopErr != nil {
				if errors.Is(stopErr, ErrStop) {
					return nil
				}
				return stopErr
			}
			if c.err != nil {
				split.flush()
				dispatch()
				if stopErr != nil && !errors.Is(stopErr, ErrStop) {
					return stopErr
				}
				if errors.Is(c.err, io.EOF) {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("read event stream: %w", c.err)
			}
		}
	}
}
