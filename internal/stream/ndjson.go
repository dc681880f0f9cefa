// Package stream decodes live agent output into discrete events without
// buffering the whole stream: newline-delimited JSON from subprocesses and
// server-sent events from session servers.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// DefaultMaxLineBytes caps how much of an unterminated line is buffered
// before the reader stops trying to parse it.
const DefaultMaxLineBytes = 64 * 1024

// TerminalType is the "type" of the event carrying the authoritative outcome.
const TerminalType = "result"

// Event is one decoded JSON line.
type Event struct {
	Type   string
	Raw    json.RawMessage
	Fields map[string]json.RawMessage
}

// String returns a top-level string field, or "".
func (e Event) String(key string) string {
	raw, ok := e.Fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Decode unmarshals the whole event into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

type Options struct {
	// LogSink receives every complete line, and oversized lines verbatim.
	LogSink io.Writer
	// OnEvent is called for every parsed event.
	OnEvent func(Event) error

	MaxLineBytes int
	TailBytes    int
	Logger       *zap.Logger
}

type Outcome struct {
	Terminal *Event
	// Text is the terminal event's "result" field.
	Text string
	// Tail holds the last TailBytes of raw output.
	Tail     string
	Lines    int
	Degraded bool
	// Aborted is set when ctx ended the read before EOF.
	Aborted bool
}

// ReadNDJSON consumes r until EOF or ctx is done. Non-JSON lines are
// skipped. A failing LogSink or OnEvent is disabled for the rest of the
// stream and never fails the read. The returned error is only ever a read
// error from r; cancellation is reported through Outcome.Aborted.
func ReadNDJSON(ctx context.Context, r io.Reader, opts Options) (*Outcome, error) {
	d := newNDJSONDecoder(opts)

	chunks := pump(ctx, r)
	for {
		select {
		case <-ctx.Done():
			d.out.Aborted = true
			return d.finish(), nil
		case c, ok := <-chunks:
			if !ok {
				// pump only closes without a final chunk when ctx ended.
				d.out.Aborted = ctx.Err() != nil
				return d.finish(), nil
			}
			if len(c.data) > 0 {
				d.feed(c.data)
			}
			if c.err != nil {
				d.split.flush()
				out := d.finish()
				if errors.Is(c.err, io.EOF) || errors.Is(c.err, io.ErrClosedPipe) {
					return out, nil
				}
				return out, fmt.Errorf("read agent output: %w", c.err)
			}
		}
	}
}

type ndjsonDecoder struct {
	opts  Options
	log   *zap.Logger
	tail  *Tail
	split *splitter
	out   Outcome

	sinkDisabled  bool
	eventDisabled bool
}

func newNDJSONDecoder(opts Options) *ndjsonDecoder {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	d := &ndjsonDecoder{
		opts: opts,
		log:  log,
		tail: NewTail(opts.TailBytes),
	}
	d.split = &splitter{
		maxLine:  opts.MaxLineBytes,
		line:     d.line,
		oversize: d.tee,
		onDegraded: func() {
			if !d.out.Degraded {
				d.log.Warn("agent output line exceeds buffer limit; passing it through unparsed",
					zap.Int("limit_bytes", opts.MaxLineBytes))
			}
			d.out.Degraded = true
		},
	}
	return d
}

func (d *ndjsonDecoder) feed(data []byte) {
	_, _ = d.tail.Write(data)
	d.split.feed(data)
}

func (d *ndjsonDecoder) finish() *Outcome {
	d.out.Tail = d.tail.String()
	if d.out.Terminal != nil {
		if _, ok := d.out.Terminal.Fields["result"]; !ok {
			d.log.Warn("terminal event has no result field")
		}
		d.out.Text = d.out.Terminal.String("result")
	}
	out := d.out
	return &out
}

func (d *ndjsonDecoder) line(line []byte) {
	d.teeLine(line)

	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return
	}
	d.out.Lines++

	ev := Event{
		Raw:    append(json.RawMessage(nil), trimmed...),
		Fields: fields,
	}
	ev.Type = ev.String("type")

	d.emit(ev)

	if ev.Type == TerminalType {
		d.out.Terminal = &ev
	}
}

func (d *ndjsonDecoder) emit(ev Event) {
	if d.opts.OnEvent == nil || d.eventDisabled {
		return
	}
	if err := safeCall(func() error { return d.opts.OnEvent(ev) }); err != nil {
		d.eventDisabled = true
		d.log.Warn("event callback failed; disabling it for this stream", zap.Error(err))
	}
}

func (d *ndjsonDecoder) teeLine(line []byte) {
	if d.opts.LogSink == nil || d.sinkDisabled {
		return
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	d.tee(buf)
}

func (d *ndjsonDecoder) tee(raw []byte) {
	if d.opts.LogSink == nil || d.sinkDisabled {
		return
	}
	err := safeCall(func() error {
		_, err := d.opts.LogSink.Write(raw)
		return err
	})
	if err != nil {
		d.sinkDisabled = true
		d.log.Warn("log sink failed; disabling it for this stream", zap.Error(err))
	}
}

// safeCall runs fn, converting a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
