package agent

import (
	"errors"
	"strings"
)

// Kind classifies why an invocation failed. The set is closed so callers
// can switch on it instead of matching message text.
type Kind string

const (
	KindSpawnFailure            Kind = "spawn_failure"
	KindTimeout                 Kind = "timeout"
	KindCancelled               Kind = "cancelled"
	KindProtocolViolation       Kind = "protocol_violation"
	KindStructuredOutputInvalid Kind = "structured_output_invalid"
	KindNonZeroExit             Kind = "non_zero_exit"
)

var (
	ErrTimeout   = errors.New("agent timed out")
	ErrCancelled = errors.New("agent invocation cancelled")
)

type Error struct {
	Kind Kind
	// Op names the transport operation, e.g. "cli invoke" or "create session".
	Op  string
	Msg string
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString(string(e.Kind))
	}
	if e.Msg != "" && e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTimeout) and errors.Is(err, ErrCancelled) match
// by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrCancelled:
		return e.Kind == KindCancelled
	}
	return false
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
