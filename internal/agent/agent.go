// Package agent drives an external coding agent through one prompt at a
// time. Two transports implement the same contract: CLI spawns the agent
// binary and reads its newline-delimited JSON output, Session talks to a
// locally running agent server over HTTP and server-sent events.
package agent

import (
	"context"
	"encoding/json"
	"time"
)

// Exit codes reported in Result.ExitCode.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitTimeout = 124
)

type Agent interface {
	// Invoke runs one prompt to completion. It always returns a non-nil
	// Result. The error is an *Error carrying the failure Kind and is
	// non-nil whenever the Result is failing or the caller cancelled. A
	// cancelled Result can still carry a payload recovered from work that
	// finished as the cancel landed.
	Invoke(ctx context.Context, req Request) (*Result, error)
}

type Request struct {
	Prompt  string
	WorkDir string
	// Model is transport specific; the session transport expects
	// "provider/model".
	Model string
	// Timeout overrides the adapter default when positive.
	Timeout time.Duration
	// Schema is the JSON schema the structured result must satisfy.
	Schema json.RawMessage
	// Title labels the remote session.
	Title string
	// LogPath receives the raw event stream of this invocation.
	LogPath string
	// OnEvent observes decoded events. Errors disable it for the rest of
	// the invocation.
	OnEvent func(Event) error
}

// Event is one decoded agent event, passed through for display.
type Event struct {
	SessionID string
	Type      string
	Raw       json.RawMessage
}

type Result struct {
	ExitCode int
	// Output is the agent's final text, or the tail of its raw output when
	// no final text was produced.
	Output string
	// Structured is the JSON payload the agent reported, if any.
	Structured   json.RawMessage
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	// Error is non-empty whenever the result is failing.
	Error     string
	SessionID string
	LogPath   string
}

func (r *Result) Failed() bool {
	return r.ExitCode != ExitOK || r.Error != ""
}
