package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mpataki/shepherd/internal/deadline"
	"github.com/mpataki/shepherd/internal/stream"
)

const (
	DefaultRecoveryAttempts = 3
	DefaultRecoveryInterval = 500 * time.Millisecond
	// DefaultMaxEventBytes caps one server-sent event; message part
	// updates can carry whole file contents.
	DefaultMaxEventBytes = 1 << 20

	abortTimeout = 5 * time.Second
)

const structuredOutputError = "StructuredOutputError"

// Session drives an agent server: one remote session per invocation,
// its events streamed to the invocation log, aborted remotely when the
// invocation is stopped.
type Session struct {
	baseURL          string
	http             *http.Client
	ctl              deadline.Controller
	log              *zap.Logger
	recoveryAttempts int
	recoveryInterval time.Duration
	maxEventBytes    int
}

type SessionOption func(*Session)

// WithHTTPClient replaces the default client. It must not set a global
// Timeout: prompts and the event stream are long-lived.
func WithHTTPClient(c *http.Client) SessionOption {
	return func(s *Session) { s.http = c }
}

func WithSessionController(ctl deadline.Controller) SessionOption {
	return func(s *Session) { s.ctl = ctl }
}

func WithSessionLogger(log *zap.Logger) SessionOption {
	return func(s *Session) { s.log = log }
}

// WithRecovery bounds how long a stopped invocation polls the session
// history for a result that completed as it was stopped.
func WithRecovery(attempts int, interval time.Duration) SessionOption {
	return func(s *Session) {
		s.recoveryAttempts = attempts
		s.recoveryInterval = interval
	}
}

func NewSession(baseURL string, opts ...SessionOption) *Session {
	s := &Session{
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		http:             &http.Client{},
		log:              zap.NewNop(),
		recoveryAttempts: DefaultRecoveryAttempts,
		recoveryInterval: DefaultRecoveryInterval,
		maxEventBytes:    DefaultMaxEventBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.recoveryInterval <= 0 {
		s.recoveryInterval = DefaultRecoveryInterval
	}
	s.ctl.Logger = s.log
	return s
}

type modelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type outputFormat struct {
	Type   string          `json:"type"`
	Schema json.RawMessage `json:"schema"`
}

type promptBody struct {
	Parts  []textPart    `json:"parts"`
	Model  *modelRef     `json:"model,omitempty"`
	Format *outputFormat `json:"format,omitempty"`
}

type messageError struct {
	Name string `json:"name"`
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
}

func (e *messageError) String() string {
	if e.Data.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Data.Message
}

type messageInfo struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      string `json:"role"`
	Time      struct {
		Created   int64 `json:"created"`
		Completed int64 `json:"completed"`
	} `json:"time"`
	Cost   float64 `json:"cost"`
	Tokens struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	} `json:"tokens"`
	Structured json.RawMessage `json:"structured"`
	Error      *messageError   `json:"error"`
}

type message struct {
	Info  messageInfo `json:"info"`
	Parts []textPart  `json:"parts"`
}

func (m *message) text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

type promptReply struct {
	msg *message
	err error
}

func (s *Session) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	log := s.log.With(zap.String("server", s.baseURL))
	if err := ctx.Err(); err != nil {
		return failed(start, req, ExitFailure, "cancelled before start"), &Error{Kind: KindCancelled, Op: "session invoke", Err: err}
	}

	ctl := s.ctl
	if req.Timeout > 0 {
		ctl.Timeout = req.Timeout
	}
	ictx, watchdog, cancel := ctl.Context(ctx)
	defer cancel()

	title := req.Title
	if title == "" {
		title = "shepherd " + uuid.NewString()
	}
	id, err := s.createSession(ictx, title, req.WorkDir)
	if err != nil {
		if ictx.Err() != nil {
			return interrupted(failed(start, req, ExitFailure, ""), deadline.Reason(ictx), ctl, "create session", log)
		}
		msg := fmt.Sprintf("create session: %v", err)
		return failed(start, req, ExitFailure, msg), &Error{Kind: KindSpawnFailure, Op: "create session", Err: err}
	}
	log = log.With(zap.String("session", id))
	log.Debug("session created", zap.String("title", title))
	res := &Result{SessionID: id, LogPath: req.LogPath}

	sink := openLog(req.LogPath, log)
	defer sink.Close()

	evCtx, stopEvents := context.WithCancel(ictx)
	evDone := make(chan struct{})
	idle := make(chan struct{})
	go func() {
		defer close(evDone)
		s.followEvents(evCtx, id, req, sink, watchdog, idle, log)
	}()
	// After a reply, trailing events are given until the session reports
	// idle (or the drain bound) to reach the log.
	finishEvents := func(settle bool) {
		if settle {
			wait := time.NewTimer(ctl.DrainTimeout())
			select {
			case <-idle:
			case <-evDone:
			case <-wait.C:
			}
			wait.Stop()
		}
		stopEvents()
		ctl.Drain(evDone, func() {})
	}

	replies := make(chan promptReply, 1)
	go func() {
		msg, err := s.prompt(ictx, id, req)
		replies <- promptReply{msg: msg, err: err}
	}()

	var rep promptReply
	select {
	case rep = <-replies:
	case <-ictx.Done():
		rep = promptReply{err: context.Cause(ictx)}
	}
	finishEvents(rep.err == nil)

	if rep.err != nil && ictx.Err() != nil {
		reason := deadline.Reason(ictx)
		msg := s.recoverMessage(id, log)
		if msg == nil {
			s.abortSession(id, log)
			res.Duration = time.Since(start)
			return interrupted(res, reason, ctl, "session invoke", log)
		}
		log.Info("recovered completed message after interruption", zap.NamedError("reason", reason))
		out, cerr := s.complete(res, msg, req, start, log)
		if cerr == nil && !deadline.IsTimeout(reason) {
			return out, &Error{Kind: KindCancelled, Op: "session invoke", Err: reason}
		}
		return out, cerr
	}
	if rep.err != nil {
		res.ExitCode = ExitFailure
		res.Duration = time.Since(start)
		res.Error = fmt.Sprintf("send prompt: %v", rep.err)
		log.Warn("prompt failed", zap.Error(rep.err))
		return res, &Error{Kind: KindNonZeroExit, Op: "send prompt", Err: rep.err}
	}
	return s.complete(res, rep.msg, req, start, log)
}

// complete fills res from the assistant reply.
func (s *Session) complete(res *Result, msg *message, req Request, start time.Time, log *zap.Logger) (*Result, error) {
	info := msg.Info
	res.Duration = time.Since(start)
	if info.Time.Created > 0 && info.Time.Completed >= info.Time.Created {
		res.Duration = time.Duration(info.Time.Completed-info.Time.Created) * time.Millisecond
	}
	res.InputTokens = info.Tokens.Input
	res.OutputTokens = info.Tokens.Output
	res.CostUSD = info.Cost
	res.Output = msg.text()

	if info.Error != nil {
		res.ExitCode = ExitFailure
		res.Error = info.Error.String()
		if res.Error == "" {
			res.Error = "agent reported an unnamed error"
		}
		kind := KindNonZeroExit
		if info.Error.Name == structuredOutputError {
			kind = KindStructuredOutputInvalid
		}
		log.Info("agent message failed", zap.String("error", res.Error), zap.String("kind", string(kind)))
		return res, &Error{Kind: kind, Op: "session invoke", Msg: res.Error}
	}

	res.Structured = structuredFrom(info.Structured, res.Output)
	if len(req.Schema) > 0 && res.Structured == nil {
		res.ExitCode = ExitFailure
		res.Error = "response carried no structured output"
		return res, &Error{Kind: KindProtocolViolation, Op: "session invoke", Msg: res.Error}
	}
	log.Debug("agent finished", zap.Duration("duration", res.Duration), zap.Int("output_tokens", res.OutputTokens))
	return res, nil
}

func (s *Session) createSession(ctx context.Context, title, dir string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, http.MethodPost, "/session", dirQuery(dir), map[string]string{"title": title}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("server returned a session without an id")
	}
	return out.ID, nil
}

func (s *Session) prompt(ctx context.Context, id string, req Request) (*message, error) {
	body := promptBody{Parts: []textPart{{Type: "text", Text: req.Prompt}}}
	if provider, model, ok := strings.Cut(req.Model, "/"); ok && provider != "" && model != "" {
		body.Model = &modelRef{ProviderID: provider, ModelID: model}
	} else if req.Model != "" {
		s.log.Warn("model is not in provider/model form; using the server default", zap.String("model", req.Model))
	}
	if len(req.Schema) > 0 {
		body.Format = &outputFormat{Type: "json_schema", Schema: req.Schema}
	}
	var msg message
	if err := s.do(ctx, http.MethodPost, "/session/"+url.PathEscape(id)+"/message", dirQuery(req.WorkDir), body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Session) messages(ctx context.Context, id string) ([]message, error) {
	var out []message
	if err := s.do(ctx, http.MethodGet, "/session/"+url.PathEscape(id)+"/message", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// recoverMessage polls the session history a bounded number of times for
// an assistant reply that completed.
func (s *Session) recoverMessage(id string, log *zap.Logger) *message {
	if s.recoveryAttempts <= 0 {
		return nil
	}
	budget := time.Duration(s.recoveryAttempts)*s.recoveryInterval + abortTimeout
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(s.recoveryInterval), 1)
	for attempt := 1; attempt <= s.recoveryAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		msgs, err := s.messages(ctx, id)
		if err != nil {
			log.Debug("session history poll failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if m := lastCompleted(msgs); m != nil {
			return m
		}
	}
	return nil
}

func lastCompleted(msgs []message) *message {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Info.Role != "assistant" || m.Info.Time.Completed == 0 {
			continue
		}
		if m.Info.Error != nil && m.Info.Error.Name == "MessageAbortedError" {
			return nil
		}
		return &m
	}
	return nil
}

func (s *Session) abortSession(id string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	if err := s.do(ctx, http.MethodPost, "/session/"+url.PathEscape(id)+"/abort", nil, nil, nil); err != nil {
		log.Warn("remote session abort failed", zap.Error(err))
		return
	}
	log.Debug("remote session aborted")
}

// followEvents copies this session's events to the log and keeps the
// inactivity watchdog alive. Events of other sessions are dropped. If the
// stream cannot be followed the watchdog is stopped so a quiet stream is
// not mistaken for a stalled agent.
func (s *Session) followEvents(ctx context.Context, id string, req Request, sink io.Writer, wd *deadline.Watchdog, idle chan<- struct{}, log *zap.Logger) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/event", nil)
	if err != nil {
		wd.Stop()
		return
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := s.http.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("event subscription failed; inactivity watchdog disabled", zap.Error(err))
			wd.Stop()
		}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Warn("event subscription rejected; inactivity watchdog disabled", zap.Int("status", resp.StatusCode))
		wd.Stop()
		return
	}

	sinkOK, hookOK, idled := true, true, false
	err = stream.ReadSSE(ctx, resp.Body, s.maxEventBytes, log, func(ev stream.SSEEvent) error {
		typ, sid, ok := eventSessionID([]byte(ev.Data), log)
		if !ok || sid != id {
			return nil
		}
		wd.Touch()
		if sinkOK {
			if _, err := io.WriteString(sink, ev.Data+"\n"); err != nil {
				sinkOK = false
				log.Warn("session event log failed; disabling it for this invocation", zap.Error(err))
			}
		}
		if hookOK && req.OnEvent != nil {
			if err := callHook(req.OnEvent, Event{SessionID: sid, Type: typ, Raw: json.RawMessage(ev.Data)}); err != nil {
				hookOK = false
				log.Warn("event callback failed; disabling it for this invocation", zap.Error(err))
			}
		}
		if typ == "session.idle" && !idled {
			idled = true
			close(idle)
		}
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		log.Warn("event stream failed; inactivity watchdog disabled", zap.Error(err))
	} else {
		log.Debug("event stream closed by server; inactivity watchdog disabled")
	}
	wd.Stop()
}

func callHook(hook func(Event) error, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event callback panicked: %v", r)
		}
	}()
	return hook(ev)
}

func dirQuery(dir string) url.Values {
	if dir == "" {
		return nil
	}
	return url.Values{"directory": {dir}}
}

func (s *Session) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := s.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
