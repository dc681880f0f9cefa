package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mpataki/shepherd/internal/deadline"
)

const fakeSessionID = "ses_1"

// fakeServer is a minimal agent server: sessions, prompts, history,
// abort and an event stream fed from a channel.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	events chan string

	subscribed chan struct{}
	subOnce    sync.Once

	mu          sync.Mutex
	createFail  bool
	reply       echo.HandlerFunc
	history     []message
	aborted     []string
	lastPrompt  promptBody
	lastDirArgs []string
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{
		t:          t,
		events:     make(chan string, 16),
		subscribed: make(chan struct{}),
	}

	e := echo.New()
	e.HideBanner = true
	e.POST("/session", func(c echo.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.createFail {
			return c.String(http.StatusInternalServerError, "no capacity")
		}
		f.lastDirArgs = append(f.lastDirArgs, c.QueryParam("directory"))
		return c.JSON(http.StatusOK, map[string]string{"id": fakeSessionID})
	})
	e.POST("/session/:id/message", func(c echo.Context) error {
		var body promptBody
		if err := c.Bind(&body); err != nil {
			return err
		}
		f.mu.Lock()
		f.lastPrompt = body
		reply := f.reply
		f.mu.Unlock()
		return reply(c)
	})
	e.GET("/session/:id/message", func(c echo.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		return c.JSON(http.StatusOK, f.history)
	})
	e.POST("/session/:id/abort", func(c echo.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.aborted = append(f.aborted, c.Param("id"))
		return c.JSON(http.StatusOK, true)
	})
	e.GET("/event", func(c echo.Context) error {
		w := c.Response()
		w.Header().Set(echo.HeaderContentType, "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Flush()
		f.subOnce.Do(func() { close(f.subscribed) })
		for {
			select {
			case <-c.Request().Context().Done():
				return nil
			case data := <-f.events:
				fmt.Fprintf(w, "data: %s\n\n", data)
				w.Flush()
			}
		}
	})

	f.srv = httptest.NewServer(e)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) setReply(h echo.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = h
}

func (f *fakeServer) waitSubscribed() {
	select {
	case <-f.subscribed:
	case <-time.After(5 * time.Second):
		f.t.Error("event stream was never subscribed")
	}
}

func (f *fakeServer) abortedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

// blockUntilCancelled is a prompt handler whose work never finishes.
func blockUntilCancelled(c echo.Context) error {
	<-c.Request().Context().Done()
	return nil
}

func completedMessage(structured string) message {
	var m message
	m.Info.ID = "msg_2"
	m.Info.SessionID = fakeSessionID
	m.Info.Role = "assistant"
	m.Info.Time.Created = 1_000
	m.Info.Time.Completed = 3_500
	m.Info.Cost = 0.1
	m.Info.Tokens.Input = 100
	m.Info.Tokens.Output = 40
	m.Info.Structured = json.RawMessage(structured)
	m.Parts = []textPart{{Type: "text", Text: "done"}}
	return m
}

func fastController() deadline.Controller {
	return deadline.Controller{KillGrace: 100 * time.Millisecond, DrainBound: time.Second}
}

func TestSessionInvoke_StructuredResultAndFilteredLog(t *testing.T) {
	f := newFakeServer(t)
	f.setReply(func(c echo.Context) error {
		f.waitSubscribed()
		f.events <- `{"type":"message.part.updated","properties":{"part":{"sessionID":"ses_1","type":"text","text":"thinking"}}}`
		f.events <- `{"type":"message.part.updated","properties":{"part":{"sessionID":"ses_other","text":"leak"}}}`
		f.events <- `{"type":"tool.progress","properties":{"detail":{"owner":{"sessionID":"ses_1"}}}}`
		f.events <- `{"type":"session.idle","properties":{"sessionID":"ses_1"}}`
		return c.JSON(http.StatusOK, completedMessage(`{"readiness":"ready","items":[]}`))
	})

	logPath := filepath.Join(t.TempDir(), "session.jsonl")
	var types []string
	s := NewSession(f.srv.URL, WithSessionController(fastController()))
	res, err := s.Invoke(context.Background(), Request{
		Prompt:  "review",
		WorkDir: "/work/repo",
		Model:   "anthropic/claude-sonnet",
		Schema:  json.RawMessage(`{"type":"object"}`),
		LogPath: logPath,
		OnEvent: func(ev Event) error {
			types = append(types, ev.Type)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, fakeSessionID, res.SessionID)
	assert.JSONEq(t, `{"readiness":"ready","items":[]}`, string(res.Structured))
	assert.Equal(t, 2500*time.Millisecond, res.Duration)
	assert.Equal(t, 100, res.InputTokens)
	assert.Equal(t, 40, res.OutputTokens)
	assert.Equal(t, "done", res.Output)

	f.mu.Lock()
	assert.Equal(t, "anthropic", f.lastPrompt.Model.ProviderID)
	assert.Equal(t, "claude-sonnet", f.lastPrompt.Model.ModelID)
	assert.Equal(t, "json_schema", f.lastPrompt.Format.Type)
	assert.Equal(t, []string{"/work/repo"}, f.lastDirArgs)
	f.mu.Unlock()

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	log := string(data)
	assert.Equal(t, 3, strings.Count(log, "\n"))
	assert.NotContains(t, log, "leak")
	assert.Equal(t, []string{"message.part.updated", "tool.progress", "session.idle"}, types)
}

func TestSessionInvoke_StructuredOutputError(t *testing.T) {
	f := newFakeServer(t)
	f.setReply(func(c echo.Context) error {
		m := completedMessage(`null`)
		m.Info.Error = &messageError{Name: structuredOutputError}
		m.Info.Error.Data.Message = "readiness is required"
		return c.JSON(http.StatusOK, m)
	})

	res, err := NewSession(f.srv.URL, WithSessionController(fastController())).
		Invoke(context.Background(), Request{Prompt: "review"})
	require.Error(t, err)

	assert.Equal(t, KindStructuredOutputInvalid, KindOf(err))
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.Contains(t, res.Error, "readiness is required")
}

func TestSessionInvoke_MissingStructuredOutput(t *testing.T) {
	f := newFakeServer(t)
	f.setReply(func(c echo.Context) error {
		return c.JSON(http.StatusOK, completedMessage(`null`))
	})

	res, err := NewSession(f.srv.URL, WithSessionController(fastController())).
		Invoke(context.Background(), Request{Prompt: "review", Schema: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.Equal(t, KindProtocolViolation, KindOf(err))
	assert.NotEmpty(t, res.Error)
}

func TestSessionInvoke_TimeoutAbortsRemoteSession(t *testing.T) {
	f := newFakeServer(t)
	f.setReply(blockUntilCancelled)

	s := NewSession(f.srv.URL, WithSessionController(fastController()), WithRecovery(2, 20*time.Millisecond))
	start := time.Now()
	res, err := s.Invoke(context.Background(), Request{Prompt: "review", Timeout: 200 * time.Millisecond})
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, ExitTimeout, res.ExitCode)
	assert.Equal(t, fakeSessionID, res.SessionID)
	assert.Equal(t, []string{fakeSessionID}, f.abortedSessions())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSessionInvoke_RecoversWorkThatFinishedAtTimeout(t *testing.T) {
	f := newFakeServer(t)
	f.setReply(blockUntilCancelled)
	f.history = []message{completedMessage(`{"result":"complete","commit":"abc"}`)}

	s := NewSession(f.srv.URL, WithSessionController(fastController()), WithRecovery(2, 20*time.Millisecond))
	res, err := s.Invoke(context.Background(), Request{Prompt: "implement", Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	assert.Equal(t, ExitOK, res.ExitCode)
	assert.JSONEq(t, `{"result":"complete","commit":"abc"}`, string(res.Structured))
	assert.Empty(t, f.abortedSessions())
}

func TestSessionInvoke_InactivityTimeout(t *testing.T) {
	f := newFakeServer(t)
	f.setReply(blockUntilCancelled)

	ctl := fastController()
	ctl.Inactivity = 150 * time.Millisecond
	ctl.Timeout = 10 * time.Second
	s := NewSession(f.srv.URL, WithSessionController(ctl), WithRecovery(1, 10*time.Millisecond))

	res, err := s.Invoke(context.Background(), Request{Prompt: "review"})
	require.Error(t, err)

	assert.True(t, errors.Is(err, deadline.ErrInactive))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, ExitTimeout, res.ExitCode)
	assert.Contains(t, res.Error, "no agent activity")
}

func TestSessionInvoke_CreateFailure(t *testing.T) {
	f := newFakeServer(t)
	f.createFail = true

	res, err := NewSession(f.srv.URL).Invoke(context.Background(), Request{Prompt: "review"})
	require.Error(t, err)
	assert.Equal(t, KindSpawnFailure, KindOf(err))
	assert.Contains(t, res.Error, "no capacity")
}

func TestSessionInvoke_EventHookFailureIsIsolated(t *testing.T) {
	f := newFakeServer(t)
	f.setReply(func(c echo.Context) error {
		f.waitSubscribed()
		f.events <- `{"type":"message.part.updated","properties":{"part":{"sessionID":"ses_1"}}}`
		f.events <- `{"type":"message.part.updated","properties":{"part":{"sessionID":"ses_1"}}}`
		f.events <- `{"type":"session.idle","properties":{"sessionID":"ses_1"}}`
		return c.JSON(http.StatusOK, completedMessage(`{"readiness":"ready","items":[]}`))
	})

	core, logs := observer.New(zapcore.WarnLevel)
	calls := 0
	s := NewSession(f.srv.URL, WithSessionController(fastController()), WithSessionLogger(zap.New(core)))
	_, err := s.Invoke(context.Background(), Request{Prompt: "review", OnEvent: func(Event) error {
		calls++
		panic("renderer crashed")
	}})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, logs.FilterMessage("event callback failed; disabling it for this invocation").Len())
}
