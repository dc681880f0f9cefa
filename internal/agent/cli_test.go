package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mpataki/shepherd/internal/deadline"
)

func TestCLIInvoke_Success(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "review.jsonl")
	var events []Event
	res, err := helperCLI("ok").Invoke(context.Background(), Request{
		Prompt:  "review the plan",
		WorkDir: t.TempDir(),
		LogPath: logPath,
		OnEvent: func(ev Event) error {
			events = append(events, ev)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, ExitOK, res.ExitCode)
	assert.False(t, res.Failed())
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, 10, res.InputTokens)
	assert.Equal(t, 20, res.OutputTokens)
	assert.InDelta(t, 0.25, res.CostUSD, 1e-9)
	assert.JSONEq(t, `{"readiness":"ready","items":[]}`, string(res.Structured))
	assert.Contains(t, res.Output, "Reviewed.")

	require.Len(t, events, 3)
	assert.Equal(t, "assistant", events[1].Type)
	assert.Contains(t, string(events[1].Raw), "review the plan")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}

func TestCLIInvoke_IsErrorWithZeroExitFails(t *testing.T) {
	res, err := helperCLI("is_error").Invoke(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)

	assert.Equal(t, KindNonZeroExit, KindOf(err))
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "error_max_turns")
	assert.Contains(t, res.Error, "ran out of turns")
}

func TestCLIInvoke_NonZeroExit(t *testing.T) {
	t.Run("stderr becomes the error", func(t *testing.T) {
		res, err := helperCLI("stderr_exit").Invoke(context.Background(), Request{Prompt: "x"})
		require.Error(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Contains(t, res.Error, "bad credentials")
	})
	t.Run("falls back to the exit code", func(t *testing.T) {
		res, err := helperCLI("silent_exit").Invoke(context.Background(), Request{Prompt: "x"})
		require.Error(t, err)
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, "exit code 3", res.Error)
	})
}

func TestCLIInvoke_MissingResultIsTolerated(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	res, err := helperCLI("no_result", WithLogger(zap.New(core))).Invoke(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)

	assert.Equal(t, ExitOK, res.ExitCode)
	assert.Nil(t, res.Structured)
	assert.Contains(t, res.Output, "plain text trailer")
	assert.Equal(t, 1, logs.FilterMessage("agent exited without a result event").Len())
}

func TestCLIInvoke_ResultEventWithoutTextHasNoPayload(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	res, err := helperCLI("result_without_text", WithLogger(zap.New(core))).Invoke(context.Background(), Request{Prompt: "x"})
	require.NoError(t, err)

	assert.Equal(t, ExitOK, res.ExitCode)
	assert.Equal(t, "s", res.SessionID)
	assert.Nil(t, res.Structured)
	assert.Contains(t, res.Output, `"type":"result"`)
	assert.Equal(t, 1, logs.FilterMessage("result event carries no result text").Len())
}

func TestCLIInvoke_TimeoutIsBounded(t *testing.T) {
	ctl := deadline.Controller{KillGrace: 200 * time.Millisecond, DrainBound: 200 * time.Millisecond}
	timeout := 300 * time.Millisecond

	start := time.Now()
	res, err := helperCLI("hang", WithController(ctl)).Invoke(context.Background(), Request{Prompt: "x", Timeout: timeout})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Equal(t, ExitTimeout, res.ExitCode)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, elapsed, timeout+2*ctl.KillGrace+2*ctl.DrainBound+2*time.Second)
}

func TestCLIInvoke_CancelPropagates(t *testing.T) {
	ctl := deadline.Controller{KillGrace: 100 * time.Millisecond, DrainBound: 100 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := helperCLI("hang", WithController(ctl)).Invoke(ctx, Request{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, ExitFailure, res.ExitCode)
	assert.NotEmpty(t, res.Error)
}

func TestCLIInvoke_PromptTooLarge(t *testing.T) {
	res, err := NewCLI(WithBinary("/definitely/not/here"), WithMaxPromptBytes(10)).
		Invoke(context.Background(), Request{Prompt: strings.Repeat("a", 11)})
	require.Error(t, err)

	assert.Equal(t, KindSpawnFailure, KindOf(err))
	assert.Contains(t, res.Error, "command line limit")
	assert.Equal(t, ExitFailure, res.ExitCode)
}

func TestCLIInvoke_SpawnFailure(t *testing.T) {
	res, err := NewCLI(WithBinary(filepath.Join(t.TempDir(), "missing-agent"))).
		Invoke(context.Background(), Request{Prompt: "x"})
	require.Error(t, err)

	assert.Equal(t, KindSpawnFailure, KindOf(err))
	assert.True(t, res.Failed())
	assert.Contains(t, res.Error, "start agent")
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindSpawnFailure, Op: "cli invoke", Msg: "start agent", Err: os.ErrNotExist}
	assert.Equal(t, "cli invoke: start agent: file does not exist", err.Error())
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
