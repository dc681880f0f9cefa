package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/mpataki/shepherd/internal/models"
)

// DefaultScriptTimeout bounds one policy call.
const DefaultScriptTimeout = 5 * time.Second

// Script is a gate whose answers come from a Lua policy file. The file may
// define either or both of:
//
//	function on_escalate(event) return "continue" | "approve" | "abort" end
//	function on_resume(run)     return "resume" | "start-fresh" | "abort" end
//
// A missing on_escalate aborts; a missing on_resume resumes. Scripts run in
// a fresh sandboxed state per call, without io, os, or module loading.
type Script struct {
	path    string
	proto   *lua.FunctionProto
	timeout time.Duration
	log     *zap.Logger
}

type ScriptOption func(*Script)

func WithScriptLogger(log *zap.Logger) ScriptOption {
	return func(s *Script) { s.log = log }
}

func WithScriptTimeout(d time.Duration) ScriptOption {
	return func(s *Script) { s.timeout = d }
}

// LoadScript reads and compiles the policy file.
func LoadScript(path string, opts ...ScriptOption) (*Script, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return compileScript(path, string(src), opts...)
}

func compileScript(name, src string, opts ...ScriptOption) (*Script, error) {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	s := &Script{path: name, proto: proto, timeout: DefaultScriptTimeout, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Script) Decide(ctx context.Context, ev models.EscalationEvent) (models.Decision, error) {
	v, found, err := s.call(ctx, "on_escalate", func(L *lua.LState) lua.LValue {
		return eventTable(L, ev)
	})
	if err != nil {
		return "", err
	}
	if !found {
		s.log.Warn("policy script has no on_escalate; aborting", zap.String("script", s.path))
		return models.DecisionAbort, nil
	}
	return parseDecision(v)
}

func (s *Script) Resume(ctx context.Context, run *models.Run) (models.ResumeChoice, error) {
	v, found, err := s.call(ctx, "on_resume", func(L *lua.LState) lua.LValue {
		return runTable(L, run)
	})
	if err != nil {
		return "", err
	}
	if !found {
		return models.ResumeContinue, nil
	}
	return parseResumeChoice(v)
}

// call runs the script body and then fn(arg). found is false when the
// script does not define fn.
func (s *Script) call(ctx context.Context, fn string, arg func(*lua.LState) lua.LValue) (string, bool, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       128,
		RegistrySize:        1024 * 16,
		IncludeGoStackTrace: false,
	})
	defer L.Close()
	L.SetContext(ctx)

	openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(s.luaLog))

	L.Push(L.NewFunctionFromProto(s.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		return "", false, s.scriptError("load", err)
	}

	f := L.GetGlobal(fn)
	if f == lua.LNil {
		return "", false, nil
	}
	if f.Type() != lua.LTFunction {
		return "", false, fmt.Errorf("policy script %s: %s is a %s, not a function", s.path, fn, f.Type())
	}

	L.Push(f)
	L.Push(arg(L))
	if err := L.PCall(1, 1, nil); err != nil {
		return "", false, s.scriptError(fn, err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	str, ok := ret.(lua.LString)
	if !ok {
		return "", false, fmt.Errorf("policy script %s: %s returned %s, want a string", s.path, fn, ret.Type())
	}
	return strings.TrimSpace(string(str)), true, nil
}

func (s *Script) scriptError(fn string, err error) error {
	return fmt.Errorf("policy script %s: %s failed: %w", s.path, fn, err)
}

// openSafeLibs loads the deterministic subset of the standard library.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("module", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (s *Script) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	s.log.Info(message, zap.String("script", s.path))
	return 0
}

func eventTable(L *lua.LState, ev models.EscalationEvent) lua.LValue {
	var m map[string]any
	data, err := json.Marshal(ev)
	if err == nil {
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return L.NewTable()
	}
	if _, ok := m["items"]; !ok {
		m["items"] = []any{}
	}
	return goToLua(L, m)
}

func runTable(L *lua.LState, run *models.Run) lua.LValue {
	return goToLua(L, map[string]any{
		"id":         float64(run.ID),
		"artifact":   run.ArtifactPath,
		"command":    string(run.Command),
		"status":     string(run.Status),
		"state":      string(run.State),
		"phase":      run.Phase,
		"iteration":  float64(run.Iteration),
		"created_at": float64(run.CreatedAt.Unix()),
		"age_hours":  time.Since(run.CreatedAt).Hours(),
	})
}

// goToLua converts a decoded JSON value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
