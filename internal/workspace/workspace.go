// Package workspace lays out per-run files on disk and answers the few git
// questions the orchestrator asks about the repository an agent works in.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/mpataki/shepherd/internal/models"
)

// Workspace is the directory holding one run's raw agent logs.
type Workspace struct {
	Path string
}

type RunMetadata struct {
	RunID     int64          `json:"run_id"`
	Artifact  string         `json:"artifact"`
	Command   models.Command `json:"command"`
	WorkDir   string         `json:"work_dir"`
	Phase     string         `json:"phase,omitempty"`
	Iteration int            `json:"iteration"`
	State     models.State   `json:"state"`
}

// Create makes (or reopens) the log directory for a run.
func Create(logsDir string, runID int64) (*Workspace, error) {
	w := &Workspace{Path: RunDir(logsDir, runID)}
	if err := os.MkdirAll(w.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return w, nil
}

func Open(logsDir string, runID int64) (*Workspace, error) {
	path := RunDir(logsDir, runID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for run %d does not exist", runID)
	}
	return &Workspace{Path: path}, nil
}

func RunDir(logsDir string, runID int64) string {
	return filepath.Join(logsDir, fmt.Sprintf("run-%d", runID))
}

// LogPath names a fresh event log for one invocation of step. Retries of
// the same step get distinct files.
func (w *Workspace) LogPath(step models.Step) string {
	phase := step.Phase
	if phase == "" {
		phase = "plan"
	}
	name := fmt.Sprintf("%s-%s-%s-i%d-%s.jsonl",
		sanitize(phase), step.Role, sanitize(step.Template), step.Iteration, uuid.NewString()[:8])
	return filepath.Join(w.Path, name)
}

// Logs lists the run's event logs, oldest name first.
func (w *Workspace) Logs() ([]string, error) {
	return filepath.Glob(filepath.Join(w.Path, "*.jsonl"))
}

func (w *Workspace) WriteRunMetadata(meta *RunMetadata) error {
	path := filepath.Join(w.Path, "run.json")

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run.json: %w", err)
	}
	return os.Rename(tmp, path)
}

func (w *Workspace) ReadRunMetadata() (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(w.Path, "run.json"))
	if err != nil {
		return nil, err
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse run.json: %w", err)
	}
	return &meta, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			return r
		}
		return '-'
	}, s)
}

// CreateWorktree adds a detached worktree of sourceRepo's HEAD at path.
func CreateWorktree(sourceRepo, path string) error {
	absRepo, err := filepath.Abs(sourceRepo)
	if err != nil {
		return fmt.Errorf("failed to resolve repo path: %w", err)
	}
	sha, err := HeadCommit(absRepo)
	if err != nil {
		return err
	}

	cmd := exec.Command("git", "worktree", "add", "--detach", path, sha)
	cmd.Dir = absRepo
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create worktree: %s", strings.TrimSpace(string(output)))
	}
	return nil
}
