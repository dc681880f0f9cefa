// Package lock keeps at most one orchestration process working on a plan
// at a time. Locks are files named by a hash of the canonical plan path;
// a lock whose recorded pid no longer exists is stale and reclaimable no
// matter how old it is.
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/shepherd/internal/storage"
)

var ErrNotOwner = errors.New("lock is held by another process")

// Lock is the record stored in a lock file.
type Lock struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Artifact  string    `json:"artifact"`
}

type Acquisition struct {
	Acquired bool
	// Stale is set when a dead holder's lock was reclaimed.
	Stale bool
	// Existing is the holder's record when Acquired is false, or the
	// reclaimed record when Stale is set.
	Existing *Lock
	Path     string
}

type Manager struct {
	dir     string
	pid     int
	started time.Time
	alive   func(pid int) bool
	log     *zap.Logger
}

type Option func(*Manager)

func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithPID sets the pid recorded in acquired locks.
func WithPID(pid int) Option {
	return func(m *Manager) { m.pid = pid }
}

func NewManager(dir string, opts ...Option) *Manager {
	m := &Manager{
		dir:     dir,
		pid:     os.Getpid(),
		started: time.Now().UTC(),
		alive:   processAlive,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key is the stable lock name for a canonical artifact path.
func Key(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func (m *Manager) path(artifactPath string) (string, string, error) {
	canonical, err := storage.CanonicalPath(artifactPath)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(m.dir, Key(canonical)+".lock"), canonical, nil
}

// Acquire takes the lock for artifactPath unless a live process other
// than this one holds it.
func (m *Manager) Acquire(artifactPath string) (*Acquisition, error) {
	path, canonical, err := m.path(artifactPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	mine := Lock{PID: m.pid, StartedAt: m.started, Artifact: canonical}
	log := m.log.With(zap.String("artifact", canonical), zap.String("lock", path))

	// Retries cover a stale lock being reclaimed by another process
	// between our read and our create.
	var reclaimed *Lock
	for attempt := 0; attempt < 3; attempt++ {
		created, err := createExclusive(path, mine)
		if err != nil {
			return nil, err
		}
		if created {
			log.Debug("lock acquired", zap.Bool("stale", reclaimed != nil))
			return &Acquisition{Acquired: true, Stale: reclaimed != nil, Existing: reclaimed, Path: path}, nil
		}

		existing, err := readLock(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			log.Warn("unreadable lock file; reclaiming it", zap.Error(err))
			existing = &Lock{}
		}

		if existing.PID == m.pid {
			if err := writeAtomic(path, mine); err != nil {
				return nil, err
			}
			return &Acquisition{Acquired: true, Path: path}, nil
		}
		if existing.PID > 0 && m.alive(existing.PID) {
			log.Info("lock held by a live process", zap.Int("holder", existing.PID))
			return &Acquisition{Acquired: false, Existing: existing, Path: path}, nil
		}

		log.Info("reclaiming stale lock", zap.Int("holder", existing.PID), zap.Time("held_since", existing.StartedAt))
		ok, err := reclaim(path, existing, m.pid)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Info("lock changed hands while reclaiming")
			continue
		}
		reclaimed = existing
	}

	existing, err := readLock(path)
	if err != nil {
		return nil, fmt.Errorf("lock %s changed hands while reclaiming: %w", path, err)
	}
	return &Acquisition{Acquired: false, Existing: existing, Path: path}, nil
}

// Release removes this process's lock. A missing lock is not an error.
func (m *Manager) Release(artifactPath string) error {
	path, _, err := m.path(artifactPath)
	if err != nil {
		return err
	}
	existing, err := readLock(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err == nil && existing.PID != m.pid {
		return fmt.Errorf("release %s: %w (pid %d)", path, ErrNotOwner, existing.PID)
	}
	return removeIfExists(path)
}

// ForceRelease removes the lock whoever holds it.
func (m *Manager) ForceRelease(artifactPath string) error {
	path, _, err := m.path(artifactPath)
	if err != nil {
		return err
	}
	return removeIfExists(path)
}

// Inspect returns the current lock record and whether its holder is
// alive. It returns nil when the artifact is not locked.
func (m *Manager) Inspect(artifactPath string) (*Lock, bool, error) {
	path, _, err := m.path(artifactPath)
	if err != nil {
		return nil, false, err
	}
	existing, err := readLock(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return existing, existing.PID > 0 && m.alive(existing.PID), nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

func readLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode lock %s: %w", path, err)
	}
	return &l, nil
}
