package lock

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plan(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(path, []byte("# plan\n"), 0o644))
	return path
}

// deadPID returns the pid of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestAcquire_Fresh(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "locks"))
	acq, err := m.Acquire(plan(t))
	require.NoError(t, err)

	assert.True(t, acq.Acquired)
	assert.False(t, acq.Stale)
	assert.FileExists(t, acq.Path)
}

func TestAcquire_StaleLockIsReclaimed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	p := plan(t)
	dead := deadPID(t)

	acq, err := NewManager(dir, WithPID(dead)).Acquire(p)
	require.NoError(t, err)
	require.True(t, acq.Acquired)

	acq, err = NewManager(dir).Acquire(p)
	require.NoError(t, err)
	assert.True(t, acq.Acquired)
	assert.True(t, acq.Stale)
	require.NotNil(t, acq.Existing)
	assert.Equal(t, dead, acq.Existing.PID)

	holder, alive, err := NewManager(dir).Inspect(p)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), holder.PID)
	assert.True(t, alive)
}

func TestAcquire_ConcurrentReclaimKeepsOneHolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	p := plan(t)
	dead := os.Getpid() + 1_000_000
	other := os.Getpid() + 2_000_000

	acq, err := NewManager(dir, WithPID(dead)).Acquire(p)
	require.NoError(t, err)
	require.True(t, acq.Acquired)

	b := NewManager(dir, WithPID(other))
	b.alive = func(pid int) bool { return pid != dead }
	var bAcq *Acquisition

	// a decides the old holder is dead, then b reclaims and takes the lock
	// before a gets to remove anything.
	a := NewManager(dir, WithPID(os.Getpid()+3_000_000))
	a.alive = func(pid int) bool {
		if pid == dead && bAcq == nil {
			var bErr error
			bAcq, bErr = b.Acquire(p)
			require.NoError(t, bErr)
			return false
		}
		return pid == other
	}

	aAcq, err := a.Acquire(p)
	require.NoError(t, err)
	require.NotNil(t, bAcq)
	assert.True(t, bAcq.Acquired)
	assert.True(t, bAcq.Stale)
	assert.False(t, aAcq.Acquired)
	require.NotNil(t, aAcq.Existing)
	assert.Equal(t, other, aAcq.Existing.PID)

	got, err := readLock(bAcq.Path)
	require.NoError(t, err)
	assert.Equal(t, other, got.PID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAcquire_LiveHolderWins(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	p := plan(t)

	first, err := NewManager(dir).Acquire(p)
	require.NoError(t, err)
	require.True(t, first.Acquired)

	acq, err := NewManager(dir, WithPID(os.Getpid()+1_000_000)).Acquire(p)
	require.NoError(t, err)
	assert.False(t, acq.Acquired)
	require.NotNil(t, acq.Existing)
	assert.Equal(t, os.Getpid(), acq.Existing.PID)
}

func TestAcquire_PermissionDeniedCountsAsAlive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	p := plan(t)

	// pid 1 always exists; unprivileged callers get EPERM probing it.
	_, err := NewManager(dir, WithPID(1)).Acquire(p)
	require.NoError(t, err)

	acq, err := NewManager(dir).Acquire(p)
	require.NoError(t, err)
	assert.False(t, acq.Acquired)
	assert.Equal(t, 1, acq.Existing.PID)
}

func TestAcquire_SamePIDIsIdempotent(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "locks"))
	p := plan(t)

	for i := 0; i < 3; i++ {
		acq, err := m.Acquire(p)
		require.NoError(t, err)
		assert.True(t, acq.Acquired)
		assert.False(t, acq.Stale)
	}
}

func TestAcquire_EquivalentPathsShareALock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	p := plan(t)
	link := filepath.Join(t.TempDir(), "alias.md")
	require.NoError(t, os.Symlink(p, link))

	_, err := NewManager(dir).Acquire(p)
	require.NoError(t, err)
	acq, err := NewManager(dir, WithPID(os.Getpid()+1_000_000)).Acquire(link)
	require.NoError(t, err)
	assert.False(t, acq.Acquired)
}

func TestRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	p := plan(t)
	m := NewManager(dir)

	require.NoError(t, m.Release(p), "releasing an absent lock")

	_, err := m.Acquire(p)
	require.NoError(t, err)

	other := NewManager(dir, WithPID(os.Getpid()+1_000_000))
	assert.True(t, errors.Is(other.Release(p), ErrNotOwner))

	require.NoError(t, m.Release(p))
	require.NoError(t, m.Release(p))
	holder, _, err := m.Inspect(p)
	require.NoError(t, err)
	assert.Nil(t, holder)

	_, err = m.Acquire(p)
	require.NoError(t, err)
	require.NoError(t, other.ForceRelease(p))
	holder, _, err = m.Inspect(p)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestAcquire_CorruptLockIsReclaimed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	p := plan(t)
	m := NewManager(dir)
	acq, err := m.Acquire(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(acq.Path, []byte("{not json"), 0o644))

	acq, err = NewManager(dir, WithPID(os.Getpid()+1_000_000)).Acquire(p)
	require.NoError(t, err)
	assert.True(t, acq.Acquired)
	assert.True(t, acq.Stale)
}
