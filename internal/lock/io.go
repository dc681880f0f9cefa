package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

func encode(l Lock) ([]byte, error) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}
	return append(data, '\n'), nil
}

func writeTemp(path string, l Lock) (string, error) {
	data, err := encode(l)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp lock: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp lock: %w", err)
	}
	return tmp.Name(), nil
}

// createExclusive publishes a fully written lock at path only if nothing
// is there yet. Hard-linking the temp file fails when path exists, so
// readers never see a partial record.
func createExclusive(path string, l Lock) (bool, error) {
	tmp, err := writeTemp(path, l)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock: %w", err)
	}
	return true, nil
}

// writeAtomic replaces the lock at path with a tmp-and-rename.
func writeAtomic(path string, l Lock) error {
	tmp, err := writeTemp(path, l)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp lock: %w", err)
	}
	return nil
}

// reclaim deletes the lock at path only if it still holds the record seen.
// The file is moved aside first; a lock published by another process in the
// meantime is linked back instead of deleted.
func reclaim(path string, seen *Lock, pid int) (bool, error) {
	aside := fmt.Sprintf("%s.%d-%d.stale", path, pid, time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("move stale lock: %w", err)
	}
	defer os.Remove(aside)

	got, err := readLock(aside)
	same := err != nil && seen.PID == 0
	if err == nil {
		same = got.PID == seen.PID && got.StartedAt.Equal(seen.StartedAt)
	}
	if same {
		return true, nil
	}
	if err := os.Link(aside, path); err != nil && !errors.Is(err, fs.ErrExist) {
		return false, fmt.Errorf("restore lock: %w", err)
	}
	return false, nil
}
