package agent

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// openLog opens the per-invocation event log. A log that cannot be opened
// is skipped rather than failing the invocation.
func openLog(path string, log *zap.Logger) io.WriteCloser {
	if path == "" {
		return nopWriteCloser{io.Discard}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warn("cannot create agent log directory", zap.String("path", path), zap.Error(err))
		return nopWriteCloser{io.Discard}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Warn("cannot open agent log", zap.String("path", path), zap.Error(err))
		return nopWriteCloser{io.Discard}
	}
	return f
}
