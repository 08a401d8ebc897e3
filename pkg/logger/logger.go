package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// New returns a text slog.Logger writing timestamped records to w.
func New(service string, level slog.Level, w io.Writer) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}

// Session is a per-run log file that mirrors everything written to the terminal.
type Session struct {
	Path string
	file *os.File
}

// SessionFileName names the log file for a run that started at the given time.
func SessionFileName(prefix string, startedAt time.Time) string {
	return fmt.Sprintf("%s_%s.log", prefix, startedAt.Format("20060102_150405"))
}

// NewSession creates the session log file under dir and returns a logger that
// writes every record to both terminal and file.
func NewSession(service, dir, prefix string, startedAt time.Time, level slog.Level, terminal io.Writer) (*slog.Logger, *Session, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, SessionFileName(prefix, startedAt))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open session log: %w", err)
	}
	log := New(service, level, io.MultiWriter(terminal, file))
	return log, &Session{Path: path, file: file}, nil
}

// Close flushes and closes the session log file.
func (s *Session) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
