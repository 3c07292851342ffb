package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Options controls where and how the agent logs.
type Options struct {
	Level  string
	Path   string // empty logs to stderr
	JSON   bool
	Prefix string
}

// Logger wraps a charmbracelet logger together with the file it writes to.
type Logger struct {
	*log.Logger
	file *os.File
}

// New creates a logger. A log file is opened for append and created if needed.
func New(opts Options) (*Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	var file *os.File
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		file, err = os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = file
	}

	l := log.NewWithOptions(out, log.Options{
		Level:           lvl,
		Prefix:          opts.Prefix,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	if opts.JSON {
		l.SetFormatter(log.JSONFormatter)
	}
	return &Logger{Logger: l, file: file}, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// ParseLevel accepts the usual spellings ("warning", "err", ...) on top of
// the names charmbracelet/log understands. Empty means info.
func ParseLevel(s string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return log.InfoLevel, nil
	case "warning":
		return log.WarnLevel, nil
	case "err":
		return log.ErrorLevel, nil
	case "trace":
		return log.DebugLevel, nil
	}
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return log.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
