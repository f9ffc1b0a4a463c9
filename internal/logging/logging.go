// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for log_file output.
const (
	MaxSizeMB  = 20
	MaxBackups = 5
	MaxAgeDays = 30
)

type Options struct {
	// Level is debug, info, warn or error.
	Level string
	// File, when set, receives the output through a rotating writer
	// instead of Stderr.
	File string
	// Stderr defaults to os.Stderr.
	Stderr *os.File
}

// New returns a logger and a close function for the rotating file.
// Output to a terminal is text, anything else is JSON.
func New(opts Options) (*slog.Logger, func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}
	hopts := &slog.HandlerOptions{Level: level}

	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    MaxSizeMB,
			MaxBackups: MaxBackups,
			MaxAge:     MaxAgeDays,
		}
		return slog.New(slog.NewJSONHandler(lj, hopts)), lj.Close, nil
	}

	out := opts.Stderr
	if out == nil {
		out = os.Stderr
	}
	return slog.New(handlerFor(out, isTerminal(out.Fd()), hopts)), func() error { return nil }, nil
}

func isTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func handlerFor(w io.Writer, tty bool, opts *slog.HandlerOptions) slog.Handler {
	if tty {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// ParseLevel maps a configuration level name. Empty is info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unknown level %q", s)
}
