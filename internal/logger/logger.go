// Package logger builds the zerolog logger shared by every sync component.
//
// Output goes to the console and, when a log directory is configured, to
// JSON files split by level (info.log receives info and above, error.log
// receives errors only).
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger
type Options struct {
	Level   string
	Format  string // console or json
	Dir     string // empty disables file output
	Service string
	Writer  io.Writer
}

// FromEnv reads LOG_LEVEL, LOG_FORMAT and LOG_DIR
func FromEnv() Options {
	return Options{
		Level:   getEnv("LOG_LEVEL", "info"),
		Format:  getEnv("LOG_FORMAT", "console"),
		Dir:     getEnv("LOG_DIR", "logs"),
		Service: "tracker-data-sync",
	}
}

// New builds a root logger. The returned close func releases any log files.
func New(opt Options) (zerolog.Logger, func() error, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var console io.Writer = os.Stderr
	if opt.Writer != nil {
		console = opt.Writer
	}
	if strings.ToLower(opt.Format) != "json" {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}

	writers := []io.Writer{console}
	var files []*os.File
	closeAll := func() error {
		var firstErr error
		for _, f := range files {
			if err := f.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	if opt.Dir != "" {
		if err := os.MkdirAll(opt.Dir, 0o755); err != nil {
			return zerolog.Nop(), closeAll, fmt.Errorf("failed to create log directory: %w", err)
		}
		for _, target := range []struct {
			name  string
			level zerolog.Level
		}{
			{"info.log", zerolog.InfoLevel},
			{"error.log", zerolog.ErrorLevel},
		} {
			f, err := os.OpenFile(filepath.Join(opt.Dir, target.name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				_ = closeAll()
				return zerolog.Nop(), func() error { return nil }, fmt.Errorf("failed to open %s: %w", target.name, err)
			}
			files = append(files, f)
			writers = append(writers, &levelFilter{w: f, min: target.level})
		}
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(opt.Level)).
		With().
		Timestamp()
	if opt.Service != "" {
		ctx = ctx.Str("service", opt.Service)
	}

	return ctx.Logger(), closeAll, nil
}

// Named returns a child logger with a component field
func Named(l zerolog.Logger, component string) zerolog.Logger {
	if component == "" {
		return l
	}
	return l.With().Str("component", component).Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// levelFilter drops events below min
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f *levelFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f *levelFilter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
