// Package logger provides the process-wide structured logger. It wraps
// log/slog with a reconfigurable level/format/output so the rest of the
// module never imports log/slog directly.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents a logging severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Config holds logger initialization parameters, decoded from pkg/config.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	currentLevel  atomic.Int32
	currentFormat atomic.Value // "text" or "json"

	mu       sync.RWMutex
	handler  slog.Handler
	slogger  *slog.Logger
	output   io.Writer = os.Stdout
	useColor           = true
)

func init() {
	currentLevel.Store(int32(LevelInfo))
	currentFormat.Store("text")
	if f, ok := output.(*os.File); ok {
		useColor = isTerminal(f.Fd())
	}
	reconfigure()
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func reconfigure() {
	mu.Lock()
	defer mu.Unlock()

	level := Level(currentLevel.Load())
	format, _ := currentFormat.Load().(string)

	levelVar := new(slog.LevelVar)
	levelVar.Set(toSlogLevel(level))
	opts := &slog.HandlerOptions{Level: levelVar}

	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = NewColorTextHandler(output, opts, useColor)
	}
	slogger = slog.New(handler)
}

// Init configures the logger from a Config. Output may be "stdout",
// "stderr", or a file path; an empty value leaves the current output.
func Init(cfg Config) error {
	if cfg.Output != "" {
		mu.Lock()
		var newOutput io.Writer
		var newUseColor bool
		switch strings.ToLower(cfg.Output) {
		case "stdout":
			newOutput, newUseColor = os.Stdout, isTerminal(os.Stdout.Fd())
		case "stderr":
			newOutput, newUseColor = os.Stderr, isTerminal(os.Stderr.Fd())
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				mu.Unlock()
				return fmt.Errorf("logger: open %q: %w", cfg.Output, err)
			}
			newOutput, newUseColor = f, false
		}
		output, useColor = newOutput, newUseColor
		mu.Unlock()
	}
	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}
	if cfg.Format != "" {
		SetFormat(cfg.Format)
	}
	reconfigure()
	return nil
}

// InitWithWriter points the logger at an arbitrary writer; used by tests.
func InitWithWriter(w io.Writer, level, format string, enableColor bool) {
	mu.Lock()
	output, useColor = w, enableColor
	mu.Unlock()
	if level != "" {
		SetLevel(level)
	}
	if format != "" {
		SetFormat(format)
	}
	reconfigure()
}

// SetLevel sets the minimum level that is emitted.
func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel.Store(int32(LevelDebug))
	case "INFO":
		currentLevel.Store(int32(LevelInfo))
	case "WARN":
		currentLevel.Store(int32(LevelWarn))
	case "ERROR":
		currentLevel.Store(int32(LevelError))
	default:
		return
	}
	reconfigure()
}

// SetFormat switches between "text" and "json" output.
func SetFormat(format string) {
	format = strings.ToLower(format)
	if format != "text" && format != "json" {
		return
	}
	currentFormat.Store(format)
	reconfigure()
}

func getLogger() *slog.Logger {
	mu.RLock()
	l := slogger
	mu.RUnlock()
	return l
}

// Debug logs at debug level: Debug("acquired page", "page_id", id).
func Debug(msg string, args ...any) {
	if LevelDebug < Level(currentLevel.Load()) {
		return
	}
	getLogger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if LevelInfo < Level(currentLevel.Load()) {
		return
	}
	getLogger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	if LevelWarn < Level(currentLevel.Load()) {
		return
	}
	getLogger().Warn(msg, args...)
}

// Error logs at error level; always emitted.
func Error(msg string, args ...any) {
	getLogger().Error(msg, args...)
}

// With returns a logger with the given attributes pre-bound, for passing
// down a call chain (e.g. logger.With("inode", ino, "fh", fh)).
func With(args ...any) *slog.Logger {
	return getLogger().With(args...)
}

// Duration returns the elapsed time since start in fractional milliseconds,
// for logging operation latencies.
func Duration(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
