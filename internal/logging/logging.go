// Package logging extends the repository's ambient log.Logger convention
// (used directly by pkg/transport/grpc) with a thin
// leveled wrapper for cmd/raftd's own startup and lifecycle messages.
package logging

import (
	"log"
	"os"
)

// Level is a log severity. Levels below a Logger's configured level are
// dropped before formatting.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a flag value like "debug" or "warn" to a Level,
// defaulting to LevelInfo for anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger wraps a standard library *log.Logger with severity-tagged
// helpers. It has a Printf(format string, args ...any) method like
// *log.Logger's, but it is not a *log.Logger: collaborators whose
// parameter is typed *log.Logger are handed Std() instead.
type Logger struct {
	level Level
	std   *log.Logger
}

// New builds a Logger writing to stderr with the given prefix, filtering
// out anything below level.
func New(prefix string, level Level) *Logger {
	return &Logger{level: level, std: log.New(os.Stderr, prefix, log.LstdFlags)}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logAt(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logAt(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logAt(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logAt(LevelError, format, args...) }

// Fatalf logs at error level and exits, matching log.Fatalf's contract.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.std.Fatalf("[FATAL] "+format, args...)
}

// Printf logs at info level, letting Logger stand in for a bare
// *log.Logger at call sites that only ever did unleveled logging before.
func (l *Logger) Printf(format string, args ...interface{}) { l.Infof(format, args...) }

func (l *Logger) logAt(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	l.std.Printf("["+tag(level)+"] "+format, args...)
}

// Std returns the *log.Logger backing l, for collaborators (such as
// pkg/transport/grpc.NewTransport) whose signature predates this
// package and expects the standard library type directly.
func (l *Logger) Std() *log.Logger { return l.std }

func tag(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}
