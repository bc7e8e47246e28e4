// Package logging provides Relay's session-style logger: debug and warn go
// to the structured log only, info also echoes to the console unless quiet
// mode is on, and user-facing messages and errors go to both the log and
// the console. Mirrors the teacher's atomic/logging.SessionLogger facade, but
// backed by zap instead of the bare log package.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Logger wraps a zap.SugaredLogger with the teacher's selective-output
// convention: every level goes to the structured sink; Info also prints to
// the console unless quietMode is set, and UserMessage and Error always do.
type Logger struct {
	sugar     *zap.SugaredLogger
	quietMode bool
}

// New builds a production zap logger writing JSON to logPath (created if
// missing) and returns a Logger wrapping it. quietMode suppresses Info
// console echoes, matching the teacher's "debug to file only" behavior.
func New(logPath string, quietMode bool) (*Logger, error) {
	cfg := zap.NewProductionConfig()
	if logPath != "" {
		cfg.OutputPaths = []string{logPath}
		cfg.ErrorOutputPaths = []string{logPath}
	}
	zl, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: failed to build zap logger: %w", err)
	}
	return &Logger{sugar: zl.Sugar(), quietMode: quietMode}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar(), quietMode: true}
}

func (l *Logger) Sync() error { return l.sugar.Sync() }

func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.sugar.Info(msg)
	if !l.quietMode {
		fmt.Println(msg)
	}
}

// UserMessage is a message the operator should see regardless of quiet mode.
func (l *Logger) UserMessage(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.sugar.Info(msg)
	fmt.Println(msg)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.sugar.Error(msg)
	fmt.Fprintf(os.Stderr, "error: %s\n", msg)
}

// With returns a child logger with structured fields attached to every entry.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(kv...), quietMode: l.quietMode}
}
