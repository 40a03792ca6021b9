package birpc

import "log/slog"

// Logger abstracts the *slog.Logger behavior the engine needs.
//
// By depending on this narrow interface instead of *slog.Logger directly
// we allow unit testing and alternative implementations.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

var _ Logger = (*slog.Logger)(nil)

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}

// DefaultLogger returns the no-op Logger used when none is configured,
// following the convention of not writing to stdout/stderr unless asked.
func DefaultLogger() Logger {
	return discardLogger{}
}
