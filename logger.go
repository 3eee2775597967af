package coinqw

import (
	"fmt"
	"io"
	"os"
)

// Logger defines logging methods used by the library. Implementations should be cheap.
// Default is FmtLogger which writes to stdout/stderr using fmt.
// *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// FmtLogger is a minimal logger that prints messages with level prefixes.
// Debug/Info go to stdout; Warn/Error go to stderr.
type FmtLogger struct {
	name string
}

// NewFmtLogger creates a new FmtLogger.
func NewFmtLogger() *FmtLogger { return &FmtLogger{} }

// Named returns a logger that tags every line with name, nesting like zap's Named.
func (l FmtLogger) Named(name string) *FmtLogger {
	if l.name != "" {
		name = l.name + "." + name
	}
	return &FmtLogger{name: name}
}

func (l FmtLogger) print(w io.Writer, level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l.name != "" {
		fmt.Fprintf(w, "%s %s: %s\n", level, l.name, msg)
		return
	}
	fmt.Fprintf(w, "%s %s\n", level, msg)
}

func (l FmtLogger) Debugf(format string, args ...any) { l.print(os.Stdout, "[DEBUG]", format, args...) }
func (l FmtLogger) Infof(format string, args ...any)  { l.print(os.Stdout, "[INFO] ", format, args...) }
func (l FmtLogger) Warnf(format string, args ...any)  { l.print(os.Stderr, "[WARN] ", format, args...) }
func (l FmtLogger) Errorf(format string, args ...any) { l.print(os.Stderr, "[ERROR]", format, args...) }

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any) {}
func (NopLogger) Infof(string, ...any)  {}
func (NopLogger) Warnf(string, ...any)  {}
func (NopLogger) Errorf(string, ...any) {}
