package dispatch

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// LogLevel designates which level a log message is logged at. Matches
// spec §6.4's logLevel option (trace/dump collapse into Debug; there is no
// separate kind for them because nothing downstream distinguishes the two).
type LogLevel int8

const (
	// LogLevelNone disables logging entirely.
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "NONE"
	}
}

// ParseLogLevel maps the strings accepted by spec §6.4's logLevel option.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "error":
		return LogLevelError
	case "warn":
		return LogLevelWarn
	case "info":
		return LogLevelInfo
	case "trace", "dump":
		return LogLevelDebug
	default:
		return LogLevelNone
	}
}

// Logger is the logging contract the core calls into. Applications supply
// one through WithLogger; the default configuration uses nopLogger.
type Logger interface {
	// Level returns the level at which this Logger is interested in
	// messages; Log calls below this level can be skipped by the caller.
	Level() LogLevel
	// Log logs a message at the given level with alternating key-value
	// pairs, mirroring the teacher's cfg.logger.Log(level, msg, "k", v, ...).
	Log(level LogLevel, msg string, keyvals ...interface{})
}

type nopLogger struct{}

func (nopLogger) Level() LogLevel                                    { return LogLevelNone }
func (nopLogger) Log(LogLevel, string, ...interface{})                {}

// BasicLogger is a minimal Logger that writes leveled, timestamped lines to
// an io.Writer. When the writer is a terminal (checked via go-isatty) it
// flushes eagerly after every line; otherwise it still writes synchronously
// but skips the extra Sync-equivalent work, since buffered destinations
// (files, pipes) do not need per-line flush semantics.
type BasicLogger struct {
	mu       sync.Mutex
	w        io.Writer
	level    LogLevel
	isATTY   bool
}

// NewBasicLogger builds a BasicLogger at the given level writing to w. If w
// is os.Stdout/os.Stderr, isatty.IsTerminal selects line-buffered behavior.
func NewBasicLogger(w io.Writer, level LogLevel) *BasicLogger {
	isATTY := false
	if f, ok := w.(*os.File); ok {
		isATTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &BasicLogger{w: w, level: level, isATTY: isATTY}
}

func (b *BasicLogger) Level() LogLevel { return b.level }

func (b *BasicLogger) Log(level LogLevel, msg string, keyvals ...interface{}) {
	if level > b.level || level == LogLevelNone {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(b.w, "%s %-5s %s", time.Now().Format(time.RFC3339Nano), level, msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		fmt.Fprintf(b.w, " %v=%v", keyvals[i], keyvals[i+1])
	}
	fmt.Fprintln(b.w)
	if b.isATTY {
		if f, ok := b.w.(*os.File); ok {
			f.Sync()
		}
	}
}
