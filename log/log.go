// Package log provides the structured logger used throughout the overlay
// core. It wraps log/slog with a terminal-aware handler in the spirit of
// go-ethereum's log package: plain key/value records when writing to a
// file or pipe, colorized aligned records when writing to a tty.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level mirrors slog.Level with GNUnet-familiar names.
type Level = slog.Level

const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelCrit  = slog.Level(12)
)

// Logger is a structured logger carrying static key/value context, created
// with New and passed explicitly to every component (no package-global
// logger is consulted by core code; see node.Node wiring).
type Logger struct {
	inner *slog.Logger
	level *levelVar
}

type levelVar struct {
	mu  sync.RWMutex
	lvl Level
}

func (l *levelVar) get() Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lvl
}

func (l *levelVar) set(lvl Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lvl = lvl
}

// New creates a root logger writing terminal-formatted records to w at the
// given minimum level. If w is a *os.File connected to a tty, records are
// colorized; otherwise they are plain key=value pairs.
func New(w io.Writer, minLevel Level) *Logger {
	lv := &levelVar{lvl: minLevel}
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	h := &termHandler{out: w, color: color, lvl: lv}
	return &Logger{inner: slog.New(h), level: lv}
}

// NewRotating creates a root logger writing to a lumberjack-rotated file.
// Rotating sinks are never colorized.
func NewRotating(path string, maxSizeMB, maxBackups, maxAgeDays int) *Logger {
	rot := newLumberjack(path, maxSizeMB, maxBackups, maxAgeDays)
	lv := &levelVar{lvl: LevelInfo}
	h := &termHandler{out: rot, color: false, lvl: lv}
	return &Logger{inner: slog.New(h), level: lv}
}

// With returns a child logger carrying the given static key/value context
// in addition to the parent's. Every component is constructed with a
// `component` tagged child, e.g. root.With("component", "dht").
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{inner: l.inner.With(kv...), level: l.level}
}

// SetLevel adjusts the minimum emitted level for this logger tree.
func (l *Logger) SetLevel(lvl Level) { l.level.set(lvl) }

func (l *Logger) Trace(msg string, kv ...any) { l.log(LevelTrace, msg, kv...) }
func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.log(LevelInfo, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.log(LevelWarn, msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, msg, kv...) }

// Crit logs at the fatal-invariant level described in spec.md §7 ("Fatal")
// and attaches the caller's stack frame, but does not terminate the
// process — the caller decides whether the enclosing operation aborts.
func (l *Logger) Crit(msg string, kv ...any) {
	kv = append(kv, "stack", stack.Caller(1).String())
	l.log(LevelCrit, msg, kv...)
}

func (l *Logger) log(lvl Level, msg string, kv ...any) {
	if lvl < l.level.get() {
		return
	}
	l.inner.Log(context.Background(), lvl, msg, kv...)
}

// termHandler is a minimal slog.Handler producing aligned, optionally
// colorized single-line records: "LVL [timestamp] msg  k=v k=v ...".
type termHandler struct {
	out   io.Writer
	color bool
	lvl   *levelVar
	attrs []slog.Attr
	mu    sync.Mutex
}

func (h *termHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= h.lvl.get()
}

func (h *termHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%s] %s", levelTag(h.color, r.Level), r.Time.Format("01-02|15:04:05.000"), r.Message)

	kvs := make([]string, 0, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		kvs = append(kvs, fmt.Sprintf("%s=%v", a.Key, a.Value.Any()))
	}
	r.Attrs(func(a slog.Attr) bool {
		kvs = append(kvs, fmt.Sprintf("%s=%v", a.Key, a.Value.Any()))
		return true
	})
	sort.Strings(kvs)
	for _, kv := range kvs {
		b.WriteByte(' ')
		b.WriteString(kv)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *termHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &termHandler{out: h.out, color: h.color, lvl: h.lvl}
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return n
}

func (h *termHandler) WithGroup(_ string) slog.Handler { return h }

func levelTag(color bool, lvl slog.Level) string {
	var tag string
	switch {
	case lvl >= LevelCrit:
		tag = "CRIT "
	case lvl >= LevelError:
		tag = "ERROR"
	case lvl >= LevelWarn:
		tag = "WARN "
	case lvl >= LevelInfo:
		tag = "INFO "
	case lvl >= LevelDebug:
		tag = "DEBUG"
	default:
		tag = "TRACE"
	}
	if !color {
		return tag + " "
	}
	code := "0"
	switch {
	case lvl >= LevelCrit:
		code = "35"
	case lvl >= LevelError:
		code = "31"
	case lvl >= LevelWarn:
		code = "33"
	case lvl >= LevelInfo:
		code = "32"
	}
	return fmt.Sprintf("[%sm%s[0m ", code, tag)
}
