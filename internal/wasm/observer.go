package wasm

import (
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Observer receives text emitted by host functions.
// Emit must not block and must not fail the run.
type Observer interface {
	Emit(text string)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(text string)

// Emit calls f.
func (f ObserverFunc) Emit(text string) {
	f(text)
}

// NopObserver discards everything.
var NopObserver Observer = ObserverFunc(func(string) {})

// LogObserver forwards emitted text to a zap logger at debug level.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver creates an observer that logs module output.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	return &LogObserver{logger: logger.With(zap.String("component", "wasm-output"))}
}

// Emit logs text.
func (o *LogObserver) Emit(text string) {
	o.logger.Debug("Module output", zap.String("text", text))
}

// WriterObserver writes each emitted text as a line to w. Write errors are dropped.
type WriterObserver struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterObserver creates an observer over w.
func NewWriterObserver(w io.Writer) *WriterObserver {
	return &WriterObserver{w: w}
}

// Emit writes text followed by a newline.
func (o *WriterObserver) Emit(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = io.WriteString(o.w, text+"\n")
}

// Transcript records every emitted line in order.
type Transcript struct {
	mu    sync.Mutex
	lines []string
}

// Emit appends text.
func (t *Transcript) Emit(text string) {
	t.mu.Lock()
	t.lines = append(t.lines, text)
	t.mu.Unlock()
}

// Lines returns a copy of the recorded lines.
func (t *Transcript) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

// String joins the recorded lines with newlines.
func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return ""
	}
	return strings.Join(t.lines, "\n") + "\n"
}

// Reset discards the recorded lines.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.lines = nil
	t.mu.Unlock()
}

// Tee fans emitted text out to every non-nil observer.
func Tee(observers ...Observer) Observer {
	var list []Observer
	for _, o := range observers {
		if o != nil {
			list = append(list, o)
		}
	}
	return ObserverFunc(func(text string) {
		for _, o := range list {
			o.Emit(text)
		}
	})
}
