package wasm

import (
	"bytes"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestTeeFansOut(t *testing.T) {
	var buf bytes.Buffer
	transcript := &Transcript{}

	core, logs := observer.New(zapcore.DebugLevel)
	o := Tee(NewWriterObserver(&buf), nil, transcript, NewLogObserver(zap.New(core)))

	o.Emit("one")
	o.Emit("two")

	if got := buf.String(); got != "one\ntwo\n" {
		t.Errorf("writer got %q", got)
	}
	if got := transcript.String(); got != "one\ntwo\n" {
		t.Errorf("transcript got %q", got)
	}

	entries := logs.FilterMessage("Module output").All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if text := entries[1].ContextMap()["text"]; text != "two" {
		t.Errorf("logged text = %v, want two", text)
	}
}

func TestTranscriptReset(t *testing.T) {
	tr := &Transcript{}
	if tr.String() != "" {
		t.Errorf("empty transcript should render empty")
	}

	tr.Emit("a")
	lines := tr.Lines()
	lines[0] = "changed"
	if tr.Lines()[0] != "a" {
		t.Errorf("Lines should return a copy")
	}

	tr.Reset()
	if len(tr.Lines()) != 0 {
		t.Errorf("Reset should discard lines")
	}
}
