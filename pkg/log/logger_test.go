package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newBufferLogger(buf *bytes.Buffer, opts ...LoggerOption) Logger {
	base := []LoggerOption{
		WithLevel(DebugLevel),
		WithFormatter(&TextFormatter{DisableTimestamp: true}),
		WithOutput(NewWriterOutput(buf)),
	}
	return NewLogger(append(base, opts...)...)
}

func TestTextFormatterSortsFields(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)
	l.Info("leased", Int("n", 2), Str("queue", "default"))
	got := buf.String()
	if got != "INFO  leased n=2 queue=default\n" {
		t.Fatalf("unexpected line %q", got)
	}
}

func TestLevelGate(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)
	l.SetLevel(WarnLevel)
	l.Info("dropped")
	l.Warn("kept")
	if strings.Contains(buf.String(), "dropped") {
		t.Fatalf("info should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn should pass")
	}
}

func TestWithCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf).With(Component("consumer"))
	l.Error("fail", Err(errors.New("boom")))
	got := buf.String()
	if !strings.Contains(got, "component=consumer") || !strings.Contains(got, "error=boom") {
		t.Fatalf("missing fields in %q", got)
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(InfoLevel), WithFormatter(&JSONFormatter{}), WithOutput(NewWriterOutput(&buf)))
	l.Info("submitted", Str("correlation_id", "abc"))
	var m map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["msg"] != "submitted" || m["level"] != "INFO" || m["correlation_id"] != "abc" {
		t.Fatalf("unexpected json %v", m)
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, WithRedactedKeys("token"))
	l.Info("auth", Str("token", "secret"))
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("token should be redacted: %q", buf.String())
	}
}

func TestSampling(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, WithSampling(1, 3))
	for i := 0; i < 7; i++ {
		l.Info("tick")
	}
	// first entry, then every third after it: 1 + (0,3) of the remaining 6
	if n := strings.Count(buf.String(), "tick"); n != 3 {
		t.Fatalf("want 3 sampled lines, got %d", n)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": DebugLevel, "INFO": InfoLevel, "warning": WarnLevel, "error": ErrorLevel}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestApplyConfigRejectsFormat(t *testing.T) {
	if _, err := ApplyConfig(&Config{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestStdLoggerBridge(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)
	ToStdLogger(l, WarnLevel).Print("pebble says hi")
	if !strings.Contains(buf.String(), "WARN  pebble says hi source=stdlog") {
		t.Fatalf("unexpected %q", buf.String())
	}
}
