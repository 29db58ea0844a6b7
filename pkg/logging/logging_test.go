package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelWarn, "text", &buf)
	defer Init(LevelInfo, "text", &buf)

	Debug("test", "debug message")
	Info("test", "info message")
	Warn("test", "warn message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("levels below warn should be suppressed, got: %s", out)
	}
	if !strings.Contains(out, "warn message") {
		t.Errorf("warn message missing from output: %s", out)
	}
}

func TestSubsystemAttribute(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, "json", &buf)
	defer Init(LevelInfo, "text", &buf)

	Info("Lifecycle", "operation %s queued", "op-1")

	out := buf.String()
	if !strings.Contains(out, `"subsystem":"Lifecycle"`) {
		t.Errorf("subsystem attribute missing: %s", out)
	}
	if !strings.Contains(out, "operation op-1 queued") {
		t.Errorf("formatted message missing: %s", out)
	}
}
