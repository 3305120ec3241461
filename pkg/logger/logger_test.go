package logger

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func TestInitAndLevelString(t *testing.T) {
	Init("debug")
	if got := LevelString(); got != "debug" {
		t.Fatalf("LevelString() = %q, want %q", got, "debug")
	}
	Init("WARN")
	if got := LevelString(); got != "warn" {
		t.Fatalf("LevelString() = %q, want %q", got, "warn")
	}
	Init("nonsense")
	if got := LevelString(); got != "info" {
		t.Fatalf("LevelString() = %q, want %q for unknown input", got, "info")
	}
}

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := logger
	logger = log.New(&buf, "", 0)
	t.Cleanup(func() {
		logger = orig
		Init("info")
	})
	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t)

	Init("warn")
	Debugf("debug-msg")
	Infof("info-msg")
	Warnf("warn-msg")
	Errorf("error-msg")

	out := buf.String()
	if strings.Contains(out, "debug-msg") || strings.Contains(out, "info-msg") {
		t.Fatalf("messages below warn should be suppressed: %q", out)
	}
	if !strings.Contains(out, "[WARN] warn-msg") {
		t.Fatalf("warn message missing: %q", out)
	}
	if !strings.Contains(out, "[ERROR] error-msg") {
		t.Fatalf("error message missing: %q", out)
	}
}

func TestWithFields(t *testing.T) {
	buf := captureOutput(t)
	Init("debug")

	With("docType", "tree", "id", "01").With("op").Infof("saved %d", 1)
	out := buf.String()
	if !strings.Contains(out, "saved 1 docType=tree id=01 op=?") {
		t.Fatalf("unexpected line: %q", out)
	}

	buf.Reset()
	Init("error")
	With("docType", "tree").Warnf("hidden")
	if buf.Len() != 0 {
		t.Fatalf("warn with fields should be suppressed at error level: %q", buf.String())
	}
}

func TestSetOutput(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)

	Init("info")
	With("hook", "validateDoc").Errorf("callback failed")
	if !strings.Contains(buf.String(), "callback failed hook=validateDoc") {
		t.Fatalf("output = %q, want the message followed by its fields", buf.String())
	}
}
