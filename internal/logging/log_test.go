package logging

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sk-1234567890abcdef", "sk-1...cdef"},
		{"short1", "sh...t1"},
		{"abc", "a...c"},
		{"ab", "ab"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := MaskSecret(tt.in); got != tt.want {
			t.Errorf("MaskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEntryFieldsReachOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	SetLevel(slog.LevelDebug)

	WithField("credential", "cred-1").WithField("state", "active").Info("transition applied")

	out := buf.String()
	if !strings.Contains(out, "transition applied") {
		t.Fatalf("message missing from output: %q", out)
	}
	if !strings.Contains(out, "credential=cred-1") || !strings.Contains(out, "state=active") {
		t.Fatalf("fields missing from output: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	SetLevel(slog.LevelWarn)
	defer SetLevel(slog.LevelInfo)

	Debug("invisible")
	Info("also invisible")
	Warn("visible")

	out := buf.String()
	if strings.Contains(out, "invisible") {
		t.Fatalf("filtered levels leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("warn level suppressed: %q", out)
	}
}
