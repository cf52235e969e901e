package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestLoggerAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewJSONHandler(&buf, nil))).
		WithComponent("session").
		WithAccount("alice@example.com").
		WithError(errors.New("boom"))

	l.Info("disconnected", "retry", 2)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]any{
		"msg":       "disconnected",
		"component": "session",
		"account":   "alice@example.com",
		"error":     "boom",
		"retry":     float64(2),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestWithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(slog.New(slog.NewJSONHandler(&buf, nil)))
	_ = parent.WithAccount("alice@example.com")

	parent.Info("plain")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := entry["account"]; ok {
		t.Error("parent logger picked up child attribute")
	}
}

func TestNilLoggerUsesDefault(t *testing.T) {
	var l *Logger
	if l.Slog() != slog.Default() {
		t.Error("nil Logger should fall back to slog.Default")
	}
	Discard().WithNode("x").Warn("dropped")
}

func TestFormatNode(t *testing.T) {
	tests := []struct{ in, want string }{
		{"http://psi-im.org#q07IKJEyjvHSyhy//CH0CxmKi8w=", "http://psi-im.org#q07IKJEyjvHS..."},
		{"http://psi-im.org#short", "http://psi-im.org#short"},
		{"no-hash", "no-hash"},
	}
	for _, tt := range tests {
		if got := FormatNode(tt.in); got != tt.want {
			t.Errorf("FormatNode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
