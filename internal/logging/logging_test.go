package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", FormatJSON, &buf)
	log.Info("hello", "key", "value")

	if buf.Len() == 0 {
		t.Fatal("expected log output, got nothing")
	}
	for _, want := range []string{`"msg":"hello"`, `"service":"togglr"`, `"key":"value"`} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Errorf("expected %s in output, got: %s", want, buf.String())
		}
	}
}

func TestNewWithWriterText(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", "TEXT", &buf)
	log.Info("hello")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got: %s", buf.String())
	}
}

func TestNewWithWriterFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("warn", FormatJSON, &buf)
	log.Info("dropped")
	log.Debug("dropped")

	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Component(NewWithWriter("info", FormatJSON, &buf), "analytics").Info("flushed")

	if !strings.Contains(buf.String(), `"component":"analytics"`) {
		t.Errorf("expected component attribute, got: %s", buf.String())
	}

	if Component(nil, "x") == nil {
		t.Fatal("Component(nil) returned nil logger")
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Fatal("FromContext(empty) did not return slog.Default()")
	}

	custom := slog.New(slog.DiscardHandler)
	if got := FromContext(WithContext(context.Background(), custom)); got != custom {
		t.Fatal("FromContext() did not return the stored logger")
	}
	if FromContext(WithContext(context.Background(), nil)) != slog.Default() {
		t.Fatal("FromContext(nil logger) did not fall back to slog.Default()")
	}
}
