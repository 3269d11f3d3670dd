package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	svcerrors "github.com/hydrapool/hydrad/pkg/errors"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("log line is not JSON: %v: %q", err, line)
	}
	return m
}

func TestLoggerStampsServiceIdentity(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("hydrad", "1.2.3", "info", "json", &buf)
	l.Info("hello")

	m := logLine(t, &buf)
	if m["service"] != "hydrad" || m["version"] != "1.2.3" {
		t.Errorf("identity fields = %v/%v, want hydrad/1.2.3", m["service"], m["version"])
	}
	if m["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", m["msg"])
	}
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("hydrad", "test", "info", "json", &buf)
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line emitted at info level: %q", buf.String())
	}
}

func TestWithErrorAddsTaxonomyType(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("hydrad", "test", "info", "json", &buf)

	err := svcerrors.New(svcerrors.ErrorTypeStorage, "append_share", "disk full")
	l.WithError(err).Error("persist failed")

	m := logLine(t, &buf)
	if m["error_type"] != "storage" {
		t.Errorf("error_type = %v, want storage", m["error_type"])
	}
	if m["error"] == nil {
		t.Error("error field missing")
	}
}

func TestWithErrorNilIsSameLogger(t *testing.T) {
	l := New("hydrad", "test", "error", "json")
	if l.WithError(nil) != l {
		t.Error("WithError(nil) returned a new logger")
	}
}

func TestWithComponentScopesLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("hydrad", "test", "info", "json", &buf)
	l.WithComponent("feed").Info("tick")

	m := logLine(t, &buf)
	if m["component"] != "feed" {
		t.Errorf("component = %v, want feed", m["component"])
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOutput("hydrad", "test", "info", "text", &buf)
	l.Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("text output missing msg: %q", buf.String())
	}
}
