package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "text to stderr",
			config: Config{Level: "info", Format: "text", Output: "stderr", Component: "test"},
		},
		{
			name:   "json to stdout",
			config: Config{Level: "debug", Format: "json", Output: "stdout", Component: "test"},
		},
		{
			name:   "invalid level falls back to info",
			config: Config{Level: "invalid", Format: "text", Output: "discard"},
		},
		{
			name:   "empty values use defaults",
			config: Config{},
		},
		{
			name:   "file output",
			config: Config{Output: filepath.Join(t.TempDir(), "logs", "client.log")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if l == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
	if ValidLevel("verbose") {
		t.Error("verbose should not be a valid level")
	}
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "debug", Format: "json", Component: "transport"}, &buf)
	l.WithReport("abc").Info("report sent", "status", 200)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["component"] != "transport" {
		t.Errorf("component = %v, want transport", entry["component"])
	}
	if entry["report_uuid"] != "abc" {
		t.Errorf("report_uuid = %v, want abc", entry["report_uuid"])
	}
	if entry["service"] != "backtrace-go" {
		t.Errorf("service = %v", entry["service"])
	}
}

func TestErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "debug", Format: "text"}, &buf)
	l.ErrorEvent(context.Background(), "send failed", errors.New("boom"), slog.Int("attempt", 1))

	out := buf.String()
	for _, want := range []string{"send failed", "error=boom", "error_type=*errors.errorString", "attempt=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestOr(t *testing.T) {
	l := Nop()
	if Or(l, "x") != l {
		t.Error("Or should return the given logger")
	}
	if got := Or(nil, "client"); got.Component() != "client" {
		t.Errorf("Or(nil) component = %q, want client", got.Component())
	}
}
