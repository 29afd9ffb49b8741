package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "INFO", want: slog.LevelInfo},
		{in: " debug ", want: slog.LevelDebug},
		{in: "warn", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseLevel(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseLevel(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, LevelInfo, FormatJSON)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	slog.New(h).Info("trust state changed", "state", "ready")
	if !strings.Contains(buf.String(), `"state":"ready"`) {
		t.Fatalf("json output = %q, want state attribute", buf.String())
	}
}

func TestNewHandler_InvalidFormat(t *testing.T) {
	if _, err := NewHandler(&bytes.Buffer{}, LevelInfo, "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
