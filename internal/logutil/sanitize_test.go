package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "example.com", "example.com"},
		{"newline injection", "host\n2024/01/01 fake entry", "host 2024/01/01 fake entry"},
		{"carriage return and tab", "a\rb\tc", "a b c"},
		{"control chars dropped", "a\x00b\x1bc\x7f", "abc"},
		{"unicode kept", "héllo", "héllo"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeForLog(tt.input); got != tt.expected {
				t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("x", maxLogFieldLen+50))
	if len(got) != maxLogFieldLen+3 {
		t.Fatalf("expected truncated length %d, got %d", maxLogFieldLen+3, len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got[len(got)-5:])
	}
}

func TestTarget(t *testing.T) {
	if got := Target("root", "10.0.0.1", 2222); got != "root@10.0.0.1:2222" {
		t.Errorf("Target() = %q", got)
	}
	if got := Target("u\n", "h", 22); got != "u @h:22" {
		t.Errorf("Target() with newline = %q", got)
	}
}
