package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	tests := []struct {
		name                  string
		version, commit, date string
		want                  string
	}{
		{"all fields set", "v1.2.3", "deadbeef", "2026-01-01T00:00:00Z", "v1.2.3 (deadbeef) 2026-01-01T00:00:00Z"},
		{"unknown vcs fields dropped", "v1.2.3", "unknown", "unknown", "v1.2.3"},
		{"commit only", "v1.2.3", "deadbeef", "unknown", "v1.2.3 (deadbeef)"},
		{"whitespace trimmed", " v1.2.3 ", " deadbeef ", "unknown", "v1.2.3 (deadbeef)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := String(tt.version, tt.commit, tt.date); got != tt.want {
				t.Fatalf("String(%q, %q, %q) = %q, want %q", tt.version, tt.commit, tt.date, got, tt.want)
			}
		})
	}
}

func TestString_EmptyVersionNeverBlank(t *testing.T) {
	got := String("", "unknown", "unknown")
	if got == "" {
		t.Fatal("expected a non-empty version line")
	}
	if strings.Contains(got, "unknown") {
		t.Fatalf("expected placeholders to be dropped, got %q", got)
	}
}

func TestIsPlaceholder(t *testing.T) {
	if !isPlaceholder("", "unknown") {
		t.Fatal("expected empty string to be a placeholder")
	}
	if !isPlaceholder("unknown", "unknown") {
		t.Fatal("expected listed value to be a placeholder")
	}
	if isPlaceholder("deadbeef", "unknown") {
		t.Fatal("expected real value not to be a placeholder")
	}
}
