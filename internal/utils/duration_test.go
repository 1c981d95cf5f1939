package utils

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"10m": 10 * time.Minute,
		"2h":  2 * time.Hour,
		"3d":  72 * time.Hour,
		"1w":  7 * 24 * time.Hour,
		"1mo": 30 * 24 * time.Hour,
		" 5M": 5 * time.Minute,
	}
	for input, want := range cases {
		got, err := ParseDuration(input)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseDuration(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestParseDurationRejects(t *testing.T) {
	for _, input := range []string{"", "m", "0m", "10", "10y", "-5m", "1.5h", "9999999999w", "100000mo", "99999999999999999999m"} {
		if _, err := ParseDuration(input); err == nil {
			t.Fatalf("expected error for %q", input)
		}
	}
}

func TestParseBoundedDuration(t *testing.T) {
	if _, err := ParseBoundedDuration("8d", time.Minute, 7*24*time.Hour); err == nil {
		t.Fatalf("expected 8d to exceed the bound")
	}
	got, err := ParseBoundedDuration("7d", time.Minute, 7*24*time.Hour)
	if err != nil || got != 7*24*time.Hour {
		t.Fatalf("unexpected result %s, %v", got, err)
	}
}
