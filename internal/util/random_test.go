package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		hexLength  int
		wantLength int
	}{
		{"message prefix", "m_", 16, 18},
		{"session prefix", "s_", 24, 26},
		{"no hex", "x_", 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomID(tt.prefix, tt.hexLength)
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("GenerateRandomID() = %v, want prefix %v", got, tt.prefix)
			}
			if len(got) != tt.wantLength {
				t.Errorf("GenerateRandomID() length = %v, want %v", len(got), tt.wantLength)
			}
			if !isValidHex(got[len(tt.prefix):]) {
				t.Errorf("GenerateRandomID() hex part of %v is not valid hex", got)
			}
		})
	}
}

func TestGenerateRandomHexNegative(t *testing.T) {
	if got := GenerateRandomHex(-3); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestGenerateMessageAndSessionIDs(t *testing.T) {
	m := GenerateMessageID()
	if !strings.HasPrefix(m, "m_") || len(m) != 18 {
		t.Errorf("unexpected message id %q", m)
	}
	s := GenerateSessionID()
	if !strings.HasPrefix(s, "s_") || len(s) != 26 {
		t.Errorf("unexpected session id %q", s)
	}
}

func TestRandomIDUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool)
	for i := 0; i < iterations; i++ {
		id := GenerateMessageID()
		if seen[id] {
			t.Errorf("GenerateMessageID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
