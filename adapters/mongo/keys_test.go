package mongo

import "testing"

func TestEscapeKey(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"claude-3-5-sonnet", "claude-3-5-sonnet"},
		{"claude-3.5-sonnet", "claude-3%2E5-sonnet"},
		{"$where", "%24where"},
		{"100%.", "100%25%2E"},
		{"%2E", "%252E"},
	}
	for _, tt := range tests {
		if got := escapeKey(tt.in); got != tt.want {
			t.Errorf("escapeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if got := unescapeKey(escapeKey(tt.in)); got != tt.in {
			t.Errorf("unescapeKey(escapeKey(%q)) = %q", tt.in, got)
		}
	}
}

func TestHistoryID(t *testing.T) {
	if got := HistoryID("alice", 2025, 6); got != "alice_2025_06" {
		t.Errorf("HistoryID = %q, want alice_2025_06", got)
	}
}
