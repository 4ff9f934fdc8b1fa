package utils

import (
	"strings"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	valid := []string{"default", "alice", "user-42", "tenant_a.main"}
	for _, id := range valid {
		if err := ValidateSessionID(id); err != nil {
			t.Errorf("ValidateSessionID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		"   ",
		" alice",
		"a/b",
		`a\b`,
		"..",
		"a..b",
		"nul\x00byte",
		strings.Repeat("x", MaxSessionIDLength+1),
	}
	for _, id := range invalid {
		if err := ValidateSessionID(id); err == nil {
			t.Errorf("ValidateSessionID(%q) = nil, want error", id)
		}
	}
}
