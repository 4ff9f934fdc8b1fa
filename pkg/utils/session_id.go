package utils

import (
	"errors"
	"strings"
)

// MaxSessionIDLength bounds identities; they double as file names in the file store.
const MaxSessionIDLength = 128

// ValidateSessionID validates that the given session identity is non-empty, reasonably short,
// and does not contain path separators ("/", "\\") or ".." since identities name on-disk records.
func ValidateSessionID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return errors.New("session id is required and must be a non-empty string")
	}
	if trimmed != id {
		return errors.New("session id must not have leading or trailing whitespace")
	}
	if len(id) > MaxSessionIDLength {
		return errors.New("session id is too long")
	}
	if strings.ContainsAny(id, "/\\") || strings.Contains(id, "..") {
		return errors.New("session id must not contain path separators or '..' to prevent directory traversal")
	}
	if strings.ContainsRune(id, 0) {
		return errors.New("session id must not contain NUL bytes")
	}
	return nil
}
