// Package auth guards the HTTP API with a static token and reads secrets
// pasted on a terminal.
package auth

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const APIKeyHeader = "X-API-Key"

// ReadSecret prints prompt to w and reads one trimmed line from r.
func ReadSecret(prompt string, w io.Writer, r io.Reader) (string, error) {
	fmt.Fprintln(w, prompt)
	fmt.Fprint(w, "> ")

	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return "", errors.New("no input received")
	}

	secret := strings.TrimSpace(scanner.Text())
	if secret == "" {
		return "", errors.New("secret cannot be empty")
	}
	return secret, nil
}

// TokenFromRequest returns the bearer token or X-API-Key value, if any.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}

// Valid compares presented against expected in constant time.
func Valid(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// RequireToken rejects requests that don't carry token. An empty token
// disables the check.
func RequireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		if !Valid(token, TokenFromRequest(c.Request)) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
