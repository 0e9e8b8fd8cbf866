package utils

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// SessionIDBytes is the entropy of a session identifier.
const SessionIDBytes = 32

// NewSessionID returns a URL-safe identifier with 256 bits of entropy,
// suitable for a cookie value.
func NewSessionID() (string, error) {
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return "req_" + uuid.NewString()
}

// GenerateTokenID returns the jti for a stream token.
func GenerateTokenID() string {
	return uuid.NewString()
}

// GenerateInstanceID names this process on the shared event channel.
func GenerateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "camstream"
	}
	return host + "-" + uuid.NewString()[:8]
}
