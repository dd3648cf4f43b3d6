// Package utils provides identifier generation and token counting helpers.
package utils

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// NewID generates a UUID for artifacts, events, and requests.
func NewID() string {
	return uuid.New().String()
}

// NewExecutionID generates an 8-character hex ID for an execution
// (like git short hashes). Executions bind events to one request run.
func NewExecutionID() (string, error) {
	bytes := make([]byte, 4) // 4 bytes = 8 hex characters
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%x", bytes), nil
}
