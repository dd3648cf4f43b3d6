package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestNewExecutionID(t *testing.T) {
	id, err := NewExecutionID()
	require.NoError(t, err)
	assert.Len(t, id, 8)

	other, err := NewExecutionID()
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestTokenCounterFallback(t *testing.T) {
	var tc *TokenCounter
	// Nil counter falls back to the 4-chars-per-token estimate.
	assert.Equal(t, 3, tc.CountTokens("twelve chars"))
}
