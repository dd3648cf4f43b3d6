// Package llm abstracts completion providers behind one interface. Agents never
// talk to a provider directly: the Agent Host hands them a client already
// wrapped with timeout translation and usage observation.
package llm

import (
	"context"
)

// Request is one completion call. Prompts are fully assembled by the envelope
// runtime before they reach a client; providers add nothing.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

// Response is the provider-independent completion result.
type Response struct {
	Content string
}

// Client is the provider interface.
type Client interface {
	Complete(ctx context.Context, in Request) (Response, error)
	ModelName() string
}
