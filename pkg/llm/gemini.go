package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient wraps the Google GenAI client. Client creation needs a context,
// so it is deferred to the first Complete call.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewGeminiClient creates a Gemini client for the given model.
func NewGeminiClient(apiKey, model string) Client {
	return &GeminiClient{
		apiKey: apiKey,
		model:  model,
	}
}

// Complete implements the Client interface.
func (g *GeminiClient) Complete(ctx context.Context, in Request) (Response, error) {
	if g.client == nil {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return Response{}, fmt.Errorf("failed to create gemini client: %w", err)
		}
		g.client = client
	}

	//nolint:gosec // MaxTokens validated at the envelope layer
	maxTokens := int32(in.MaxTokens)
	config := &genai.GenerateContentConfig{
		Temperature:     &in.Temperature,
		MaxOutputTokens: maxTokens,
	}
	if in.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: in.SystemPrompt}},
		}
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: in.UserPrompt}},
	}}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return Response{}, fmt.Errorf("gemini API call failed: %w", err)
	}
	if result == nil {
		return Response{}, fmt.Errorf("empty response from gemini API")
	}
	return Response{Content: result.Text()}, nil
}

// ModelName returns the configured model.
func (g *GeminiClient) ModelName() string {
	return g.model
}
