package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ClaudeClient wraps the Anthropic API client.
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a Claude client for the given model.
func NewClaudeClient(apiKey, model string) Client {
	return &ClaudeClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Complete implements the Client interface.
func (c *ClaudeClient) Complete(ctx context.Context, in Request) (Response, error) {
	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(in.UserPrompt)),
		},
	}
	if in.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: in.SystemPrompt,
			Type: "text",
		}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic API call failed: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return Response{}, fmt.Errorf("empty response from anthropic API")
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return Response{Content: text}, nil
}

// ModelName returns the configured model.
func (c *ClaudeClient) ModelName() string {
	return string(c.model)
}
