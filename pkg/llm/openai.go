package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIClient wraps the official OpenAI Go client using the Responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI client for the given model.
func NewOpenAIClient(apiKey, model string) Client {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete implements the Client interface.
func (o *OpenAIClient) Complete(ctx context.Context, in Request) (Response, error) {
	input := in.UserPrompt
	if in.SystemPrompt != "" {
		input = fmt.Sprintf("System: %s\n\n%s", in.SystemPrompt, in.UserPrompt)
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(in.MaxTokens)),
		Temperature:     openai.Float(float64(in.Temperature)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("openai responses API failed: %w", err)
	}
	if resp == nil {
		return Response{}, fmt.Errorf("empty response from openai responses API")
	}
	return Response{Content: resp.OutputText()}, nil
}

// ModelName returns the configured model.
func (o *OpenAIClient) ModelName() string {
	return o.model
}
