package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// OllamaClient wraps the Ollama API client for local open-source models.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient creates an Ollama client. hostURL is the server URL,
// e.g. "http://localhost:11434".
func NewOllamaClient(hostURL, model string) Client {
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}
	return &OllamaClient{
		client: api.NewClient(parsedURL, http.DefaultClient),
		model:  model,
	}
}

// Complete implements the Client interface.
func (o *OllamaClient) Complete(ctx context.Context, in Request) (Response, error) {
	messages := []api.Message{}
	if in.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: in.SystemPrompt})
	}
	messages = append(messages, api.Message{Role: "user", Content: in.UserPrompt})

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return Response{}, fmt.Errorf("ollama chat failed: %w", err)
	}
	return Response{Content: response.Message.Content}, nil
}

// ModelName returns the configured model.
func (o *OllamaClient) ModelName() string {
	return o.model
}
