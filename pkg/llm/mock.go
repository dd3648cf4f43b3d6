package llm

import (
	"context"
	"sync"
	"time"
)

// MockClient is a scripted client for tests and dry runs. Responses are
// returned in order; the last one repeats once the script is exhausted.
type MockClient struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Delay     time.Duration
	Requests  []Request
}

// NewMockClient creates a mock returning the given responses in order.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{Responses: responses}
}

// Complete implements the Client interface.
func (m *MockClient) Complete(ctx context.Context, in Request) (Response, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, in)
	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{Content: ""}, nil
	}
	idx := len(m.Requests) - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return Response{Content: m.Responses[idx]}, nil
}

// ModelName returns a fixed mock model identifier.
func (m *MockClient) ModelName() string {
	return "mock-model"
}

// CallCount returns how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent request, or nil.
func (m *MockClient) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return nil
	}
	r := m.Requests[len(m.Requests)-1]
	return &r
}
