package llm

import (
	"context"
	"errors"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// Observer receives usage data for every completed call. The metrics package
// implements this; tests pass nil.
type Observer interface {
	ObserveLLMRequest(provider, model string, duration time.Duration, inputTokens, outputTokens int, err error)
}

// middleware wraps a raw client with timeout enforcement, fault translation,
// and usage observation.
type middleware struct {
	inner    Client
	provider string
	timeout  time.Duration
	observer Observer
	counter  *utils.TokenCounter
	logger   *logx.Logger
}

// Wrap applies the standard call discipline to a raw provider client.
// observer may be nil.
func Wrap(inner Client, provider string, timeout time.Duration, observer Observer) Client {
	// A nil counter falls back to character-based estimation.
	counter, _ := utils.NewTokenCounter(inner.ModelName())
	return &middleware{
		inner:    inner,
		provider: provider,
		timeout:  timeout,
		observer: observer,
		counter:  counter,
		logger:   logx.NewLogger("llm"),
	}
}

// Complete implements the Client interface.
func (m *middleware) Complete(ctx context.Context, in Request) (Response, error) {
	callCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := m.inner.Complete(callCtx, in)
	duration := time.Since(start)

	if m.observer != nil {
		inputTokens := m.counter.CountTokens(in.SystemPrompt) + m.counter.CountTokens(in.UserPrompt)
		m.observer.ObserveLLMRequest(m.provider, m.inner.ModelName(), duration,
			inputTokens, m.counter.CountTokens(resp.Content), err)
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			m.logger.Warn("LLM call timed out after %s (%s/%s)", duration, m.provider, m.inner.ModelName())
			return Response{}, proto.WrapFault(proto.FaultDependency, proto.CodeLLMTimeout, err,
				"LLM call exceeded %s timeout", m.timeout)
		}
		return Response{}, proto.WrapFault(proto.FaultDependency, proto.CodeLLMProvider, err,
			"%s provider call failed", m.provider)
	}

	m.logger.Debug("LLM call completed in %s (%s/%s)", duration, m.provider, m.inner.ModelName())
	return resp, nil
}

// ModelName returns the wrapped client's model.
func (m *middleware) ModelName() string {
	return m.inner.ModelName()
}
