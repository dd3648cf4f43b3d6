package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/proto"
)

func TestMockClientScript(t *testing.T) {
	m := NewMockClient("first", "second")

	resp, err := m.Complete(context.Background(), Request{UserPrompt: "a"})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)

	resp, err = m.Complete(context.Background(), Request{UserPrompt: "b"})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content)

	// Exhausted script repeats the last response.
	resp, err = m.Complete(context.Background(), Request{UserPrompt: "c"})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Content)

	assert.Equal(t, 3, m.CallCount())
	assert.Equal(t, "c", m.LastRequest().UserPrompt)
}

func TestMiddlewareTimeoutFault(t *testing.T) {
	slow := NewMockClient("late")
	slow.Delay = 200 * time.Millisecond
	client := Wrap(slow, "mock", 10*time.Millisecond, nil)

	_, err := client.Complete(context.Background(), Request{UserPrompt: "p"})
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultDependency))
}

func TestMiddlewareProviderFault(t *testing.T) {
	broken := NewMockClient()
	broken.Err = assert.AnError
	client := Wrap(broken, "mock", time.Second, nil)

	_, err := client.Complete(context.Background(), Request{UserPrompt: "p"})
	require.Error(t, err)
	assert.True(t, proto.IsFault(err, proto.FaultDependency))
}

type recordingObserver struct {
	calls int
	errs  int
}

func (r *recordingObserver) ObserveLLMRequest(_, _ string, _ time.Duration, _, _ int, err error) {
	r.calls++
	if err != nil {
		r.errs++
	}
}

func TestMiddlewareObserves(t *testing.T) {
	obs := &recordingObserver{}
	client := Wrap(NewMockClient("ok"), "mock", time.Second, obs)

	_, err := client.Complete(context.Background(), Request{UserPrompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, 1, obs.calls)
	assert.Equal(t, 0, obs.errs)
}
