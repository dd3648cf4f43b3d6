package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"conductor/pkg/proto"
)

func TestRecorderObservesLLMRequests(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.ObserveLLMRequest("anthropic", "claude", 2*time.Second, 100, 40, nil)
	r.ObserveLLMRequest("anthropic", "claude", time.Second, 50, 0, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(
		r.llmRequestsTotal.WithLabelValues("anthropic", "claude", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		r.llmRequestsTotal.WithLabelValues("anthropic", "claude", "error")))

	// Token counters only advance on success.
	assert.Equal(t, 100.0, testutil.ToFloat64(
		r.llmTokensTotal.WithLabelValues("claude", "prompt")))
	assert.Equal(t, 40.0, testutil.ToFloat64(
		r.llmTokensTotal.WithLabelValues("claude", "completion")))
}

func TestRecorderPipelineCounters(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.RecordArtifact(proto.TypeMasterPlan, proto.StatusApproved)
	r.RecordViolation(proto.FaultIntegrity)
	r.RecordViolation(proto.FaultIntegrity)
	r.RecordTransition(proto.PhaseIdea, proto.PhaseBasePromptReady)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		r.artifactsTotal.WithLabelValues("master_plan", "approved")))
	assert.Equal(t, 2.0, testutil.ToFloat64(
		r.violationsTotal.WithLabelValues("INTEGRITY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		r.transitionsTotal.WithLabelValues("idea", "base_prompt_ready")))
}
