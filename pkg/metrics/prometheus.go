// Package metrics provides Prometheus recording and querying for the pipeline:
// LLM usage, artifact lifecycle, fault kinds, and conductor transitions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"conductor/pkg/proto"
)

// Recorder holds the pipeline's Prometheus collectors. It implements both the
// llm.Observer and agenthost.Observer interfaces.
type Recorder struct {
	llmRequestsTotal *prometheus.CounterVec
	llmTokensTotal   *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	transitionsTotal *prometheus.CounterVec
	artifactsTotal   *prometheus.CounterVec
	violationsTotal  *prometheus.CounterVec
}

// NewRecorder creates a recorder registered on reg; nil uses the default
// registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		llmRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		llmTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider", "model"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_transitions_total",
				Help: "Total number of conductor phase transitions",
			},
			[]string{"from", "to"},
		),
		artifactsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "artifacts_total",
				Help: "Total number of artifact status changes by type",
			},
			[]string{"type", "status"},
		),
		violationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "violations_total",
				Help: "Total number of faults surfaced by kind",
			},
			[]string{"kind"},
		),
	}
}

// ObserveLLMRequest records one completed model call.
func (r *Recorder) ObserveLLMRequest(provider, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	r.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	r.requestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if err == nil {
		r.llmTokensTotal.WithLabelValues(model, "prompt").Add(float64(inputTokens))
		r.llmTokensTotal.WithLabelValues(model, "completion").Add(float64(outputTokens))
	}
}

// RecordArtifact counts one artifact status change.
func (r *Recorder) RecordArtifact(t proto.ArtifactType, status proto.ArtifactStatus) {
	r.artifactsTotal.WithLabelValues(string(t), string(status)).Inc()
}

// RecordViolation counts one surfaced fault by kind.
func (r *Recorder) RecordViolation(kind proto.FaultKind) {
	r.violationsTotal.WithLabelValues(string(kind)).Inc()
}

// RecordTransition counts one conductor phase transition.
func (r *Recorder) RecordTransition(from, to proto.Phase) {
	r.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}
