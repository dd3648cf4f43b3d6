package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// UsageSummary is the aggregated token usage for one model.
type UsageSummary struct {
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// QueryService reads aggregated pipeline metrics back from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service against a Prometheus server.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetUsageByModel returns token usage broken down by model.
func (q *QueryService) GetUsageByModel(ctx context.Context) (map[string]*UsageSummary, error) {
	result := make(map[string]*UsageSummary)

	modelsResult, _, err := q.queryAPI.Query(ctx, `group by (model) (llm_tokens_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}
	var models []string
	if vector, ok := modelsResult.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric["model"]; ok {
				models = append(models, string(name))
			}
		}
	}

	for _, name := range models {
		summary := &UsageSummary{Model: name}
		summary.PromptTokens, err = q.sum(ctx,
			fmt.Sprintf(`sum(llm_tokens_total{model=%q, type="prompt"})`, name))
		if err != nil {
			return nil, err
		}
		summary.CompletionTokens, err = q.sum(ctx,
			fmt.Sprintf(`sum(llm_tokens_total{model=%q, type="completion"})`, name))
		if err != nil {
			return nil, err
		}
		summary.TotalTokens = summary.PromptTokens + summary.CompletionTokens
		result[name] = summary
	}
	return result, nil
}

// GetViolationCounts returns surfaced fault counts by kind.
func (q *QueryService) GetViolationCounts(ctx context.Context) (map[string]int64, error) {
	res, _, err := q.queryAPI.Query(ctx, `sum by (kind) (violations_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	counts := make(map[string]int64)
	if vector, ok := res.(model.Vector); ok {
		for _, sample := range vector {
			counts[string(sample.Metric["kind"])] = int64(sample.Value)
		}
	}
	return counts, nil
}

func (q *QueryService) sum(ctx context.Context, query string) (int64, error) {
	res, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", query, err)
	}
	if vector, ok := res.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}
