package billing

import (
	"context"
	"sort"
	"time"
)

type UsageLog struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	RequestID    string    `json:"request_id"`
	Backend      string    `json:"backend"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Status       string    `json:"status"` // "ok", "failed" or "cancelled"
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}

// BackendTotals aggregates usage of one backend.
type BackendTotals struct {
	Backend      string  `json:"backend"`
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Summarize groups logs per backend, ordered by backend name.
func Summarize(logs []*UsageLog) []BackendTotals {
	byBackend := make(map[string]*BackendTotals)
	for _, l := range logs {
		t, ok := byBackend[l.Backend]
		if !ok {
			t = &BackendTotals{Backend: l.Backend}
			byBackend[l.Backend] = t
		}
		t.Requests++
		t.InputTokens += l.InputTokens
		t.OutputTokens += l.OutputTokens
		t.CostUSD += l.CostUSD
	}

	out := make([]BackendTotals, 0, len(byBackend))
	for _, t := range byBackend {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
