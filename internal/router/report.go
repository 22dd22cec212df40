package router

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/relai/internal/service"
)

// Report collects per-request routing metadata. It is attached to the
// response body (non-streaming) or emitted as the terminal SSE event just
// before the stream sentinel.
type Report struct {
	RequestID string `json:"request_id"`

	ModelRequested  string   `json:"model_requested"`
	ModelUsed       string   `json:"model_used"`
	ChannelID       string   `json:"channel_id"`
	ChannelName     string   `json:"channel_name"`
	Provider        string   `json:"provider"`
	Strategy        string   `json:"strategy"`
	Score           string   `json:"score"`
	SelectionReason string   `json:"selection_reason"`
	Tags            []string `json:"tags,omitempty"`

	AttemptCount int   `json:"attempt_count"`
	LatencyMs    int64 `json:"latency_ms"`
	TTFBMs       int64 `json:"ttfb_ms"`

	Usage service.Usage `json:"usage"`

	PromptCostUSD     float64 `json:"prompt_cost_usd"`
	CompletionCostUSD float64 `json:"completion_cost_usd"`
	TotalCostUSD      float64 `json:"total_cost_usd"`
	CostSource        string  `json:"cost_source"`

	SessionRequests int64   `json:"session_requests"`
	SessionCostUSD  float64 `json:"session_cost_usd"`

	Error string `json:"error,omitempty"`
}

// NewRequestID returns a fresh router request id.
func NewRequestID() string {
	return ulid.Make().String()
}

// Payload renders the metadata object embedded under the
// "smart_ai_router" key.
func (r *Report) Payload() map[string]any {
	payload := map[string]any{
		"request_id": r.RequestID,
		"routing": map[string]any{
			"model_requested":  r.ModelRequested,
			"model_used":       r.ModelUsed,
			"channel_id":       r.ChannelID,
			"channel_name":     r.ChannelName,
			"provider":         r.Provider,
			"strategy":         r.Strategy,
			"score":            r.Score,
			"selection_reason": r.SelectionReason,
			"tags":             r.Tags,
		},
		"performance": map[string]any{
			"latency_ms":    r.LatencyMs,
			"ttfb_ms":       r.TTFBMs,
			"attempt_count": r.AttemptCount,
		},
		"tokens": map[string]any{
			"prompt":     r.Usage.PromptTokens,
			"completion": r.Usage.CompletionTokens,
			"total":      r.Usage.TotalTokens,
		},
		"cost": map[string]any{
			"request": map[string]any{
				"prompt_cost":     formatUSD(r.PromptCostUSD),
				"completion_cost": formatUSD(r.CompletionCostUSD),
				"total_cost":      formatUSD(r.TotalCostUSD),
				"source":          r.CostSource,
			},
			"session": map[string]any{
				"total_requests": r.SessionRequests,
				"total_cost":     formatUSD(r.SessionCostUSD),
			},
		},
	}

	if r.Error != "" {
		payload["error"] = r.Error
	}

	return payload
}

func formatUSD(v float64) string {
	if v < 0 {
		v = 0
	}

	// Always six decimals so "$0.000000" is stable for free requests.
	return fmt.Sprintf("$%.6f", v)
}
