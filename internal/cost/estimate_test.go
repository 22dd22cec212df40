package cost

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rakunlabs/relai/internal/config"
	"github.com/rakunlabs/relai/internal/pricing"
	"github.com/rakunlabs/relai/internal/service"
)

func estimator() *Estimator {
	return NewEstimator(config.CostControl{ImageTokens: 250})
}

func textReq(text string) *service.ChatRequest {
	return &service.ChatRequest{
		Messages: []service.Message{{Role: "user", Content: service.TextContent(text)}},
	}
}

func TestPromptTokens_TextLength(t *testing.T) {
	e := estimator()

	// 25 chars / 2.5 = 10 tokens.
	assert.Equal(t, 10, e.PromptTokens(textReq("aaaaaaaaaaaaaaaaaaaaaaaaa")))

	// Rounds up.
	assert.Equal(t, 3, e.PromptTokens(textReq("aaaaaa")))

	// Floors at one token.
	assert.Equal(t, 1, e.PromptTokens(textReq("")))
}

func TestPromptTokens_Images(t *testing.T) {
	e := estimator()

	parts := []service.ContentPart{
		{Type: "text", Text: "describe"},
		{Type: "image_url", ImageURL: &service.ImageURL{URL: "data:image/png;base64,AAAA"}},
		{Type: "image_url", ImageURL: &service.ImageURL{URL: "data:image/png;base64,BBBB"}},
	}
	data, _ := json.Marshal(parts)

	req := &service.ChatRequest{Messages: []service.Message{{Role: "user", Content: data}}}

	// ceil(8/2.5)=4 text tokens + 2*250 image tokens.
	assert.Equal(t, 504, e.PromptTokens(req))
}

func TestEstimate_UsesMaxTokens(t *testing.T) {
	e := estimator()

	maxTokens := 100
	req := textReq("hello")
	req.MaxTokens = &maxTokens

	price := pricing.Price{PromptPerToken: 0.001, CompletionPerToken: 0.002, Source: "static"}
	est := e.Estimate(req, config.Channel{}, price)

	assert.Equal(t, 100, est.EstCompletionTokens)
	assert.InDelta(t, float64(est.PromptTokens)*0.001+100*0.002, est.TotalUSD, 1e-9)
}

func TestEstimate_CurrencyExchange(t *testing.T) {
	e := estimator()

	ch := config.Channel{CurrencyExchange: &config.CurrencyExchange{From: "USD", To: "CNY", Rate: 0.7}}
	price := pricing.Price{PromptPerToken: 0.001, CompletionPerToken: 0, Source: "static", Currency: "CNY"}

	est := e.Estimate(textReq("aaaaaaaaaa"), ch, price) // 4 prompt tokens

	assert.InDelta(t, 4*0.001*0.7, est.PromptUSD, 1e-9)
}

func TestEstimate_ChannelOverride(t *testing.T) {
	e := estimator()

	in, out := 2.0, 4.0 // per 1K tokens
	ch := config.Channel{CostPer1KInput: &in, CostPer1KOutput: &out}

	est := e.Estimate(textReq("aaaaaaaaaa"), ch, pricing.Price{Source: "static"})

	assert.Equal(t, "channel_override", est.Price.Source)
	assert.InDelta(t, 4*(2.0/1000), est.PromptUSD, 1e-9)
}

func TestFinalize_PrefersUpstreamUsage(t *testing.T) {
	e := estimator()

	price := pricing.Price{PromptPerToken: 0.001, CompletionPerToken: 0.002, Source: "static"}
	usage := service.Usage{PromptTokens: 50, CompletionTokens: 20}

	final := e.Finalize(textReq("hi"), usage, config.Channel{}, price)

	assert.Equal(t, 50, final.PromptTokens)
	assert.Equal(t, 20, final.CompletionTokens)
	assert.Equal(t, "upstream_usage", final.Source)
	assert.InDelta(t, 50*0.001+20*0.002, final.TotalUSD, 1e-9)
}

func TestFinalize_FallsBackToEstimate(t *testing.T) {
	e := estimator()

	final := e.Finalize(textReq("aaaaaaaaaa"), service.Usage{}, config.Channel{}, pricing.Price{Source: "static"})

	assert.Equal(t, 4, final.PromptTokens)
	assert.Equal(t, "estimated", final.Source)
}

func TestCostPer1K(t *testing.T) {
	e := estimator()

	price := pricing.Price{PromptPerToken: 0.000001, CompletionPerToken: 0.000002}

	assert.InDelta(t, 0.003, e.CostPer1K(config.Channel{}, price), 1e-9)
}
