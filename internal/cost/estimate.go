// Package cost estimates request token counts and prices, and keeps the
// process-wide spend totals.
package cost

import (
	"math"

	"github.com/rakunlabs/relai/internal/config"
	"github.com/rakunlabs/relai/internal/pricing"
	"github.com/rakunlabs/relai/internal/service"
)

// charsPerToken is the portable token estimate divisor. Upstream usage
// counts replace the estimate whenever the response carries them.
const charsPerToken = 2.5

// defaultMaxTokens bounds the completion estimate when the request does not
// set max_tokens.
const defaultMaxTokens = 1024

// Estimate is a pre-flight cost approximation for one (request, channel).
type Estimate struct {
	PromptTokens        int           `json:"prompt_tokens"`
	EstCompletionTokens int           `json:"est_completion_tokens"`
	PromptUSD           float64       `json:"prompt_usd"`
	CompletionUSD       float64       `json:"completion_usd"`
	TotalUSD            float64       `json:"total_usd"`
	Price               pricing.Price `json:"price"`
}

// Final is the post-hoc cost of a completed request, using upstream usage
// counts when available.
type Final struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	PromptUSD        float64 `json:"prompt_usd"`
	CompletionUSD    float64 `json:"completion_usd"`
	TotalUSD         float64 `json:"total_usd"`
	Source           string  `json:"source"`
}

// Estimator converts messages to token estimates and token counts to USD.
type Estimator struct {
	imageTokens int
}

func NewEstimator(cfg config.CostControl) *Estimator {
	imageTokens := cfg.ImageTokens
	if imageTokens <= 0 {
		imageTokens = 250
	}

	return &Estimator{imageTokens: imageTokens}
}

// PromptTokens approximates the token count of the request's messages:
// total text length divided by 2.5, rounded up, floored at 1; each image
// part contributes a flat per-image count.
func (e *Estimator) PromptTokens(req *service.ChatRequest) int {
	chars := 0
	images := 0

	for _, msg := range req.Messages {
		parts, err := msg.Parts()
		if err != nil {
			chars += len(msg.Content)

			continue
		}

		for _, p := range parts {
			switch p.Type {
			case "text":
				chars += len(p.Text)
			case "image_url":
				images++
			}
		}

		for _, tc := range msg.ToolCalls {
			chars += len(tc.Function.Name) + len(tc.Function.Arguments)
		}
	}

	tokens := int(math.Ceil(float64(chars) / charsPerToken))
	if tokens < 1 {
		tokens = 1
	}

	return tokens + images*e.imageTokens
}

// CompletionBudget returns the completion-token upper bound used before the
// response is known.
func (e *Estimator) CompletionBudget(req *service.ChatRequest) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}

	return defaultMaxTokens
}

// Estimate prices a request against a resolved per-token price, applying
// the channel's cost overrides and currency exchange.
func (e *Estimator) Estimate(req *service.ChatRequest, ch config.Channel, price pricing.Price) Estimate {
	promptTokens := e.PromptTokens(req)
	completionTokens := e.CompletionBudget(req)

	price = applyChannelOverride(ch, price)

	promptUSD := toUSD(ch, float64(promptTokens)*price.PromptPerToken)
	completionUSD := toUSD(ch, float64(completionTokens)*price.CompletionPerToken)

	return Estimate{
		PromptTokens:        promptTokens,
		EstCompletionTokens: completionTokens,
		PromptUSD:           promptUSD,
		CompletionUSD:       completionUSD,
		TotalUSD:            promptUSD + completionUSD,
		Price:               price,
	}
}

// Finalize prices a completed request. Upstream usage counts win over the
// estimate when present.
func (e *Estimator) Finalize(req *service.ChatRequest, usage service.Usage, ch config.Channel, price pricing.Price) Final {
	promptTokens := usage.PromptTokens
	source := "upstream_usage"
	if promptTokens == 0 {
		promptTokens = e.PromptTokens(req)
		source = "estimated"
	}
	completionTokens := usage.CompletionTokens

	price = applyChannelOverride(ch, price)

	promptUSD := toUSD(ch, float64(promptTokens)*price.PromptPerToken)
	completionUSD := toUSD(ch, float64(completionTokens)*price.CompletionPerToken)

	return Final{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		PromptUSD:        promptUSD,
		CompletionUSD:    completionUSD,
		TotalUSD:         promptUSD + completionUSD,
		Source:           source,
	}
}

// CostPer1K returns the channel's effective combined USD price per 1K
// tokens (prompt + completion), used by the max_cost_per_1k filter.
func (e *Estimator) CostPer1K(ch config.Channel, price pricing.Price) float64 {
	price = applyChannelOverride(ch, price)

	return toUSD(ch, (price.PromptPerToken+price.CompletionPerToken)*1000)
}

func applyChannelOverride(ch config.Channel, price pricing.Price) pricing.Price {
	if ch.CostPer1KInput != nil {
		price.PromptPerToken = *ch.CostPer1KInput / 1000
		price.Source = "channel_override"
		price.Estimated = false
	}
	if ch.CostPer1KOutput != nil {
		price.CompletionPerToken = *ch.CostPer1KOutput / 1000
		price.Source = "channel_override"
		price.Estimated = false
	}

	return price
}

// toUSD scales a quoted amount into USD via the channel's exchange record:
// rate units of the source currency buy one quoted unit.
func toUSD(ch config.Channel, quoted float64) float64 {
	if ch.CurrencyExchange == nil || ch.CurrencyExchange.Rate == 0 {
		return quoted
	}

	return quoted * ch.CurrencyExchange.Rate
}
