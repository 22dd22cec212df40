package router

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"strings"

	"github.com/rakunlabs/relai/internal/config"
	"github.com/rakunlabs/relai/internal/cost"
)

// Score is the seven-tier hierarchical routing score. Each tier is 0..9;
// cost is the most significant digit, so a truly free candidate (cost 9)
// outranks every paid one no matter the remaining tiers.
type Score struct {
	Cost        int `json:"cost"`
	Local       int `json:"local"`
	Context     int `json:"context"`
	Param       int `json:"param"`
	Speed       int `json:"speed"`
	Quality     int `json:"quality"`
	Reliability int `json:"reliability"`
}

// Encode packs the tiers into the canonical 7-digit integer.
func (s Score) Encode() int {
	return s.Cost*1_000_000 + s.Local*100_000 + s.Context*10_000 +
		s.Param*1_000 + s.Speed*100 + s.Quality*10 + s.Reliability
}

// Free reports whether the candidate is a validated free model.
func (s Score) Free() bool { return s.Cost == 9 }

func (s Score) String() string { return fmt.Sprintf("%07d", s.Encode()) }

// tiers returns the digits in canonical order (cost first).
func (s Score) tiers() [7]int {
	return [7]int{s.Cost, s.Local, s.Context, s.Param, s.Speed, s.Quality, s.Reliability}
}

// Scorer computes scores from channel config, model records and rolling
// stats.
type Scorer struct {
	stats *Stats
}

func NewScorer(stats *Stats) *Scorer {
	return &Scorer{stats: stats}
}

// localTags mark a channel as running on this machine or the local network.
var localTags = []string{"local", "ollama", "lmstudio"}

// Score rates one (channel, model) pair for a request whose cost estimate
// is already resolved.
func (sc *Scorer) Score(ch config.Channel, baseURL string, rec ModelRecord, est cost.Estimate) Score {
	s := Score{
		Cost:        sc.costTier(ch, rec, est),
		Local:       sc.localTier(ch, baseURL),
		Context:     contextTier(rec.ContextLength),
		Param:       paramTier(rec.ParameterCountB),
		Speed:       sc.speedTier(ch.ID),
		Reliability: sc.reliabilityTier(ch.ID),
	}

	s.Quality = qualityTier(s.Param, s.Context)

	return s
}

// costTier maps the estimated USD cost into 0..9. Tier 9 is reserved for
// validated free models: zero estimated cost AND (the channel is tagged
// free with explicitly zero per-model pricing, or the model id ends in
// ":free"). Paid candidates top out at 8.
func (sc *Scorer) costTier(ch config.Channel, rec ModelRecord, est cost.Estimate) int {
	if est.TotalUSD <= 0 {
		validatedFree := (ch.HasTag("free") && rec.ExplicitlyFree()) ||
			strings.HasSuffix(strings.ToLower(rec.ModelID), ":free")
		if validatedFree {
			return 9
		}
	}

	tier := int(math.Floor(8 / (1 + math.Log(1+est.TotalUSD*100))))
	if tier < 0 {
		tier = 0
	}
	if tier > 8 {
		tier = 8
	}

	return tier
}

// localTier is 9 for channels tagged local (or whose base URL points at a
// loopback/private address); remote channels get 0..8 from recent latency.
func (sc *Scorer) localTier(ch config.Channel, baseURL string) int {
	for _, t := range localTags {
		if ch.HasTag(t) {
			return 9
		}
	}

	if isLocalBaseURL(baseURL) {
		return 9
	}

	lat, ok := sc.stats.LatencyEMA(ch.ID)
	if !ok {
		return 4
	}

	// 8 at <=200ms down to 0 at >=5s.
	switch {
	case lat <= 200:
		return 8
	case lat >= 5000:
		return 0
	default:
		return int(8 - 8*(lat-200)/4800)
	}
}

func contextTier(contextLength int) int {
	switch {
	case contextLength >= 128_000:
		return 9
	case contextLength >= 32_000:
		return 8
	case contextLength >= 16_000:
		return 7
	case contextLength >= 8_000:
		return 6
	case contextLength >= 4_000:
		return 5
	default:
		return 4
	}
}

func paramTier(paramB float64) int {
	switch {
	case paramB >= 70:
		return 9
	case paramB >= 30:
		return 8
	case paramB >= 13:
		return 7
	case paramB >= 7:
		return 6
	case paramB >= 3:
		return 5
	case paramB >= 1:
		return 4
	case paramB > 0:
		return 3
	default:
		return 4 // unknown
	}
}

// speedTier maps the latency moving average: 9 at <=500ms, 0 at >=30s,
// linear in between. Channels without observations start in the middle.
func (sc *Scorer) speedTier(channelID string) int {
	lat, ok := sc.stats.LatencyEMA(channelID)
	if !ok {
		return 5
	}

	switch {
	case lat <= 500:
		return 9
	case lat >= 30_000:
		return 0
	default:
		return int(math.Round(9 - 9*(lat-500)/29_500))
	}
}

func qualityTier(param, context int) int {
	q := int(math.Round(float64(param+context) / 2))
	if q > 9 {
		q = 9
	}

	return q
}

// reliabilityTier is floor(9 * success rate) over the rolling window;
// channels without history start at 7.
func (sc *Scorer) reliabilityTier(channelID string) int {
	rate, ok := sc.stats.SuccessRate(channelID)
	if !ok {
		return 7
	}

	return int(math.Floor(9 * rate))
}

// isLocalBaseURL reports whether the URL's host is a loopback or private
// address literal (no DNS resolution on the request path).
func isLocalBaseURL(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}

	host := u.Hostname()
	if host == "" {
		return false
	}

	if strings.EqualFold(host, "localhost") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	return ip.IsLoopback() || ip.IsPrivate()
}
