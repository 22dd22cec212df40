package router

import (
	"sort"
	"strings"
	"time"

	"github.com/rakunlabs/relai/internal/config"
	"github.com/rakunlabs/relai/internal/cost"
	"github.com/rakunlabs/relai/internal/pricing"
	"github.com/rakunlabs/relai/internal/service"
)

// tagExprPrefix marks a tag-expression model selector.
const tagExprPrefix = "tag:"

// nonChatMarkers are tags of models that cannot serve chat completions.
var nonChatMarkers = []string{
	"embedding", "embed", "rerank", "reranker", "moderation",
	"tts", "whisper", "speech", "transcribe", "audio",
	"dall", "dalle", "sdxl", "flux", "diffusion",
}

// Request is the routing-relevant view of an inbound chat request.
type Request struct {
	ModelExpr            string
	Strategy             string // empty = router default
	RequiredCapabilities []string
	ExcludeProviders     []string
	MinContextLength     int
	MaxCostPer1K         float64 // 0 = no cap
	PreferLocal          bool
	HasFunctions         bool
	Stream               bool
	MaxTokens            int
	Temperature          float64
}

// Candidate is one scored routing option.
type Candidate struct {
	Channel  config.Channel
	Model    ModelRecord
	Score    Score
	Rank     int
	Estimate cost.Estimate
	Reason   string
}

// Ref returns the candidate's (channel, model) reference.
func (c Candidate) Ref() ModelRef {
	return ModelRef{ChannelID: c.Channel.ID, ModelID: c.Model.ModelID}
}

// fingerprint builds the cache fingerprint of a routing request.
func (r *Router) fingerprint(req *Request, strategy string) Fingerprint {
	caps := append([]string(nil), req.RequiredCapabilities...)
	sort.Strings(caps)

	excl := append([]string(nil), req.ExcludeProviders...)
	sort.Strings(excl)

	return Fingerprint{
		ModelExpr:        req.ModelExpr,
		Strategy:         strategy,
		Capabilities:     caps,
		ExcludeProviders: excl,
		MinContextLength: req.MinContextLength,
		MaxCostPer1K:     req.MaxCostPer1K,
		PreferLocal:      req.PreferLocal,
		HasFunctions:     req.HasFunctions,
		Stream:           req.Stream,
		MaxTokensBucket:  BucketMaxTokens(req.MaxTokens),
		TemperatureTenth: BucketTemperature(req.Temperature),
	}
}

// FindCandidates resolves the ordered candidate list for a request. The
// second return reports whether the list came from the selection cache.
func (r *Router) FindCandidates(creq *service.ChatRequest, req *Request, now time.Time) ([]Candidate, bool, error) {
	if req.MinContextLength <= 0 {
		req.MinContextLength = r.routing.ModelFilters.MinContextLength
	}
	if req.MinContextLength <= 0 {
		req.MinContextLength = 2048
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = r.Strategy()
	}

	key := r.fingerprint(req, strategy).Hash()

	if sel, ok := r.cache.Get(key, now); ok {
		if cands := r.materialize(creq, sel, strategy, now); cands != nil {
			return cands, true, nil
		}
		// Primary no longer eligible: treat as a miss.
	}

	cands := r.collect(creq, req, strategy, now)
	if len(cands) == 0 {
		return nil, false, &NoChannelsError{ModelExpr: req.ModelExpr}
	}

	sel := Selection{
		Primary:    cands[0].Ref(),
		Reason:     cands[0].Reason,
		EstCostUSD: cands[0].Estimate.TotalUSD,
	}
	for _, c := range cands[1:] {
		if len(sel.Backups) == maxBackups {
			break
		}
		sel.Backups = append(sel.Backups, c.Ref())
	}
	r.cache.Put(key, sel, now)

	return cands, false, nil
}

// materialize rebuilds candidates from a cached selection. Returns nil when
// the primary is no longer eligible (disabled or blacklisted), which
// callers treat as a cache miss.
func (r *Router) materialize(creq *service.ChatRequest, sel Selection, strategy string, now time.Time) []Candidate {
	refs := append([]ModelRef{sel.Primary}, sel.Backups...)

	var out []Candidate
	for i, ref := range refs {
		ch, ok := r.table.Get(ref.ChannelID)
		if !ok || !ch.Enabled || r.blacklist.IsBlocked(ref.ChannelID, ref.ModelID, now) {
			if i == 0 {
				return nil
			}

			continue
		}

		cand := r.buildCandidate(creq, ch, ref.ModelID, strategy)
		cand.Reason = "cached: " + sel.Reason
		out = append(out, cand)
	}

	return out
}

// collect runs the full discovery pipeline: expression parsing, physical +
// tag matching, filtering, scoring and strategy sort.
func (r *Router) collect(creq *service.ChatRequest, req *Request, strategy string, now time.Time) []Candidate {
	var (
		positive, negative []string
		tagExpr            bool
	)

	expr := strings.TrimSpace(req.ModelExpr)
	if strings.HasPrefix(expr, tagExprPrefix) {
		tagExpr = true
		positive, negative = ParseTagExpression(strings.TrimPrefix(expr, tagExprPrefix))
	} else {
		// A concrete model id also matches by its own tags for broadening.
		positive = ExtractTags(expr)
	}

	seen := map[ModelRef]struct{}{}
	var refs []ModelRef

	if !tagExpr {
		// Physical match: exact (channel, model) pairs.
		for _, rec := range r.catalog.All() {
			if rec.ModelID == expr {
				ref := ModelRef{ChannelID: rec.ChannelID, ModelID: rec.ModelID}
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}
		}

		// Channels bound to the model directly, even before discovery ran.
		for _, ch := range r.table.All() {
			if ch.Model == expr {
				ref := ModelRef{ChannelID: ch.ID, ModelID: expr}
				if _, dup := seen[ref]; !dup {
					seen[ref] = struct{}{}
					refs = append(refs, ref)
				}
			}
		}
	}

	for _, ref := range r.index.Find(positive, negative) {
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	strictFree := tagExpr && containsString(positive, "free")

	var cands []Candidate
	anyLocal := false

	for _, ref := range refs {
		ch, ok := r.table.Get(ref.ChannelID)
		if !ok || !ch.Enabled {
			continue
		}

		if r.blacklist.IsBlocked(ref.ChannelID, ref.ModelID, now) {
			continue
		}

		if containsString(req.ExcludeProviders, ch.Provider) {
			continue
		}

		cand := r.buildCandidate(creq, ch, ref.ModelID, strategy)
		rec := cand.Model

		if !chatSuitable(rec.Tags) {
			continue
		}

		if !capabilitiesSatisfied(rec, req) {
			continue
		}

		if rec.ContextLength > 0 && rec.ContextLength < req.MinContextLength {
			continue
		}

		if min := r.routing.ModelFilters.MinParameterCount; min > 0 &&
			rec.ParameterCountB > 0 && rec.ParameterCountB < float64(min) {
			continue
		}

		if req.MaxCostPer1K > 0 &&
			r.estimator.CostPer1K(ch, cand.Estimate.Price) > req.MaxCostPer1K {
			continue
		}

		if strictFree && !cand.Score.Free() {
			continue
		}

		if cand.Score.Local == 9 {
			anyLocal = true
		}

		cands = append(cands, cand)
	}

	// prefer_local demotes remote candidates and drops them entirely when
	// at least one local candidate survived.
	if req.PreferLocal && anyLocal {
		kept := cands[:0]
		for _, c := range cands {
			if c.Score.Local == 9 {
				kept = append(kept, c)
			}
		}
		cands = kept
	}

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Rank != cands[j].Rank {
			return cands[i].Rank > cands[j].Rank
		}
		if cands[i].Channel.Priority != cands[j].Channel.Priority {
			return cands[i].Channel.Priority > cands[j].Channel.Priority
		}

		return cands[i].Channel.ID < cands[j].Channel.ID
	})

	return cands
}

// buildCandidate resolves the model record (synthesizing one for bound
// channels discovery has not seen yet), prices it, and scores it.
func (r *Router) buildCandidate(creq *service.ChatRequest, ch config.Channel, modelID, strategy string) Candidate {
	rec, ok := r.catalog.Lookup(ch.ID, modelID)
	if !ok {
		rec = r.syntheticRecord(ch, modelID)
	}

	est := r.estimator.Estimate(creq, ch, rec.Price)
	score := r.scorer.Score(ch, r.table.BaseURL(ch), rec, est)

	reason := "model match: " + modelID
	if strings.HasPrefix(creq.Model, tagExprPrefix) {
		reason = "tag match: " + strings.TrimPrefix(creq.Model, tagExprPrefix)
	}

	return Candidate{
		Channel:  ch,
		Model:    rec,
		Score:    score,
		Rank:     StrategyRank(score, strategy),
		Estimate: est,
		Reason:   reason,
	}
}

// syntheticRecord builds a record for a channel-bound model that discovery
// has not catalogued, falling back to the static pricing tables for
// metadata.
func (r *Router) syntheticRecord(ch config.Channel, modelID string) ModelRecord {
	cacheKey := pricing.CacheKey(ch.ID, ch.Keys()[0])
	price := r.pricing.Lookup(cacheKey, ch.Provider, modelID, 0, 0)

	rec := ModelRecord{
		ChannelID: ch.ID,
		ModelID:   modelID,
		Price:     price,
		Tags:      append(ExtractTags(modelID), normalizeTags(ch.Tags)...),
	}

	if meta, ok := r.pricing.Meta(ch.Provider, modelID); ok {
		rec.ContextLength = meta.ContextLength
		rec.Capabilities = meta.Capabilities
		rec.ParameterCountB = meta.ParameterCountB
	}

	return rec
}

func capabilitiesSatisfied(rec ModelRecord, req *Request) bool {
	need := append([]string(nil), req.RequiredCapabilities...)
	if req.HasFunctions && !containsString(need, service.CapFunctionCalling) {
		need = append(need, service.CapFunctionCalling)
	}

	if len(need) == 0 {
		return true
	}

	// Unknown capability sets pass; discovery has not told us enough to
	// reject.
	if len(rec.Capabilities) == 0 {
		return true
	}

	for _, c := range need {
		if !rec.HasCapability(c) {
			return false
		}
	}

	return true
}

func chatSuitable(tags []string) bool {
	for _, t := range tags {
		for _, marker := range nonChatMarkers {
			if t == marker {
				return false
			}
		}
	}

	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}

	return false
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, strings.ToLower(t))
	}

	return out
}
