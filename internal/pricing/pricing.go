// Package pricing resolves per-token prices for (provider, model) pairs.
//
// Lookup order: per-(channel, api_key) discovered catalog, provider static
// table, provider tiered calculator, generic default. Channel-level price
// overrides are applied earlier, by the cost estimator.
package pricing

import (
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var dataFS embed.FS

const tokensPerMillion = 1_000_000

// CacheKey derives the per-(channel, api_key) catalog key: the channel id
// plus the first 8 hex chars of the key's SHA-256. Different keys on the
// same provider therefore never share a pricing slot.
func CacheKey(channelID, apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))

	return channelID + "_" + hex.EncodeToString(sum[:])[:8]
}

// Price is a resolved per-token price in USD (unless Currency says otherwise).
type Price struct {
	PromptPerToken     float64 `json:"prompt_per_token"`
	CompletionPerToken float64 `json:"completion_per_token"`
	Currency           string  `json:"currency"`
	Source             string  `json:"source"` // "channel_override", "discovered", "static", "tiered", "default"
	Estimated          bool    `json:"estimated,omitempty"`
}

// Default prices used when no other source matches: $0.001 / 1K prompt,
// $0.002 / 1K completion, flagged estimated.
var defaultPrice = Price{
	PromptPerToken:     0.001 / 1000,
	CompletionPerToken: 0.002 / 1000,
	Currency:           "USD",
	Source:             "default",
	Estimated:          true,
}

// modelEntry is one model row of a provider's static pricing file.
type modelEntry struct {
	PromptPerMTok     float64  `yaml:"prompt_per_mtok"`
	CompletionPerMTok float64  `yaml:"completion_per_mtok"`
	ContextLength     int      `yaml:"context_length"`
	Capabilities      []string `yaml:"capabilities"`
	ParameterCountB   float64  `yaml:"parameter_count_b"`
}

// providerFile is the schema of an embedded data/<provider>.yaml file.
type providerFile struct {
	Provider string                `yaml:"provider"`
	Currency string                `yaml:"currency"`
	Models   map[string]modelEntry `yaml:"models"`
	Tiered   map[string]tieredSpec `yaml:"tiered"`
}

// ModelMeta is the non-price metadata a static table can contribute to a
// model record (context length, capabilities) when discovery reports none.
type ModelMeta struct {
	ContextLength   int
	Capabilities    []string
	ParameterCountB float64
}

// Store holds the static tables plus per-(channel, key) discovered prices.
type Store struct {
	mu sync.RWMutex

	static map[string]providerFile // provider id -> table

	// discovered maps the discovery cache key ("<channel>_<keyhash8>") to
	// model id -> price. Never shared across api keys: different keys can
	// sit on different user tiers with different prices.
	discovered map[string]map[string]Price
}

// NewStore loads the embedded static pricing tables.
func NewStore() (*Store, error) {
	s := &Store{
		static:     map[string]providerFile{},
		discovered: map[string]map[string]Price{},
	}

	entries, err := fs.ReadDir(dataFS, "data")
	if err != nil {
		return nil, fmt.Errorf("read pricing data: %w", err)
	}

	for _, e := range entries {
		data, err := dataFS.ReadFile("data/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}

		var pf providerFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}

		if pf.Provider == "" {
			pf.Provider = strings.TrimSuffix(e.Name(), ".yaml")
		}
		if pf.Currency == "" {
			pf.Currency = "USD"
		}

		s.static[pf.Provider] = pf
	}

	return s, nil
}

// SetDiscovered replaces the discovered price catalog for one cache key.
// cacheKey must be the per-(channel, api_key) discovery key so that prices
// fetched with one key never leak to another key on the same provider.
func (s *Store) SetDiscovered(cacheKey string, prices map[string]Price) {
	cp := make(map[string]Price, len(prices))
	for id, p := range prices {
		p.Source = "discovered"
		cp[id] = p
	}

	s.mu.Lock()
	s.discovered[cacheKey] = cp
	s.mu.Unlock()
}

// DropDiscovered removes the discovered catalog for one cache key.
func (s *Store) DropDiscovered(cacheKey string) {
	s.mu.Lock()
	delete(s.discovered, cacheKey)
	s.mu.Unlock()
}

// Lookup resolves the price for a model. promptTokens and completionTokens
// feed the tiered calculator; pass estimates when the real counts are not
// known yet.
func (s *Store) Lookup(cacheKey, provider, modelID string, promptTokens, completionTokens int) Price {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cat, ok := s.discovered[cacheKey]; ok {
		if p, ok := cat[modelID]; ok {
			return p
		}
	}

	pf, ok := s.static[provider]
	if !ok {
		return defaultPrice
	}

	if m, ok := lookupModelEntry(pf.Models, modelID); ok {
		return Price{
			PromptPerToken:     m.PromptPerMTok / tokensPerMillion,
			CompletionPerToken: m.CompletionPerMTok / tokensPerMillion,
			Currency:           pf.Currency,
			Source:             "static",
		}
	}

	if spec, ok := lookupTiered(pf.Tiered, modelID); ok {
		p := spec.resolve(promptTokens, completionTokens)
		p.Currency = pf.Currency
		p.Source = "tiered"

		return p
	}

	return defaultPrice
}

// Meta returns static metadata for a model, when the table carries any.
func (s *Store) Meta(provider, modelID string) (ModelMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pf, ok := s.static[provider]
	if !ok {
		return ModelMeta{}, false
	}

	m, ok := lookupModelEntry(pf.Models, modelID)
	if !ok {
		return ModelMeta{}, false
	}

	return ModelMeta{
		ContextLength:   m.ContextLength,
		Capabilities:    m.Capabilities,
		ParameterCountB: m.ParameterCountB,
	}, true
}

// lookupModelEntry matches a model id against a static table. Exact match
// first, then prefix match so dated snapshots ("gpt-4o-2024-08-06") hit
// their base row.
func lookupModelEntry(models map[string]modelEntry, modelID string) (modelEntry, bool) {
	if m, ok := models[modelID]; ok {
		return m, true
	}

	id := strings.ToLower(modelID)
	var best string
	for name := range models {
		if strings.HasPrefix(id, strings.ToLower(name)) && len(name) > len(best) {
			best = name
		}
	}

	if best == "" {
		return modelEntry{}, false
	}

	return models[best], true
}

func lookupTiered(tiered map[string]tieredSpec, modelID string) (tieredSpec, bool) {
	if t, ok := tiered[modelID]; ok {
		return t, true
	}

	id := strings.ToLower(modelID)
	var best string
	for name := range tiered {
		if strings.HasPrefix(id, strings.ToLower(name)) && len(name) > len(best) {
			best = name
		}
	}

	if best == "" {
		return tieredSpec{}, false
	}

	return tiered[best], true
}
