package router

import (
	"sort"
	"sync"

	"github.com/rakunlabs/relai/internal/pricing"
)

// ModelRecord is one discovered model scoped to a channel. The same model
// id may appear under many channels with different context, capabilities
// and pricing.
type ModelRecord struct {
	ChannelID       string        `json:"channel_id"`
	ModelID         string        `json:"model_id"`
	ContextLength   int           `json:"context_length"`
	ParameterCountB float64       `json:"parameter_count_b"`
	Capabilities    []string      `json:"capabilities"`
	Price           pricing.Price `json:"pricing"`
	Tags            []string      `json:"tags"`
}

// HasCapability reports whether the record advertises the capability.
func (m ModelRecord) HasCapability(cap string) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}

	return false
}

// ExplicitlyFree reports whether the model's pricing is known and zero.
// A default (estimated) price of zero does not count.
func (m ModelRecord) ExplicitlyFree() bool {
	return m.Price.Source != "" && m.Price.Source != "default" &&
		m.Price.PromptPerToken == 0 && m.Price.CompletionPerToken == 0
}

// Catalog is the channel-scoped model registry populated by discovery.
// Records are grouped per (channel, discovery cache key) so that model
// lists fetched with different api keys never mix.
type Catalog struct {
	mu sync.RWMutex

	// byChannel maps channel id -> cache key -> model id -> record.
	byChannel map[string]map[string]map[string]ModelRecord
}

func NewCatalog() *Catalog {
	return &Catalog{byChannel: map[string]map[string]map[string]ModelRecord{}}
}

// SetModels replaces the catalog for one (channel, cache key) slot.
func (c *Catalog) SetModels(channelID, cacheKey string, records []ModelRecord) {
	byID := make(map[string]ModelRecord, len(records))
	for _, r := range records {
		r.ChannelID = channelID
		byID[r.ModelID] = r
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.byChannel[channelID]
	if keys == nil {
		keys = map[string]map[string]ModelRecord{}
		c.byChannel[channelID] = keys
	}
	keys[cacheKey] = byID
}

// DropChannel removes every record of a channel.
func (c *Catalog) DropChannel(channelID string) {
	c.mu.Lock()
	delete(c.byChannel, channelID)
	c.mu.Unlock()
}

// Lookup returns the record for (channel, model). When several keys of the
// channel expose the model, the lexicographically first cache key wins so
// lookups are deterministic.
func (c *Catalog) Lookup(channelID, modelID string) (ModelRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys, ok := c.byChannel[channelID]
	if !ok {
		return ModelRecord{}, false
	}

	cacheKeys := make([]string, 0, len(keys))
	for k := range keys {
		cacheKeys = append(cacheKeys, k)
	}
	sort.Strings(cacheKeys)

	for _, k := range cacheKeys {
		if rec, ok := keys[k][modelID]; ok {
			return rec, true
		}
	}

	return ModelRecord{}, false
}

// Refs returns every (channel, model) pair in the catalog, for index
// rebuilds.
func (c *Catalog) Refs() []ModelRef {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := map[ModelRef]struct{}{}
	var refs []ModelRef
	for chID, keys := range c.byChannel {
		for _, byID := range keys {
			for modelID := range byID {
				ref := ModelRef{ChannelID: chID, ModelID: modelID}
				if _, dup := seen[ref]; dup {
					continue
				}
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}
		}
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].less(refs[j]) })

	return refs
}

// All returns every record, deduplicated by (channel, model).
func (c *Catalog) All() []ModelRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := map[ModelRef]struct{}{}
	var out []ModelRecord
	for chID, keys := range c.byChannel {
		cacheKeys := make([]string, 0, len(keys))
		for k := range keys {
			cacheKeys = append(cacheKeys, k)
		}
		sort.Strings(cacheKeys)

		for _, k := range cacheKeys {
			for modelID, rec := range keys[k] {
				ref := ModelRef{ChannelID: chID, ModelID: modelID}
				if _, dup := seen[ref]; dup {
					continue
				}
				seen[ref] = struct{}{}
				out = append(out, rec)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return ModelRef{out[i].ChannelID, out[i].ModelID}.less(ModelRef{out[j].ChannelID, out[j].ModelID})
	})

	return out
}
