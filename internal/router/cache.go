package router

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rakunlabs/relai/internal/config"
)

const maxBackups = 5

// Fingerprint is the routing-relevant view of a request. Message content is
// deliberately excluded so equal routing inputs share one cache slot.
type Fingerprint struct {
	ModelExpr        string   `json:"model"`
	Strategy         string   `json:"strategy"`
	Capabilities     []string `json:"capabilities"` // sorted
	ExcludeProviders []string `json:"exclude_providers"`
	MinContextLength int      `json:"min_context_length"`
	MaxCostPer1K     float64  `json:"max_cost_per_1k"`
	PreferLocal      bool     `json:"prefer_local"`
	HasFunctions     bool     `json:"has_functions"`
	Stream           bool     `json:"stream"`
	MaxTokensBucket  int      `json:"max_tokens_bucket"`  // rounded to 256
	TemperatureTenth int      `json:"temperature_bucket"` // tenths, rounded
}

// Hash returns the stable 32-hex-digit fingerprint: SHA-256 over the
// canonical JSON with sorted object keys (Go maps marshal key-sorted).
func (f Fingerprint) Hash() string {
	m := map[string]any{
		"model":              f.ModelExpr,
		"strategy":           f.Strategy,
		"capabilities":       f.Capabilities,
		"exclude_providers":  f.ExcludeProviders,
		"min_context_length": f.MinContextLength,
		"max_cost_per_1k":    f.MaxCostPer1K,
		"prefer_local":       f.PreferLocal,
		"has_functions":      f.HasFunctions,
		"stream":             f.Stream,
		"max_tokens_bucket":  f.MaxTokensBucket,
		"temperature_bucket": f.TemperatureTenth,
	}

	data, _ := json.Marshal(m)
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])[:32]
}

// BucketMaxTokens rounds max_tokens to its 256-wide bucket.
func BucketMaxTokens(maxTokens int) int {
	return int(math.Round(float64(maxTokens)/256)) * 256
}

// BucketTemperature rounds temperature to tenths.
func BucketTemperature(t float64) int {
	return int(math.Round(t * 10))
}

// Selection is one cached routing decision: the primary pick plus up to
// five backups.
type Selection struct {
	Primary    ModelRef   `json:"primary"`
	Backups    []ModelRef `json:"backups"`
	Reason     string     `json:"reason"`
	EstCostUSD float64    `json:"est_cost_usd"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	HitCount   int64      `json:"hit_count"`
	LastUsedAt time.Time  `json:"last_used_at"`
}

// CacheStats is the introspection snapshot exposed on the admin endpoint.
type CacheStats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Invalidations int64   `json:"invalidations"`
	Size          int     `json:"size"`
	MaxSize       int     `json:"max_size"`
	HitRate       float64 `json:"hit_rate"`
}

// Cache maps request fingerprints to selections with TTL, LRU eviction and
// channel-targeted invalidation. Mutations are serialized under one mutex;
// entries expire on read and on the periodic sweep.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Selection

	ttl     time.Duration
	maxSize int

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
}

func NewCache(cfg config.Cache) *Cache {
	ttl := cfg.TTL()
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	maxSize := cfg.MaxCacheEntries
	if maxSize <= 0 {
		maxSize = 1000
	}

	return &Cache{
		entries: map[string]*Selection{},
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns the cached selection for a fingerprint hash. Expired entries
// are dropped and reported as a miss.
func (c *Cache) Get(key string, now time.Time) (Selection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)

		return Selection{}, false
	}

	if !now.Before(e.ExpiresAt) {
		delete(c.entries, key)
		c.misses.Add(1)

		return Selection{}, false
	}

	e.HitCount++
	e.LastUsedAt = now
	c.hits.Add(1)

	return *e, true
}

// Put stores a selection, trimming backups and evicting the least recently
// used entries when the cache is full.
func (c *Cache) Put(key string, sel Selection, now time.Time) {
	if len(sel.Backups) > maxBackups {
		sel.Backups = sel.Backups[:maxBackups]
	}
	sel.CreatedAt = now
	sel.ExpiresAt = now.Add(c.ttl)
	sel.LastUsedAt = now

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &sel

	for len(c.entries) > c.maxSize {
		c.evictOldestLocked()
	}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time

	for k, e := range c.entries {
		if oldestKey == "" || e.LastUsedAt.Before(oldest) {
			oldestKey = k
			oldest = e.LastUsedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// InvalidateChannel removes every entry whose primary or backups reference
// the channel. Called on channel disable, removal, and auth-fatal errors.
func (c *Cache) InvalidateChannel(channelID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.Primary.ChannelID == channelID {
			delete(c.entries, k)
			removed++

			continue
		}

		for _, b := range e.Backups {
			if b.ChannelID == channelID {
				delete(c.entries, k)
				removed++

				break
			}
		}
	}

	c.invalidations.Add(int64(removed))

	return removed
}

// Sweep drops expired entries; run on the cleanup interval.
func (c *Cache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, k)
		}
	}
}

// Stats returns the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()

	rate := 0.0
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}

	return CacheStats{
		Hits:          hits,
		Misses:        misses,
		Invalidations: c.invalidations.Load(),
		Size:          size,
		MaxSize:       c.maxSize,
		HitRate:       rate,
	}
}
