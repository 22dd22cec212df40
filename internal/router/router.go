package router

import (
	"sync"
	"time"

	"github.com/rakunlabs/relai/internal/config"
	"github.com/rakunlabs/relai/internal/cost"
	"github.com/rakunlabs/relai/internal/pricing"
	"github.com/rakunlabs/relai/internal/service"
)

// Router owns the routing state: the channel table, the discovered model
// catalog and tag index, the selection cache, the blacklist, rolling stats
// and the per-channel adapters.
type Router struct {
	table     *ChannelTable
	catalog   *Catalog
	index     *Index
	cache     *Cache
	blacklist *Blacklist
	stats     *Stats
	scorer    *Scorer
	estimator *cost.Estimator
	pricing   *pricing.Store
	session   *cost.Session

	routing config.Routing

	adapterMu sync.RWMutex
	adapters  map[string]service.Adapter // channel id -> adapter

	strategyMu sync.RWMutex
	strategy   string
}

func New(cfg config.Routing, costCfg config.CostControl, table *ChannelTable, prices *pricing.Store) *Router {
	stats := NewStats()

	strategy := cfg.DefaultStrategy
	if !ValidStrategy(strategy) {
		strategy = StrategyBalanced
	}

	blacklist := NewBlacklist()
	blacklist.SetBaseCooldown(cfg.Cooldown())

	return &Router{
		table:     table,
		catalog:   NewCatalog(),
		index:     NewIndex(),
		cache:     NewCache(config.Cache{}),
		blacklist: blacklist,
		stats:     stats,
		scorer:    NewScorer(stats),
		estimator: cost.NewEstimator(costCfg),
		pricing:   prices,
		session:   cost.NewSession(),
		routing:   cfg,
		adapters:  map[string]service.Adapter{},
		strategy:  strategy,
	}
}

// SetCache replaces the selection cache; called once at startup with the
// configured TTL and size.
func (r *Router) SetCache(c *Cache) { r.cache = c }

// SetAdapter binds the channel's upstream adapter.
func (r *Router) SetAdapter(channelID string, a service.Adapter) {
	r.adapterMu.Lock()
	r.adapters[channelID] = a
	r.adapterMu.Unlock()
}

func (r *Router) adapter(channelID string) (service.Adapter, bool) {
	r.adapterMu.RLock()
	defer r.adapterMu.RUnlock()

	a, ok := r.adapters[channelID]

	return a, ok
}

// Strategy returns the active routing strategy name.
func (r *Router) Strategy() string {
	r.strategyMu.RLock()
	defer r.strategyMu.RUnlock()

	return r.strategy
}

// SetStrategy switches the active strategy. Unknown names are rejected.
func (r *Router) SetStrategy(name string) bool {
	if !ValidStrategy(name) {
		return false
	}

	r.strategyMu.Lock()
	r.strategy = name
	r.strategyMu.Unlock()

	return true
}

// Accessors for the server and the discovery loop.

func (r *Router) Table() *ChannelTable     { return r.table }
func (r *Router) Catalog() *Catalog        { return r.catalog }
func (r *Router) Index() *Index            { return r.index }
func (r *Router) Cache() *Cache            { return r.cache }
func (r *Router) Blacklist() *Blacklist    { return r.blacklist }
func (r *Router) Stats() *Stats            { return r.stats }
func (r *Router) Estimator() *cost.Estimator { return r.estimator }
func (r *Router) Session() *cost.Session   { return r.session }
func (r *Router) Pricing() *pricing.Store  { return r.pricing }

// Sweep runs the periodic cache and blacklist cleanup.
func (r *Router) Sweep(now time.Time) {
	r.cache.Sweep(now)
	r.blacklist.Sweep(now)
}

// ResetDaily clears the per-channel daily counters at UTC midnight.
func (r *Router) ResetDaily(now time.Time) {
	r.stats.ResetDaily(now)
}
