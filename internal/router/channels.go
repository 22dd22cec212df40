package router

import (
	"sort"
	"sync"

	"github.com/rakunlabs/relai/internal/config"
)

// ChannelTable is the read-mostly channel registry. Config reload and the
// admin API are the only writers; the request path reads under an RWMutex.
type ChannelTable struct {
	mu        sync.RWMutex
	channels  map[string]config.Channel
	providers map[string]config.Provider
	disabled  map[string]bool // admin overrides on top of config
}

func NewChannelTable(providers map[string]config.Provider, channels []config.Channel) *ChannelTable {
	t := &ChannelTable{
		channels:  make(map[string]config.Channel, len(channels)),
		providers: providers,
		disabled:  map[string]bool{},
	}

	for _, ch := range channels {
		t.channels[ch.ID] = ch
	}

	return t
}

// Get returns a channel by id with the admin enabled-override applied.
func (t *ChannelTable) Get(id string) (config.Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ch, ok := t.channels[id]
	if !ok {
		return config.Channel{}, false
	}

	if t.disabled[id] {
		ch.Enabled = false
	}

	return ch, true
}

// All returns every channel sorted by id.
func (t *ChannelTable) All() []config.Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]config.Channel, 0, len(t.channels))
	for id, ch := range t.channels {
		if t.disabled[id] {
			ch.Enabled = false
		}
		out = append(out, ch)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Provider returns the provider description referenced by a channel.
func (t *ChannelTable) Provider(name string) (config.Provider, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.providers[name]

	return p, ok
}

// BaseURL resolves the upstream base URL for a channel.
func (t *ChannelTable) BaseURL(ch config.Channel) string {
	p, ok := t.Provider(ch.Provider)
	if !ok {
		return ""
	}

	return p.BaseURL
}

// SetEnabled flips the admin enabled-override. Returns false for unknown
// ids.
func (t *ChannelTable) SetEnabled(id string, enabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.channels[id]; !ok {
		return false
	}

	if enabled {
		delete(t.disabled, id)
	} else {
		t.disabled[id] = true
	}

	return true
}
