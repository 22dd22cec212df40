package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/relai/internal/config"
	"github.com/rakunlabs/relai/internal/pricing"
	"github.com/rakunlabs/relai/internal/router"
	"github.com/rakunlabs/relai/internal/service"
	"github.com/rakunlabs/relai/internal/store"
)

func discoveryFixture(t *testing.T, baseURL string, channels []config.Channel) (*Discoverer, *router.Router, *store.Store) {
	t.Helper()

	prices, err := pricing.NewStore()
	require.NoError(t, err)

	providers := map[string]config.Provider{
		"openrouter": {Adapter: "openai", BaseURL: baseURL},
	}

	table := router.NewChannelTable(providers, channels)
	rt := router.New(config.Routing{DefaultStrategy: router.StrategyFreeFirst}, config.CostControl{}, table, prices)

	disk, err := store.New(t.TempDir())
	require.NoError(t, err)

	d := New(config.Discovery{
		Enabled:        true,
		Interval:       "6h",
		Concurrency:    4,
		RequestTimeout: "5s",
		ChannelTimeout: "10s",
	}, rt, disk, prices)

	return d, rt, disk
}

func modelsHandler(t *testing.T, perKey map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)

		key := r.Header.Get("Authorization")
		body, ok := perKey[key]
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error": "invalid api key"}`)

			return
		}

		fmt.Fprint(w, body)
	}
}

func TestRunOnce_RefreshesCatalogAndIndex(t *testing.T) {
	srv := httptest.NewServer(modelsHandler(t, map[string]string{
		"Bearer sk-main": `{"data": [
			{"id": "qwen/qwen3-8b:free", "context_length": 32768, "pricing": {"prompt": "0", "completion": "0"}},
			{"id": "qwen/qwen3-30b-a3b", "context_length": 131072, "pricing": {"prompt": "0.0000001", "completion": "0.0000002"}}
		]}`,
	}))
	defer srv.Close()

	ch := config.Channel{ID: "or", Provider: "openrouter", APIKey: "sk-main", Tags: []string{"free"}, Enabled: true}
	d, rt, disk := discoveryFixture(t, srv.URL, []config.Channel{ch})

	d.RunOnce(context.Background())

	// Catalog populated.
	rec, ok := rt.Catalog().Lookup("or", "qwen/qwen3-8b:free")
	require.True(t, ok)
	assert.Equal(t, 32768, rec.ContextLength)
	assert.Equal(t, "discovered", rec.Price.Source)

	// Index serves tag queries. The channel's "free" tag applies to both of
	// its models.
	refs := rt.Index().Find([]string{"qwen3", "free"}, nil)
	require.Len(t, refs, 2)
	assert.Equal(t, "or", refs[0].ChannelID)
	assert.Equal(t, "or", refs[1].ChannelID)

	// Blob persisted under the per-key cache key.
	blob, err := disk.Load(pricing.CacheKey("or", "sk-main"))
	require.NoError(t, err)
	require.NotNil(t, blob)
	assert.Equal(t, "ok", blob.Status)
	assert.Len(t, blob.Models, 2)
}

// Discovery failures keep the previous catalog effective and never disable
// the channel.
func TestRunOnce_FailureKeepsPreviousCatalog(t *testing.T) {
	good := `{"data": [{"id": "qwen/qwen3-8b:free"}]}`
	keys := map[string]string{"Bearer sk-main": good}

	srv := httptest.NewServer(modelsHandler(t, keys))
	defer srv.Close()

	ch := config.Channel{ID: "or", Provider: "openrouter", APIKey: "sk-main", Enabled: true}
	d, rt, _ := discoveryFixture(t, srv.URL, []config.Channel{ch})

	d.RunOnce(context.Background())
	_, ok := rt.Catalog().Lookup("or", "qwen/qwen3-8b:free")
	require.True(t, ok)

	// The key stops working: the old catalog stays.
	delete(keys, "Bearer sk-main")
	d.RunOnce(context.Background())

	_, ok = rt.Catalog().Lookup("or", "qwen/qwen3-8b:free")
	assert.True(t, ok)
}

// A channel bound to one model only advertises that model.
func TestRunOnce_BoundModelFiltered(t *testing.T) {
	srv := httptest.NewServer(modelsHandler(t, map[string]string{
		"Bearer sk-main": `{"data": [{"id": "a"}, {"id": "b"}, {"id": "c"}]}`,
	}))
	defer srv.Close()

	ch := config.Channel{ID: "or", Provider: "openrouter", APIKey: "sk-main", Model: "b", Enabled: true}
	d, rt, _ := discoveryFixture(t, srv.URL, []config.Channel{ch})

	d.RunOnce(context.Background())

	_, okA := rt.Catalog().Lookup("or", "a")
	_, okB := rt.Catalog().Lookup("or", "b")

	assert.False(t, okA)
	assert.True(t, okB)
}

// Two keys on the same channel get separate catalog slots and separate
// pricing.
func TestRunOnce_PerKeyIsolation(t *testing.T) {
	srv := httptest.NewServer(modelsHandler(t, map[string]string{
		"Bearer sk-pro":  `{"data": [{"id": "shared", "pricing": {"prompt": "0.000001", "completion": "0.000002"}}, {"id": "Pro/only"}]}`,
		"Bearer sk-free": `{"data": [{"id": "shared", "pricing": {"prompt": "0", "completion": "0"}}]}`,
	}))
	defer srv.Close()

	ch := config.Channel{ID: "or", Provider: "openrouter", APIKey: "sk-pro", APIKeys: []string{"sk-free"}, Enabled: true}
	d, _, disk := discoveryFixture(t, srv.URL, []config.Channel{ch})

	d.RunOnce(context.Background())

	proBlob, err := disk.Load(pricing.CacheKey("or", "sk-pro"))
	require.NoError(t, err)
	require.NotNil(t, proBlob)
	assert.Equal(t, "pro", proBlob.Tier) // the Pro/ family heuristic

	freeBlob, err := disk.Load(pricing.CacheKey("or", "sk-free"))
	require.NoError(t, err)
	require.NotNil(t, freeBlob)
	assert.NotEqual(t, proBlob.CacheKey, freeBlob.CacheKey)
}

func TestDetectTier(t *testing.T) {
	assert.Equal(t, "pro", detectTier([]service.ModelInfo{{ID: "Pro/Qwen/Qwen3-8B"}}))
	assert.Equal(t, "unknown", detectTier(nil))

	many := make([]service.ModelInfo, 120)
	for i := range many {
		many[i] = service.ModelInfo{ID: fmt.Sprintf("m-%d", i)}
	}
	assert.Equal(t, "premium", detectTier(many))
}

// Warm start: catalogs load from disk before the first live round.
func TestWarmFromDisk(t *testing.T) {
	srv := httptest.NewServer(modelsHandler(t, map[string]string{
		"Bearer sk-main": `{"data": [{"id": "qwen/qwen3-8b:free"}]}`,
	}))
	defer srv.Close()

	ch := config.Channel{ID: "or", Provider: "openrouter", APIKey: "sk-main", Enabled: true}
	d, _, disk := discoveryFixture(t, srv.URL, []config.Channel{ch})
	d.RunOnce(context.Background())

	// A fresh router warms from the same disk store.
	prices2, err := pricing.NewStore()
	require.NoError(t, err)
	table2 := router.NewChannelTable(map[string]config.Provider{
		"openrouter": {Adapter: "openai", BaseURL: srv.URL},
	}, []config.Channel{ch})
	rt2 := router.New(config.Routing{DefaultStrategy: router.StrategyFreeFirst}, config.CostControl{}, table2, prices2)

	d2 := New(config.Discovery{Enabled: false}, rt2, disk, prices2)
	d2.warmFromDisk()

	_, ok := rt2.Catalog().Lookup("or", "qwen/qwen3-8b:free")
	assert.True(t, ok)
}
