package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/relai/internal/config"
	"github.com/rakunlabs/relai/internal/pricing"
	"github.com/rakunlabs/relai/internal/service"
)

func testProviders() map[string]config.Provider {
	return map[string]config.Provider{
		"openrouter": {Adapter: "openai", BaseURL: "https://openrouter.ai/api/v1"},
		"siliconflow": {Adapter: "openai", BaseURL: "https://api.siliconflow.cn/v1"},
		"ollama":     {Adapter: "local", BaseURL: "http://localhost:11434/v1"},
	}
}

func testRouter(t *testing.T, channels []config.Channel) *Router {
	t.Helper()

	prices, err := pricing.NewStore()
	require.NoError(t, err)

	table := NewChannelTable(testProviders(), channels)
	rt := New(config.Routing{
		DefaultStrategy:  StrategyFreeFirst,
		MaxRetryAttempts: 3,
		ModelFilters:     config.ModelFilters{MinContextLength: 2048},
	}, config.CostControl{}, table, prices)
	rt.SetCache(NewCache(config.Cache{DefaultTTLSeconds: 60, MaxCacheEntries: 100}))

	return rt
}

func seedModel(rt *Router, ch config.Channel, modelID string, price pricing.Price, contextLen int) {
	tags := ExtractTags(modelID)
	for _, t := range ch.Tags {
		tags = append(tags, ExtractTags(t)...)
	}

	rec := ModelRecord{
		ChannelID:     ch.ID,
		ModelID:       modelID,
		ContextLength: contextLen,
		Price:         price,
		Tags:          dedupTags(tags),
	}

	key := pricing.CacheKey(ch.ID, ch.Keys()[0])
	existing := map[string]ModelRecord{}
	for _, r := range rt.Catalog().All() {
		if r.ChannelID == ch.ID {
			existing[r.ModelID] = r
		}
	}
	existing[modelID] = rec

	records := make([]ModelRecord, 0, len(existing))
	for _, r := range existing {
		records = append(records, r)
	}
	rt.Catalog().SetModels(ch.ID, key, records)

	channelTags := map[string][]string{}
	for _, c := range rt.Table().All() {
		channelTags[c.ID] = c.Tags
	}
	rt.Index().Rebuild(rt.Catalog().Refs(), channelTags)
}

func freePrice() pricing.Price {
	return pricing.Price{Source: "static", Currency: "USD"}
}

func paidPrice() pricing.Price {
	return pricing.Price{
		PromptPerToken:     0.0003,
		CompletionPerToken: 0.0009,
		Source:             "static",
		Currency:           "USD",
	}
}

func chatReq(model string) *service.ChatRequest {
	return &service.ChatRequest{
		Model: model,
		Messages: []service.Message{
			{Role: "user", Content: service.TextContent("hi")},
		},
	}
}

// A free channel always beats a paid one offering the same model.
func TestFind_FreeBeatsPaid(t *testing.T) {
	chFree := config.Channel{ID: "a-free", Provider: "openrouter", Tags: []string{"free"}, Enabled: true}
	chPaid := config.Channel{ID: "b-paid", Provider: "siliconflow", Enabled: true}

	rt := testRouter(t, []config.Channel{chFree, chPaid})
	seedModel(rt, chFree, "qwen3-8b", freePrice(), 32768)
	seedModel(rt, chPaid, "qwen3-8b", paidPrice(), 131072)

	cands, cached, err := rt.FindCandidates(chatReq("qwen3-8b"), &Request{ModelExpr: "qwen3-8b"}, time.Now())
	require.NoError(t, err)
	assert.False(t, cached)
	require.Len(t, cands, 2)

	assert.Equal(t, "a-free", cands[0].Channel.ID)
	assert.True(t, cands[0].Score.Free())
	assert.False(t, cands[1].Score.Free())
}

// tag:free,qwen3 only considers channels carrying both tags.
func TestFind_TagExpression(t *testing.T) {
	chFree := config.Channel{ID: "a-free", Provider: "openrouter", Tags: []string{"free"}, Enabled: true}
	chPaid := config.Channel{ID: "b-paid", Provider: "siliconflow", Enabled: true}

	rt := testRouter(t, []config.Channel{chFree, chPaid})
	seedModel(rt, chFree, "qwen3-8b", freePrice(), 32768)
	seedModel(rt, chPaid, "qwen3-8b", paidPrice(), 131072)

	cands, _, err := rt.FindCandidates(chatReq("tag:free,qwen3"), &Request{ModelExpr: "tag:free,qwen3"}, time.Now())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "a-free", cands[0].Channel.ID)
}

// Two free channels: the local one wins the tie on local_tier.
func TestFind_LocalTieBreak(t *testing.T) {
	chLocal := config.Channel{ID: "local", Provider: "ollama", Tags: []string{"free", "local"}, Enabled: true}
	chRemote := config.Channel{ID: "remote", Provider: "openrouter", Tags: []string{"free"}, Enabled: true}

	rt := testRouter(t, []config.Channel{chLocal, chRemote})
	seedModel(rt, chLocal, "qwen3-8b", freePrice(), 32768)
	seedModel(rt, chRemote, "qwen3-8b", freePrice(), 32768)

	cands, _, err := rt.FindCandidates(chatReq("qwen3-8b"), &Request{ModelExpr: "qwen3-8b"}, time.Now())
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "local", cands[0].Channel.ID)
}

func TestFind_SortedByRank(t *testing.T) {
	chans := []config.Channel{
		{ID: "c1", Provider: "openrouter", Tags: []string{"free"}, Enabled: true},
		{ID: "c2", Provider: "siliconflow", Enabled: true},
		{ID: "c3", Provider: "openrouter", Enabled: true},
	}

	rt := testRouter(t, chans)
	seedModel(rt, chans[0], "qwen3-8b", freePrice(), 8192)
	seedModel(rt, chans[1], "qwen3-8b", paidPrice(), 131072)
	seedModel(rt, chans[2], "qwen3-8b", paidPrice(), 32768)

	cands, _, err := rt.FindCandidates(chatReq("qwen3-8b"), &Request{ModelExpr: "qwen3-8b"}, time.Now())
	require.NoError(t, err)

	for i := 1; i < len(cands); i++ {
		assert.GreaterOrEqual(t, cands[i-1].Rank, cands[i].Rank, "candidates must sort descending")
	}
}

func TestFind_FiltersDisabledAndBlacklisted(t *testing.T) {
	chOff := config.Channel{ID: "off", Provider: "openrouter", Enabled: false}
	chBlocked := config.Channel{ID: "blocked", Provider: "openrouter", Enabled: true}
	chOK := config.Channel{ID: "ok", Provider: "openrouter", Enabled: true}

	rt := testRouter(t, []config.Channel{chOff, chBlocked, chOK})
	for _, ch := range []config.Channel{chOff, chBlocked, chOK} {
		seedModel(rt, ch, "qwen3-8b", paidPrice(), 32768)
	}

	rt.Blacklist().RecordFailure("blocked", "qwen3-8b", KindRateLimit, time.Now())

	cands, _, err := rt.FindCandidates(chatReq("qwen3-8b"), &Request{ModelExpr: "qwen3-8b"}, time.Now())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "ok", cands[0].Channel.ID)
}

func TestFind_ExcludesNonChatModels(t *testing.T) {
	ch := config.Channel{ID: "ch", Provider: "openrouter", Enabled: true}

	rt := testRouter(t, []config.Channel{ch})
	seedModel(rt, ch, "text-embedding-3-small", paidPrice(), 8192)

	_, _, err := rt.FindCandidates(chatReq("text-embedding-3-small"), &Request{ModelExpr: "text-embedding-3-small"}, time.Now())

	var noChans *NoChannelsError
	assert.ErrorAs(t, err, &noChans)
}

func TestFind_ContextLengthFilter(t *testing.T) {
	ch := config.Channel{ID: "small", Provider: "openrouter", Enabled: true}

	rt := testRouter(t, []config.Channel{ch})
	seedModel(rt, ch, "tiny-chat-1b", paidPrice(), 1024)

	_, _, err := rt.FindCandidates(chatReq("tiny-chat-1b"), &Request{ModelExpr: "tiny-chat-1b", MinContextLength: 2048}, time.Now())

	var noChans *NoChannelsError
	assert.ErrorAs(t, err, &noChans)
}

func TestFind_ExcludeProviders(t *testing.T) {
	ch := config.Channel{ID: "ch", Provider: "openrouter", Enabled: true}

	rt := testRouter(t, []config.Channel{ch})
	seedModel(rt, ch, "qwen3-8b", paidPrice(), 32768)

	_, _, err := rt.FindCandidates(chatReq("qwen3-8b"), &Request{
		ModelExpr:        "qwen3-8b",
		ExcludeProviders: []string{"openrouter"},
	}, time.Now())

	var noChans *NoChannelsError
	assert.ErrorAs(t, err, &noChans)
}

func TestFind_StrictFreeValidation(t *testing.T) {
	// Channel tagged free but with non-zero pricing: rejected for
	// tag-expressions containing "free".
	chFake := config.Channel{ID: "fake-free", Provider: "openrouter", Tags: []string{"free"}, Enabled: true}

	rt := testRouter(t, []config.Channel{chFake})
	seedModel(rt, chFake, "qwen3-8b", paidPrice(), 32768)

	_, _, err := rt.FindCandidates(chatReq("tag:free,qwen3"), &Request{ModelExpr: "tag:free,qwen3"}, time.Now())

	var noChans *NoChannelsError
	assert.ErrorAs(t, err, &noChans)
}

func TestFind_OnlyNegativeTags(t *testing.T) {
	ch := config.Channel{ID: "ch", Provider: "openrouter", Enabled: true}

	rt := testRouter(t, []config.Channel{ch})
	seedModel(rt, ch, "qwen3-8b-instruct", paidPrice(), 32768)
	seedModel(rt, ch, "text-embedding-3-small", paidPrice(), 8192)

	cands, _, err := rt.FindCandidates(chatReq("tag:!embedding"), &Request{ModelExpr: "tag:!embedding"}, time.Now())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "qwen3-8b-instruct", cands[0].Model.ModelID)
}

func TestFind_PreferLocalDropsRemote(t *testing.T) {
	chLocal := config.Channel{ID: "local", Provider: "ollama", Tags: []string{"local"}, Enabled: true}
	chRemote := config.Channel{ID: "remote", Provider: "openrouter", Enabled: true}

	rt := testRouter(t, []config.Channel{chLocal, chRemote})
	seedModel(rt, chLocal, "qwen3-8b", freePrice(), 32768)
	seedModel(rt, chRemote, "qwen3-8b", paidPrice(), 32768)

	cands, _, err := rt.FindCandidates(chatReq("qwen3-8b"), &Request{ModelExpr: "qwen3-8b", PreferLocal: true}, time.Now())
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "local", cands[0].Channel.ID)
}

func TestFind_CacheHitAndInvalidation(t *testing.T) {
	chA := config.Channel{ID: "a", Provider: "openrouter", Tags: []string{"free"}, Enabled: true}
	chB := config.Channel{ID: "b", Provider: "siliconflow", Enabled: true}

	rt := testRouter(t, []config.Channel{chA, chB})
	seedModel(rt, chA, "qwen3-8b", freePrice(), 32768)
	seedModel(rt, chB, "qwen3-8b", paidPrice(), 131072)

	now := time.Now()
	req := &Request{ModelExpr: "qwen3-8b"}

	first, cached, err := rt.FindCandidates(chatReq("qwen3-8b"), req, now)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "a", first[0].Channel.ID)

	// Different message content, same routing inputs: still a hit, since
	// content is not part of the fingerprint.
	other := chatReq("qwen3-8b")
	other.Messages[0].Content = service.TextContent("a completely different prompt")

	second, cached, err := rt.FindCandidates(other, req, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "a", second[0].Channel.ID)

	// Blacklisting the primary turns the cached entry into a miss; the
	// fresh selection falls over to channel b.
	rt.Blacklist().RecordFailure("a", "qwen3-8b", KindRateLimit, now)

	third, cached, err := rt.FindCandidates(chatReq("qwen3-8b"), req, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "b", third[0].Channel.ID)
}

func TestFind_NoChannels(t *testing.T) {
	rt := testRouter(t, nil)

	_, _, err := rt.FindCandidates(chatReq("ghost-model"), &Request{ModelExpr: "ghost-model"}, time.Now())

	var noChans *NoChannelsError
	require.ErrorAs(t, err, &noChans)
	assert.Equal(t, "ghost-model", noChans.ModelExpr)
}
