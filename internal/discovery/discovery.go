// Package discovery polls each (channel, api_key) pair for its model
// catalog on a fixed interval, refreshing the tag index and the pricing
// store. Results are keyed per api key so user-tier differences never
// pollute pricing.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/worldline-go/hardloop"
	"golang.org/x/sync/errgroup"

	"github.com/rakunlabs/relai/internal/config"
	"github.com/rakunlabs/relai/internal/pricing"
	"github.com/rakunlabs/relai/internal/router"
	"github.com/rakunlabs/relai/internal/service"
	"github.com/rakunlabs/relai/internal/service/llm"
	"github.com/rakunlabs/relai/internal/store"
)

// Discoverer runs the periodic catalog refresh.
type Discoverer struct {
	cfg    config.Discovery
	rt     *router.Router
	disk   *store.Store
	prices *pricing.Store
}

func New(cfg config.Discovery, rt *router.Router, disk *store.Store, prices *pricing.Store) *Discoverer {
	return &Discoverer{
		cfg:    cfg,
		rt:     rt,
		disk:   disk,
		prices: prices,
	}
}

// Start warms the catalog from disk, runs one discovery round, and then
// keeps refreshing on the configured interval plus resetting daily
// counters at UTC midnight. Blocks until ctx is done.
func (d *Discoverer) Start(ctx context.Context) error {
	d.warmFromDisk()

	if d.cfg.Enabled {
		d.RunOnce(ctx)
	}

	crons := []hardloop.Cron{
		{
			Name:  "daily-reset",
			Specs: []string{"CRON_TZ=UTC 0 0 * * *"},
			Func: func(ctx context.Context) error {
				d.rt.ResetDaily(time.Now())
				slog.Info("daily channel counters reset")

				return nil
			},
		},
	}

	if d.cfg.Enabled {
		crons = append(crons, hardloop.Cron{
			Name:  "model-discovery",
			Specs: []string{"@every " + d.cfg.IntervalDuration().String()},
			Func: func(ctx context.Context) error {
				d.RunOnce(ctx)

				return nil
			},
		})
	}

	cronJob, err := hardloop.NewCron(crons...)
	if err != nil {
		return fmt.Errorf("create discovery cron: %w", err)
	}

	if err := cronJob.Start(ctx); err != nil {
		return fmt.Errorf("start discovery cron: %w", err)
	}

	<-ctx.Done()
	cronJob.Stop()

	return nil
}

// RunOnce refreshes every enabled channel × key with bounded concurrency.
// Per-key errors keep the previous catalog effective.
func (d *Discoverer) RunOnce(ctx context.Context) {
	start := time.Now()

	concurrency := d.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, ch := range d.rt.Table().All() {
		if !ch.Enabled {
			continue
		}

		ch := ch
		g.Go(func() error {
			chCtx, cancel := context.WithTimeout(gctx, d.cfg.ChannelDeadline())
			defer cancel()

			d.refreshChannel(chCtx, ch)

			return nil
		})
	}

	g.Wait()

	d.rebuildIndex()

	slog.Info("model discovery round finished", "elapsed", time.Since(start).String())
}

func (d *Discoverer) refreshChannel(ctx context.Context, ch config.Channel) {
	provider, ok := d.rt.Table().Provider(ch.Provider)
	if !ok {
		return
	}

	for _, key := range ch.Keys() {
		cacheKey := pricing.CacheKey(ch.ID, key)

		adapter, err := llm.New(provider, key)
		if err != nil {
			slog.Error("discovery adapter setup failed", "channel", ch.ID, "error", err)

			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestDeadline())
		infos, err := adapter.DiscoverModels(reqCtx)
		cancel()

		if err != nil {
			// Keep the previous catalog; discovery failures never disable a
			// channel.
			slog.Warn("model discovery failed",
				"channel", ch.ID,
				"cache_key", cacheKey,
				"error", err,
			)

			continue
		}

		// The key evidently works again: lift any channel-wide auth block.
		d.rt.Blacklist().RecordSuccess(ch.ID, "")

		// A channel bound to one model only advertises that model.
		if ch.Model != "" && ch.Model != "*" {
			filtered := infos[:0]
			for _, info := range infos {
				if info.ID == ch.Model {
					filtered = append(filtered, info)
				}
			}
			if len(filtered) == 0 {
				filtered = append(filtered, service.ModelInfo{ID: ch.Model})
			}
			infos = filtered
		}

		d.apply(ch, cacheKey, infos, true)
	}
}

// apply folds one discovered catalog into the router state, the pricing
// store, and the disk cache.
func (d *Discoverer) apply(ch config.Channel, cacheKey string, infos []service.ModelInfo, persist bool) {
	records := make([]router.ModelRecord, 0, len(infos))
	discoveredPrices := map[string]pricing.Price{}

	chTags := make([]string, 0, len(ch.Tags))
	for _, t := range ch.Tags {
		chTags = append(chTags, strings.ToLower(t))
	}

	for _, info := range infos {
		rec := router.ModelRecord{
			ChannelID:       ch.ID,
			ModelID:         info.ID,
			ContextLength:   info.ContextLength,
			ParameterCountB: info.ParameterCountB,
			Capabilities:    info.Capabilities,
			Tags:            append(router.ExtractTags(info.ID), chTags...),
		}

		if meta, ok := d.prices.Meta(ch.Provider, info.ID); ok {
			if rec.ContextLength == 0 {
				rec.ContextLength = meta.ContextLength
			}
			if len(rec.Capabilities) == 0 {
				rec.Capabilities = meta.Capabilities
			}
			if rec.ParameterCountB == 0 {
				rec.ParameterCountB = meta.ParameterCountB
			}
		}

		if info.PricingKnown {
			p := pricing.Price{
				PromptPerToken:     info.PromptPerToken,
				CompletionPerToken: info.CompletionPerToken,
				Currency:           info.Currency,
				Source:             "discovered",
			}
			discoveredPrices[info.ID] = p
			rec.Price = p
		} else {
			rec.Price = d.prices.Lookup(cacheKey, ch.Provider, info.ID, 0, 0)
		}

		records = append(records, rec)
	}

	if len(discoveredPrices) > 0 {
		d.prices.SetDiscovered(cacheKey, discoveredPrices)
	}

	d.rt.Catalog().SetModels(ch.ID, cacheKey, records)

	tier := detectTier(infos)

	if persist {
		d.persist(ch, cacheKey, infos, tier)
	}

	slog.Info("model catalog refreshed",
		"channel", ch.ID,
		"cache_key", cacheKey,
		"models", len(records),
		"tier", tier,
	)
}

func (d *Discoverer) persist(ch config.Channel, cacheKey string, infos []service.ModelInfo, tier string) {
	if d.disk == nil {
		return
	}

	raw := make([]json.RawMessage, 0, len(infos))
	for _, info := range infos {
		data, err := json.Marshal(info)
		if err != nil {
			continue
		}
		raw = append(raw, data)
	}

	blob := store.CatalogBlob{
		CacheKey:    cacheKey,
		ChannelID:   ch.ID,
		APIKeyHash:  strings.TrimPrefix(cacheKey, ch.ID+"_"),
		Provider:    ch.Provider,
		Models:      raw,
		Status:      "ok",
		Tier:        tier,
		LastUpdated: time.Now().UTC(),
	}

	if err := d.disk.Save(blob); err != nil {
		slog.Warn("persist catalog failed", "cache_key", cacheKey, "error", err)
	}
}

// warmFromDisk seeds the catalog from the last persisted blobs so routing
// works before the first live discovery round completes.
func (d *Discoverer) warmFromDisk() {
	if d.disk == nil {
		return
	}

	blobs, err := d.disk.LoadAll()
	if err != nil {
		slog.Warn("load persisted catalogs failed", "error", err)

		return
	}

	channels := map[string]config.Channel{}
	for _, ch := range d.rt.Table().All() {
		channels[ch.ID] = ch
	}

	loaded := 0
	for _, blob := range blobs {
		ch, ok := channels[blob.ChannelID]
		if !ok {
			continue
		}

		infos := make([]service.ModelInfo, 0, len(blob.Models))
		for _, raw := range blob.Models {
			var info service.ModelInfo
			if err := json.Unmarshal(raw, &info); err != nil {
				continue
			}
			infos = append(infos, info)
		}

		if len(infos) == 0 {
			continue
		}

		d.apply(ch, blob.CacheKey, infos, false)
		loaded++
	}

	if loaded > 0 {
		d.rebuildIndex()
		slog.Info("warmed model catalogs from disk", "catalogs", loaded)
	}
}

func (d *Discoverer) rebuildIndex() {
	channelTags := map[string][]string{}
	for _, ch := range d.rt.Table().All() {
		channelTags[ch.ID] = ch.Tags
	}

	d.rt.Index().Rebuild(d.rt.Catalog().Refs(), channelTags)
}

// detectTier applies the user-tier heuristics: a SiliconFlow-style "Pro/"
// model family implies pro; otherwise the catalog size ladder decides.
func detectTier(infos []service.ModelInfo) string {
	for _, info := range infos {
		if strings.HasPrefix(info.ID, "Pro/") {
			return "pro"
		}
	}

	return service.TierByModelCount(len(infos))
}
