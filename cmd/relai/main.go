package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/relai/internal/config"
	"github.com/rakunlabs/relai/internal/crypto"
	"github.com/rakunlabs/relai/internal/discovery"
	"github.com/rakunlabs/relai/internal/pricing"
	"github.com/rakunlabs/relai/internal/router"
	"github.com/rakunlabs/relai/internal/server"
	"github.com/rakunlabs/relai/internal/service/llm"
	"github.com/rakunlabs/relai/internal/store"
)

var (
	name    = "relai"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Channel credentials may be stored encrypted ("enc:" prefix).
	if passphrase := os.Getenv("RELAI_ENCRYPTION_KEY"); passphrase != "" {
		key, err := crypto.DeriveKey(passphrase)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}

		cfg.Channels, err = crypto.DecryptChannels(cfg.Channels, key)
		if err != nil {
			return fmt.Errorf("decrypt channel credentials: %w", err)
		}
	}

	prices, err := pricing.NewStore()
	if err != nil {
		return fmt.Errorf("load pricing tables: %w", err)
	}

	table := router.NewChannelTable(cfg.Providers, cfg.Channels)

	rt := router.New(cfg.Routing, cfg.CostControl, table, prices)
	rt.SetCache(router.NewCache(cfg.Cache))

	// Bind one adapter per channel, on the channel's primary key.
	for _, ch := range cfg.Channels {
		provider, ok := cfg.Providers[ch.Provider]
		if !ok {
			return fmt.Errorf("channel %q references unknown provider %q", ch.ID, ch.Provider)
		}

		adapter, err := llm.New(provider, ch.Keys()[0])
		if err != nil {
			return fmt.Errorf("create adapter for channel %q: %w", ch.ID, err)
		}

		rt.SetAdapter(ch.ID, adapter)
	}

	disk, err := store.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open catalog store: %w", err)
	}

	disc := discovery.New(cfg.Discovery, rt, disk, prices)

	go func() {
		if err := disc.Start(ctx); err != nil {
			slog.Error("discovery loop stopped", "error", err)
		}
	}()

	srv, err := server.New(ctx, cfg, rt, disc, version)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	slog.Info("starting gateway",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"channels", len(cfg.Channels),
		"strategy", rt.Strategy(),
	)

	return srv.Start(ctx)
}
