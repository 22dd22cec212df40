package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Providers is a map of named provider configurations. Each provider
	// names an adapter kind ("openai", "anthropic", "gemini", or "local"),
	// a base URL, and optional default headers.
	//
	// Example YAML:
	//
	//   providers:
	//     openrouter:
	//       adapter: openai
	//       base_url: "https://openrouter.ai/api/v1"
	//     anthropic:
	//       adapter: anthropic
	//       base_url: "https://api.anthropic.com"
	//     gemini:
	//       adapter: gemini
	//       base_url: "https://generativelanguage.googleapis.com"
	//     ollama:
	//       adapter: local
	//       base_url: "http://localhost:11434/v1"
	Providers map[string]Provider `cfg:"providers"`

	// Channels is the routable pool: each entry binds a provider to a
	// credential and optionally to a single model.
	Channels []Channel `cfg:"channels"`

	Auth        Auth        `cfg:"auth"`
	Routing     Routing     `cfg:"routing"`
	Cache       Cache       `cfg:"cache"`
	CostControl CostControl `cfg:"cost_control"`
	Discovery   Discovery   `cfg:"discovery"`
	Store       Store       `cfg:"store"`

	Server    Server      `cfg:"server"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"7601"`
	Host string `cfg:"host"`
}

// Auth configures bearer-token authentication.
type Auth struct {
	// Enabled turns on token checking for the data endpoints. When false,
	// data endpoints are open.
	Enabled bool `cfg:"enabled"`

	// APIToken is the bearer token clients send on data endpoints.
	APIToken string `cfg:"api_token" log:"-"`

	Admin AdminAuth `cfg:"admin"`
}

// AdminAuth protects the /admin endpoints with a separate token. When not
// enabled, admin endpoints are rejected outright.
type AdminAuth struct {
	Enabled bool   `cfg:"enabled"`
	Token   string `cfg:"token" log:"-"`
}

// Provider is a static description of an upstream API family.
type Provider struct {
	// Adapter is the dialect: "openai", "anthropic", "gemini", or "local".
	Adapter string `cfg:"adapter" json:"adapter"`

	// BaseURL is the upstream base URL, without the per-dialect path.
	BaseURL string `cfg:"base_url" json:"base_url"`

	// DefaultHeaders are sent with every request to this provider
	// (e.g. anthropic-version).
	DefaultHeaders map[string]string `cfg:"default_headers" json:"default_headers"`

	// Proxy is an optional HTTP/HTTPS/SOCKS5 proxy URL.
	Proxy string `cfg:"proxy" json:"proxy"`

	// InsecureSkipVerify disables TLS certificate verification for
	// self-signed internal endpoints.
	InsecureSkipVerify bool `cfg:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// Channel is one concrete upstream endpoint: {provider, credential, model}.
type Channel struct {
	ID   string `cfg:"id" json:"id"`
	Name string `cfg:"name" json:"name"`

	// Provider references a key of Config.Providers.
	Provider string `cfg:"provider" json:"provider"`

	// APIKey is the credential. Values may be encrypted with the "enc:"
	// prefix; they are decrypted at load time (RELAI_ENCRYPTION_KEY).
	APIKey string `cfg:"api_key" json:"api_key" log:"-"`

	// APIKeys optionally carries additional credentials for the same
	// endpoint; discovery polls each key separately so per-key model lists
	// and pricing never mix.
	APIKeys []string `cfg:"api_keys" json:"api_keys" log:"-"`

	// Model binds the channel to a single physical model. "*" (or empty)
	// means discover-all.
	Model string `cfg:"model" json:"model"`

	// Tags attach routing attributes to the channel (e.g. "free", "local").
	Tags []string `cfg:"tags" json:"tags"`

	// Priority breaks score ties; higher wins.
	Priority int `cfg:"priority" json:"priority"`

	// DailyRequestLimit caps requests per UTC day. 0 = unlimited.
	DailyRequestLimit int `cfg:"daily_request_limit" json:"daily_request_limit"`

	// Timeout is the per-attempt upstream timeout (e.g. "60s").
	Timeout string `cfg:"timeout" json:"timeout"`

	// RetryBudget is accepted but not read by the failover executor; the
	// attempt bound is always routing.max_retry_attempts.
	RetryBudget int `cfg:"retry_budget" json:"retry_budget"`

	// CostPer1KInput / CostPer1KOutput override discovered or static
	// pricing, in the channel's quote currency per 1K tokens.
	CostPer1KInput  *float64 `cfg:"cost_per_1k_input" json:"cost_per_1k_input"`
	CostPer1KOutput *float64 `cfg:"cost_per_1k_output" json:"cost_per_1k_output"`

	// CurrencyExchange scales quoted prices into USD at estimation time.
	CurrencyExchange *CurrencyExchange `cfg:"currency_exchange" json:"currency_exchange"`

	Enabled bool `cfg:"enabled" default:"true" json:"enabled"`
}

// Keys returns all credentials of the channel, primary first.
func (c Channel) Keys() []string {
	keys := make([]string, 0, 1+len(c.APIKeys))
	if c.APIKey != "" {
		keys = append(keys, c.APIKey)
	}

	for _, k := range c.APIKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}

	if len(keys) == 0 {
		// Local channels run without credentials; discovery still needs one
		// cache-key slot.
		keys = append(keys, "")
	}

	return keys
}

// HasTag reports whether the channel carries the given tag (case-folded).
func (c Channel) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}

	return false
}

// AttemptTimeout returns the per-attempt timeout, or def when unset.
func (c Channel) AttemptTimeout(def time.Duration) time.Duration {
	return parseDuration(c.Timeout, def)
}

// CurrencyExchange describes how a channel's quote currency maps to USD.
// rate units of From buy one unit of To; e.g. from=USD, to=CNY, rate=0.7
// means 0.7 USD buys the quoted CNY amount's worth.
type CurrencyExchange struct {
	From        string  `cfg:"from" json:"from"`
	To          string  `cfg:"to" json:"to"`
	Rate        float64 `cfg:"rate" json:"rate"`
	Description string  `cfg:"description" json:"description"`
}

type Routing struct {
	// DefaultStrategy is one of "cost_first", "free_first", "local_first",
	// "balanced", "speed_optimized", "quality_optimized".
	DefaultStrategy string `cfg:"default_strategy" default:"balanced"`

	MaxRetryAttempts    int    `cfg:"max_retry_attempts" default:"3"`
	ErrorCooldownPeriod string `cfg:"error_cooldown_period" default:"30s"`
	EnableFallback      bool   `cfg:"enable_fallback" default:"true"`

	// RequestTimeout bounds one non-streaming request across all attempts.
	// Streaming requests are not bounded by it; each of their attempts is
	// bounded only by the per-attempt timeout.
	RequestTimeout string `cfg:"request_timeout" default:"300s"`

	// AttemptTimeout bounds a single upstream attempt.
	AttemptTimeout string `cfg:"attempt_timeout" default:"60s"`

	ModelFilters ModelFilters `cfg:"model_filters"`
}

func (r Routing) Cooldown() time.Duration       { return parseDuration(r.ErrorCooldownPeriod, 30*time.Second) }
func (r Routing) RequestDeadline() time.Duration { return parseDuration(r.RequestTimeout, 300*time.Second) }
func (r Routing) AttemptDeadline() time.Duration { return parseDuration(r.AttemptTimeout, 60*time.Second) }

type ModelFilters struct {
	MinContextLength       int  `cfg:"min_context_length" default:"2048"`
	MinParameterCount      int  `cfg:"min_parameter_count"`
	ExcludeEmbeddingModels bool `cfg:"exclude_embedding_models" default:"true"`
}

type Cache struct {
	DefaultTTLSeconds      int `cfg:"default_ttl_seconds" default:"60"`
	MaxCacheEntries        int `cfg:"max_cache_entries" default:"1000"`
	CleanupIntervalSeconds int `cfg:"cleanup_interval_seconds" default:"120"`
}

func (c Cache) TTL() time.Duration             { return time.Duration(c.DefaultTTLSeconds) * time.Second }
func (c Cache) CleanupInterval() time.Duration { return time.Duration(c.CleanupIntervalSeconds) * time.Second }

type CostControl struct {
	// GlobalDailyBudget caps the session's USD spend per UTC day. 0 = off.
	GlobalDailyBudget float64 `cfg:"global_daily_budget"`

	// AlertThreshold logs a warning when spend crosses this fraction of the
	// budget (0..1).
	AlertThreshold float64 `cfg:"alert_threshold" default:"0.8"`

	AutoDisableOnBudgetExceeded bool `cfg:"auto_disable_on_budget_exceeded"`

	// ImageTokens is the flat token count charged per image part.
	ImageTokens int `cfg:"image_tokens" default:"250"`
}

type Discovery struct {
	Enabled        bool   `cfg:"enabled" default:"true"`
	Interval       string `cfg:"interval" default:"6h"`
	Concurrency    int    `cfg:"concurrency" default:"8"`
	RequestTimeout string `cfg:"request_timeout" default:"30s"`
	ChannelTimeout string `cfg:"channel_timeout" default:"2m"`
}

func (d Discovery) IntervalDuration() time.Duration   { return parseDuration(d.Interval, 6*time.Hour) }
func (d Discovery) RequestDeadline() time.Duration    { return parseDuration(d.RequestTimeout, 30*time.Second) }
func (d Discovery) ChannelDeadline() time.Duration    { return parseDuration(d.ChannelTimeout, 2*time.Minute) }

// Store configures the on-disk model/pricing cache directory.
type Store struct {
	Path string `cfg:"path" default:"./cache"`
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}

	d, err := str2duration.ParseDuration(s)
	if err != nil {
		slog.Warn("invalid duration, using default", "value", s, "default", def.String())

		return def
	}

	return d
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("RELAI_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}

// Validate checks cross-references between channels and providers.
func (c *Config) Validate() error {
	seen := map[string]struct{}{}
	for i, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d]: id is required", i)
		}
		if _, dup := seen[ch.ID]; dup {
			return fmt.Errorf("channels[%d]: duplicate id %q", i, ch.ID)
		}
		seen[ch.ID] = struct{}{}

		if _, ok := c.Providers[ch.Provider]; !ok {
			return fmt.Errorf("channel %q references unknown provider %q", ch.ID, ch.Provider)
		}
	}

	for key, p := range c.Providers {
		switch p.Adapter {
		case "openai", "anthropic", "gemini", "local":
		default:
			return fmt.Errorf("provider %q has unknown adapter %q", key, p.Adapter)
		}
	}

	return nil
}
