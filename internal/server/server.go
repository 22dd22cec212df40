package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/relai/internal/config"
	"github.com/rakunlabs/relai/internal/discovery"
	"github.com/rakunlabs/relai/internal/router"
)

// Server hosts the OpenAI-compatible gateway and the admin surface.
type Server struct {
	config  config.Server
	auth    config.Auth
	costCfg config.CostControl
	cache   config.Cache
	routing config.Routing

	server *ada.Server

	rt   *router.Router
	disc *discovery.Discoverer

	version string
}

func New(ctx context.Context, cfg *config.Config, rt *router.Router, disc *discovery.Discoverer, version string) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		config:  cfg.Server,
		auth:    cfg.Auth,
		costCfg: cfg.CostControl,
		cache:   cfg.Cache,
		routing: cfg.Routing,
		server:  mux,
		rt:      rt,
		disc:    disc,
		version: version,
	}

	// Periodic cache/blacklist sweep.
	go func() {
		interval := cfg.Cache.CleanupInterval()
		if interval <= 0 {
			interval = 2 * time.Minute
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rt.Sweep(now)
			}
		}
	}()

	// ////////////////////////////////////////////

	if cfg.Server.BasePath != "" {
		slog.Info("configuring server with base path", "base_path", cfg.Server.BasePath)
	}

	baseGroup := mux.Group(cfg.Server.BasePath)

	// Data plane: OpenAI, Anthropic and Gemini dialects over one router.
	baseGroup.POST("/v1/chat/completions", s.ChatCompletions)
	baseGroup.POST("/v1/messages", s.AnthropicMessages)
	baseGroup.POST("/v1beta/models/*", s.GeminiGenerate)
	baseGroup.GET("/v1/models", s.ListModels)

	baseGroup.GET("/health", s.Health)

	// Admin surface (separate token).
	adminGroup := baseGroup.Group("/admin")
	adminGroup.Use(s.adminAuthMiddleware())
	adminGroup.GET("/routing/strategy", s.GetStrategy)
	adminGroup.POST("/routing/strategy", s.SetStrategy)
	adminGroup.GET("/stats", s.AdminStats)
	adminGroup.GET("/cache/stats", s.CacheStats)
	adminGroup.GET("/blacklist", s.BlacklistList)
	adminGroup.POST("/blacklist/clear/*", s.BlacklistClear)
	adminGroup.GET("/channels", s.AdminChannels)
	adminGroup.GET("/costs", s.AdminCosts)
	adminGroup.POST("/discovery/refresh", s.DiscoveryRefresh)

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	httpResponseJSON(w, map[string]any{
		"status":    "healthy",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, http.StatusOK)
}

// ─── Authentication ───

// authenticate checks the data-plane token. The Anthropic dialect also
// accepts x-api-key and the Gemini dialect x-goog-api-key.
func (s *Server) authenticate(r *http.Request) bool {
	if !s.auth.Enabled || s.auth.APIToken == "" {
		return true
	}

	if bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "); bearer == s.auth.APIToken {
		return true
	}

	if r.Header.Get("x-api-key") == s.auth.APIToken {
		return true
	}

	return r.Header.Get("x-goog-api-key") == s.auth.APIToken
}

// adminAuthMiddleware protects the /admin endpoints. Without an enabled
// admin token every admin request is rejected.
func (s *Server) adminAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.auth.Admin.Enabled || s.auth.Admin.Token == "" {
				httpError(w, "admin endpoints disabled", "authentication_error", "admin_disabled", http.StatusForbidden)

				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				httpError(w, "unauthorized", "authentication_error", "missing_token", http.StatusUnauthorized)

				return
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth || token != s.auth.Admin.Token {
				httpError(w, "unauthorized", "authentication_error", "invalid_token", http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
