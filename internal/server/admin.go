package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// GetStrategy handles GET /admin/routing/strategy.
func (s *Server) GetStrategy(w http.ResponseWriter, _ *http.Request) {
	httpResponseJSON(w, map[string]any{"strategy": s.rt.Strategy()}, http.StatusOK)
}

// SetStrategy handles POST /admin/routing/strategy.
func (s *Server) SetStrategy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpError(w, fmt.Sprintf("invalid request body: %v", err), "invalid_request", "bad_json", http.StatusBadRequest)

		return
	}

	if !s.rt.SetStrategy(body.Strategy) {
		httpError(w, fmt.Sprintf("unknown strategy %q", body.Strategy), "invalid_request", "unknown_strategy", http.StatusBadRequest)

		return
	}

	httpResponseJSON(w, map[string]any{"strategy": body.Strategy}, http.StatusOK)
}

// AdminStats handles GET /admin/stats: session totals, index stats, and
// per-channel rolling numbers.
func (s *Server) AdminStats(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()

	httpResponseJSON(w, map[string]any{
		"session":  s.rt.Session().Totals(now),
		"index":    s.rt.Index().Stats(),
		"channels": s.rt.Stats().Snapshot(),
		"strategy": s.rt.Strategy(),
	}, http.StatusOK)
}

// CacheStats handles GET /admin/cache/stats.
func (s *Server) CacheStats(w http.ResponseWriter, _ *http.Request) {
	httpResponseJSON(w, s.rt.Cache().Stats(), http.StatusOK)
}

// BlacklistList handles GET /admin/blacklist.
func (s *Server) BlacklistList(w http.ResponseWriter, _ *http.Request) {
	entries := s.rt.Blacklist().Entries(time.Now())

	httpResponseJSON(w, map[string]any{
		"entries": entries,
		"count":   len(entries),
	}, http.StatusOK)
}

// BlacklistClear handles POST /admin/blacklist/clear/{channel_id}: the
// operator reset for a channel's blacklist entries.
func (s *Server) BlacklistClear(w http.ResponseWriter, r *http.Request) {
	channelID := strings.TrimPrefix(r.URL.Path[strings.Index(r.URL.Path, "/blacklist/clear/"):], "/blacklist/clear/")
	if channelID == "" {
		httpError(w, "channel id is required", "invalid_request", "missing_channel", http.StatusBadRequest)

		return
	}

	removed := s.rt.Blacklist().Clear(channelID)

	httpResponseJSON(w, map[string]any{
		"channel_id": channelID,
		"removed":    removed,
	}, http.StatusOK)
}

// AdminChannels handles GET /admin/channels: the channel registry with
// health and usage numbers, credentials omitted.
func (s *Server) AdminChannels(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	stats := s.rt.Stats().Snapshot()

	type channelView struct {
		ID            string   `json:"id"`
		Name          string   `json:"name"`
		Provider      string   `json:"provider"`
		Model         string   `json:"model,omitempty"`
		Tags          []string `json:"tags,omitempty"`
		Priority      int      `json:"priority"`
		Enabled       bool     `json:"enabled"`
		Blocked       bool     `json:"blocked"`
		DailyLimit    int      `json:"daily_request_limit,omitempty"`
		RequestsToday int      `json:"requests_today"`
		LatencyEMAMs  float64  `json:"latency_ema_ms"`
		SuccessRate   float64  `json:"success_rate"`
	}

	var out []channelView
	for _, ch := range s.rt.Table().All() {
		cs := stats[ch.ID]
		out = append(out, channelView{
			ID:            ch.ID,
			Name:          ch.Name,
			Provider:      ch.Provider,
			Model:         ch.Model,
			Tags:          ch.Tags,
			Priority:      ch.Priority,
			Enabled:       ch.Enabled,
			Blocked:       s.rt.Blacklist().IsBlocked(ch.ID, "*", now),
			DailyLimit:    ch.DailyRequestLimit,
			RequestsToday: cs.RequestsToday,
			LatencyEMAMs:  cs.LatencyEMAMs,
			SuccessRate:   cs.SuccessRate,
		})
	}

	httpResponseJSON(w, map[string]any{"channels": out}, http.StatusOK)
}

// AdminCosts handles GET /admin/costs.
func (s *Server) AdminCosts(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()

	httpResponseJSON(w, map[string]any{
		"session":             s.rt.Session().Totals(now),
		"global_daily_budget": s.costCfg.GlobalDailyBudget,
	}, http.StatusOK)
}

// DiscoveryRefresh handles POST /admin/discovery/refresh: an immediate
// discovery round, detached from the cron schedule.
func (s *Server) DiscoveryRefresh(w http.ResponseWriter, r *http.Request) {
	if s.disc == nil {
		httpError(w, "discovery is not configured", "invalid_request", "discovery_disabled", http.StatusBadRequest)

		return
	}

	go s.disc.RunOnce(context.WithoutCancel(r.Context()))

	httpResponseJSON(w, map[string]any{"status": "refresh started"}, http.StatusAccepted)
}
