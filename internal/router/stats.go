package router

import (
	"sync"
	"time"
)

// successWindow is the number of recent attempts the reliability tier is
// computed over.
const successWindow = 50

// emaAlpha is the smoothing factor of the latency moving average.
const emaAlpha = 0.3

// ChannelStats is a snapshot of one channel's rolling health numbers.
type ChannelStats struct {
	LatencyEMAMs  float64 `json:"latency_ema_ms"`
	SuccessRate   float64 `json:"success_rate"`
	Attempts      int     `json:"attempts"`
	RequestsToday int     `json:"requests_today"`
}

type channelStats struct {
	latencyEMA float64
	hasLatency bool

	window [successWindow]bool
	next   int
	filled int

	day      string
	dayCount int
}

// Stats tracks per-channel rolling latency and success ratios used by the
// scorer, plus per-day request counters for daily caps.
type Stats struct {
	mu       sync.Mutex
	channels map[string]*channelStats
}

func NewStats() *Stats {
	return &Stats{channels: map[string]*channelStats{}}
}

func (s *Stats) get(channelID string) *channelStats {
	cs, ok := s.channels[channelID]
	if !ok {
		cs = &channelStats{}
		s.channels[channelID] = cs
	}

	return cs
}

// RecordResult folds one attempt outcome into the channel's rolling stats.
func (s *Stats) RecordResult(channelID string, latency time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.get(channelID)

	ms := float64(latency.Milliseconds())
	if !cs.hasLatency {
		cs.latencyEMA = ms
		cs.hasLatency = true
	} else {
		cs.latencyEMA = emaAlpha*ms + (1-emaAlpha)*cs.latencyEMA
	}

	cs.window[cs.next] = success
	cs.next = (cs.next + 1) % successWindow
	if cs.filled < successWindow {
		cs.filled++
	}
}

// LatencyEMA returns the latency moving average in milliseconds. ok is
// false when the channel has no observations yet.
func (s *Stats) LatencyEMA(channelID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.channels[channelID]
	if !ok || !cs.hasLatency {
		return 0, false
	}

	return cs.latencyEMA, true
}

// SuccessRate returns the rolling success ratio. ok is false for channels
// with no attempts yet.
func (s *Stats) SuccessRate(channelID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.channels[channelID]
	if !ok || cs.filled == 0 {
		return 0, false
	}

	good := 0
	for i := 0; i < cs.filled; i++ {
		if cs.window[i] {
			good++
		}
	}

	return float64(good) / float64(cs.filled), true
}

// IncrDaily bumps and returns the channel's request count for the given
// UTC day. Counters of older days reset on tick-over.
func (s *Stats) IncrDaily(channelID string, now time.Time) int {
	day := now.UTC().Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.get(channelID)
	if cs.day != day {
		cs.day = day
		cs.dayCount = 0
	}
	cs.dayCount++

	return cs.dayCount
}

// ResetDaily zeroes every channel's daily counter. Called by the midnight
// cron so counters do not linger when a channel is idle across tick-over.
func (s *Stats) ResetDaily(now time.Time) {
	day := now.UTC().Format("2006-01-02")

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cs := range s.channels {
		cs.day = day
		cs.dayCount = 0
	}
}

// Snapshot returns per-channel stats for the admin endpoint.
func (s *Stats) Snapshot() map[string]ChannelStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]ChannelStats, len(s.channels))
	for id, cs := range s.channels {
		good := 0
		for i := 0; i < cs.filled; i++ {
			if cs.window[i] {
				good++
			}
		}

		rate := 0.0
		if cs.filled > 0 {
			rate = float64(good) / float64(cs.filled)
		}

		out[id] = ChannelStats{
			LatencyEMAMs:  cs.latencyEMA,
			SuccessRate:   rate,
			Attempts:      cs.filled,
			RequestsToday: cs.dayCount,
		}
	}

	return out
}
