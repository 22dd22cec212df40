package cost

import (
	"sync"
	"sync/atomic"
	"time"
)

// Session keeps process-wide running spend totals. Lifecycle matches the
// process: counters reset on restart and are exposed through the admin
// endpoint only.
type Session struct {
	totalRequests atomic.Int64
	totalMicroUSD atomic.Int64 // micro-dollars so the hot path stays atomic

	mu       sync.Mutex
	day      string
	dayMicro int64
}

// Totals is the admin snapshot of session spend.
type Totals struct {
	TotalRequests int64   `json:"total_requests"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	TodayCostUSD  float64 `json:"today_cost_usd"`
}

func NewSession() *Session {
	return &Session{}
}

// Add records one completed request and its cost.
func (s *Session) Add(costUSD float64, now time.Time) {
	micro := int64(costUSD * 1e6)

	s.totalRequests.Add(1)
	s.totalMicroUSD.Add(micro)

	day := now.UTC().Format("2006-01-02")

	s.mu.Lock()
	if s.day != day {
		s.day = day
		s.dayMicro = 0
	}
	s.dayMicro += micro
	s.mu.Unlock()
}

// Totals returns the current counters.
func (s *Session) Totals(now time.Time) Totals {
	day := now.UTC().Format("2006-01-02")

	s.mu.Lock()
	dayMicro := s.dayMicro
	if s.day != day {
		dayMicro = 0
	}
	s.mu.Unlock()

	return Totals{
		TotalRequests: s.totalRequests.Load(),
		TotalCostUSD:  float64(s.totalMicroUSD.Load()) / 1e6,
		TodayCostUSD:  float64(dayMicro) / 1e6,
	}
}

// TodaySpendUSD returns today's spend for the daily-budget check.
func (s *Session) TodaySpendUSD(now time.Time) float64 {
	return s.Totals(now).TodayCostUSD
}
