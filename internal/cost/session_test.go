package cost

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession_Totals(t *testing.T) {
	s := NewSession()
	now := time.Now()

	s.Add(0.5, now)
	s.Add(0.25, now)

	totals := s.Totals(now)
	assert.Equal(t, int64(2), totals.TotalRequests)
	assert.InDelta(t, 0.75, totals.TotalCostUSD, 1e-6)
	assert.InDelta(t, 0.75, totals.TodayCostUSD, 1e-6)
}

func TestSession_DayRollover(t *testing.T) {
	s := NewSession()
	day1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	s.Add(1.0, day1)

	assert.InDelta(t, 1.0, s.TodaySpendUSD(day1), 1e-6)
	assert.InDelta(t, 0.0, s.TodaySpendUSD(day2), 1e-6)

	s.Add(0.5, day2)

	totals := s.Totals(day2)
	assert.InDelta(t, 1.5, totals.TotalCostUSD, 1e-6)
	assert.InDelta(t, 0.5, totals.TodayCostUSD, 1e-6)
}

func TestSession_Concurrent(t *testing.T) {
	s := NewSession()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(0.01, now)
		}()
	}
	wg.Wait()

	totals := s.Totals(now)
	assert.Equal(t, int64(100), totals.TotalRequests)
	assert.InDelta(t, 1.0, totals.TotalCostUSD, 1e-3)
}
