package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/relai/internal/service"
)

// Outcome is the result of a successful failover execution. Exactly one of
// Response (non-streaming) or Stream (streaming) is set. For streams the
// Report is completed by the forwarding goroutine and must only be read
// after the stream channel closes.
type Outcome struct {
	Response  *service.LLMResponse
	Stream    <-chan service.StreamChunk
	Candidate Candidate
	Report    *Report
}

// Execute walks the candidate list in order, attempting each one until a
// response is obtained or the attempt budget is exhausted. Pre-flight
// blacklist skips do not consume attempts; client cancellation stops the
// loop without failing over.
func (r *Router) Execute(ctx context.Context, creq *service.ChatRequest, cands []Candidate, rep *Report) (*Outcome, error) {
	maxAttempts := r.routing.MaxRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var (
		attempts int
		worst    ErrorKind
		lastErr  error
	)

	now := time.Now()

	for _, cand := range cands {
		if attempts >= maxAttempts {
			break
		}

		ch := cand.Channel

		// Pre-flight: the blacklist may have changed since selection.
		if r.blacklist.IsBlocked(ch.ID, cand.Model.ModelID, time.Now()) {
			continue
		}

		if ch.DailyRequestLimit > 0 {
			count := r.stats.IncrDaily(ch.ID, time.Now())
			if count > ch.DailyRequestLimit {
				r.blacklist.BlockChannelUntil(ch.ID, nextUTCMidnight(time.Now()), KindRateLimit, time.Now())
				r.cache.InvalidateChannel(ch.ID)
				slog.Warn("daily request cap reached", "channel", ch.ID, "limit", ch.DailyRequestLimit)

				continue
			}
		}

		adapter, ok := r.adapter(ch.ID)
		if !ok {
			slog.Error("no adapter bound for channel", "channel", ch.ID)

			continue
		}

		attempts++
		rep.AttemptCount = attempts

		attemptCtx, cancel := context.WithTimeout(ctx, ch.AttemptTimeout(r.routing.AttemptDeadline()))

		if creq.Stream {
			out, err := r.attemptStream(attemptCtx, cancel, adapter, cand, creq, rep, now)
			if err == nil {
				return out, nil
			}

			if ctx.Err() != nil {
				// Client went away: cancel, do not fail over.
				return nil, ctx.Err()
			}

			worst, lastErr = r.noteFailure(cand, err, worst)

			continue
		}

		start := time.Now()
		resp, err := adapter.Chat(attemptCtx, cand.Model.ModelID, creq)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			worst, lastErr = r.noteFailure(cand, err, worst)

			continue
		}

		latency := time.Since(start)
		r.blacklist.RecordSuccess(ch.ID, cand.Model.ModelID)
		r.stats.RecordResult(ch.ID, latency, true)

		rep.TTFBMs = latency.Milliseconds()
		rep.LatencyMs = time.Since(now).Milliseconds()
		r.finishReport(rep, cand, creq, resp.Usage)

		return &Outcome{Response: resp, Candidate: cand, Report: rep}, nil
	}

	if lastErr == nil {
		return nil, &NoChannelsError{ModelExpr: creq.Model}
	}

	return nil, &AllChannelsFailedError{Kind: worst, Attempts: attempts, LastErr: lastErr}
}

// attemptStream opens the upstream stream and waits for its first chunk
// before committing to the candidate. A failure before the first chunk is
// an ordinary attempt failure and the caller may fail over; after the
// first chunk has been forwarded the client owns a partial response, so a
// later error terminates the stream with an abort chunk instead.
func (r *Router) attemptStream(ctx context.Context, cancel context.CancelFunc, adapter service.Adapter, cand Candidate, creq *service.ChatRequest, rep *Report, start time.Time) (*Outcome, error) {
	ch := cand.Channel

	chunks, _, err := adapter.ChatStream(ctx, cand.Model.ModelID, creq)
	if err != nil {
		cancel()

		return nil, err
	}

	var first service.StreamChunk
	select {
	case <-ctx.Done():
		cancel()

		return nil, ctx.Err()
	case c, ok := <-chunks:
		if !ok {
			cancel()

			return nil, &service.UpstreamError{Body: "upstream closed stream before first chunk"}
		}
		if c.Error != nil {
			cancel()

			return nil, c.Error
		}
		first = c
	}

	ttfb := time.Since(start)
	rep.TTFBMs = ttfb.Milliseconds()

	out := make(chan service.StreamChunk, 64)

	go func() {
		defer cancel()
		defer close(out)

		var usage service.Usage
		aborted := false

		forward := func(c service.StreamChunk) bool {
			if c.Usage != nil {
				usage = *c.Usage
			}

			if c.Error != nil {
				// Bytes already reached the client; no failover possible.
				aborted = true
				kind := Classify(c.Error)
				r.blacklist.RecordFailure(ch.ID, cand.Model.ModelID, kind, time.Now())
				if kind == KindAuthFatal {
					r.cache.InvalidateChannel(ch.ID)
				}
				rep.Error = (&StreamAbortedError{ChannelID: ch.ID, Err: c.Error}).Error()

				slog.Warn("stream aborted mid-response",
					"channel", ch.ID,
					"model", cand.Model.ModelID,
					"kind", string(kind),
					"error", c.Error,
				)
			}

			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		delivered := forward(first)

		for delivered && !aborted {
			c, ok := <-chunks
			if !ok {
				break
			}

			if !forward(c) {
				break
			}
		}

		latency := time.Since(start)
		rep.LatencyMs = latency.Milliseconds()

		if aborted {
			r.stats.RecordResult(ch.ID, latency, false)

			return
		}

		r.blacklist.RecordSuccess(ch.ID, cand.Model.ModelID)
		r.stats.RecordResult(ch.ID, latency, true)
		r.finishReport(rep, cand, creq, usage)
	}()

	return &Outcome{Stream: out, Candidate: cand, Report: rep}, nil
}

// noteFailure classifies an attempt error, updates the blacklist and
// stats, and invalidates cached selections on auth failures.
func (r *Router) noteFailure(cand Candidate, err error, worst ErrorKind) (ErrorKind, error) {
	ch := cand.Channel
	kind := Classify(err)

	entry := r.blacklist.RecordFailure(ch.ID, cand.Model.ModelID, kind, time.Now())
	r.stats.RecordResult(ch.ID, 0, false)

	if kind == KindAuthFatal {
		removed := r.cache.InvalidateChannel(ch.ID)
		slog.Warn("channel blacklisted for auth failure",
			"channel", ch.ID,
			"cache_entries_removed", removed,
		)
	}

	slog.Warn("attempt failed",
		"channel", ch.ID,
		"model", cand.Model.ModelID,
		"kind", string(kind),
		"failure_count", entry.FailureCount,
		"error", err,
	)

	return WorseKind(worst, kind), err
}

// finishReport fills the routing/cost sections once a winner is known.
func (r *Router) finishReport(rep *Report, cand Candidate, creq *service.ChatRequest, usage service.Usage) {
	ch := cand.Channel

	rep.ModelUsed = cand.Model.ModelID
	rep.ChannelID = ch.ID
	rep.ChannelName = ch.Name
	rep.Provider = ch.Provider
	rep.Score = cand.Score.String()
	rep.SelectionReason = cand.Reason
	rep.Tags = cand.Model.Tags
	rep.Usage = usage
	if rep.Usage.TotalTokens == 0 {
		rep.Usage.TotalTokens = rep.Usage.PromptTokens + rep.Usage.CompletionTokens
	}

	final := r.estimator.Finalize(creq, usage, ch, cand.Estimate.Price)
	rep.PromptCostUSD = final.PromptUSD
	rep.CompletionCostUSD = final.CompletionUSD
	rep.TotalCostUSD = final.TotalUSD
	rep.CostSource = fmt.Sprintf("%s/%s", cand.Estimate.Price.Source, final.Source)

	now := time.Now()
	r.session.Add(final.TotalUSD, now)
	totals := r.session.Totals(now)
	rep.SessionRequests = totals.TotalRequests
	rep.SessionCostUSD = totals.TotalCostUSD
}

// nextUTCMidnight returns the next process-local UTC midnight.
func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()

	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
