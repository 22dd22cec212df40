package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rakunlabs/relai/internal/router"
	"github.com/rakunlabs/relai/internal/service"
)

// ChatCompletions handles POST /v1/chat/completions. It accepts an
// OpenAI-compatible request whose model may be a concrete id or a tag
// expression ("tag:free,qwen3,!embedding"), routes it across the channel
// pool, and returns an OpenAI-compatible response augmented with the
// smart_ai_router metadata block.
func (s *Server) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		httpError(w, "invalid or missing API token", "authentication_error", "invalid_api_key", http.StatusUnauthorized)

		return
	}

	var payload chatCompletionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		httpError(w, fmt.Sprintf("invalid request body: %v", err), "invalid_request", "bad_json", http.StatusBadRequest)

		return
	}

	if err := payload.validate(); err != nil {
		httpError(w, err.Error(), "invalid_request", "invalid_request", http.StatusBadRequest)

		return
	}

	outcome, ok := s.route(w, r, &payload)
	if !ok {
		return
	}

	if payload.Stream {
		s.streamResponse(w, &payload, outcome)

		return
	}

	resp := buildOpenAIResponse(generateChatID(), payload.Model, outcome.Response)
	resp.SmartAIRouter = outcome.Report.Payload()

	s.finishHeaders(w, outcome.Report)
	httpResponseJSON(w, resp, http.StatusOK)
}

// route runs candidate discovery and the failover executor, writing the
// error response itself when routing fails. Routing headers are set before
// any body bytes so the streaming path can signal early.
func (s *Server) route(w http.ResponseWriter, r *http.Request, payload *chatCompletionPayload) (*router.Outcome, bool) {
	start := time.Now()

	rreq := payload.routingRequest()

	strategy := rreq.Strategy
	if strategy == "" {
		strategy = s.rt.Strategy()
	}

	rep := &router.Report{
		RequestID:      router.NewRequestID(),
		ModelRequested: payload.Model,
		Strategy:       strategy,
	}

	w.Header().Set("X-Router-Request-ID", rep.RequestID)
	w.Header().Set("X-Router-Strategy", strategy)

	if !s.budgetAllows(w) {
		return nil, false
	}

	cands, cached, err := s.rt.FindCandidates(&payload.ChatRequest, rreq, time.Now())
	if err != nil {
		s.writeRoutingError(w, rep, err, start)

		return nil, false
	}

	if cached {
		slog.Debug("routing cache hit", "model", payload.Model, "primary", cands[0].Channel.ID)
	}

	w.Header().Set("X-Router-Channel", cands[0].Channel.ID)
	w.Header().Set("X-Router-Provider", cands[0].Channel.Provider)
	w.Header().Set("X-Router-Score", cands[0].Score.String())

	// Total deadline across all attempts. Streaming responses are bounded
	// per attempt instead, so a long stream is not cut off mid-flight.
	ctx := r.Context()
	if !payload.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.routing.RequestDeadline())
		defer cancel()
	}

	outcome, err := s.rt.Execute(ctx, &payload.ChatRequest, cands, rep)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Client is gone; there is nobody to answer.
			slog.Debug("client disconnected", "request_id", rep.RequestID)

			return nil, false
		}

		s.writeRoutingError(w, rep, err, start)

		return nil, false
	}

	return outcome, true
}

// budgetAllows enforces the global daily budget when configured.
func (s *Server) budgetAllows(w http.ResponseWriter) bool {
	budget := s.costCfg.GlobalDailyBudget
	if budget <= 0 {
		return true
	}

	spend := s.rt.Session().TodaySpendUSD(time.Now())

	if threshold := s.costCfg.AlertThreshold; threshold > 0 && spend >= budget*threshold {
		slog.Warn("daily budget alert threshold crossed", "spend_usd", spend, "budget_usd", budget)
	}

	if spend >= budget && s.costCfg.AutoDisableOnBudgetExceeded {
		httpError(w, "global daily budget exceeded", "rate_limit", "budget_exceeded", http.StatusTooManyRequests)

		return false
	}

	return true
}

func (s *Server) writeRoutingError(w http.ResponseWriter, rep *router.Report, err error, start time.Time) {
	w.Header().Set("X-Router-Attempts", strconv.Itoa(rep.AttemptCount))
	w.Header().Set("X-Router-Time", strconv.FormatInt(time.Since(start).Milliseconds(), 10))

	var (
		invalidErr *router.InvalidRequestError
		noChans    *router.NoChannelsError
		allFailed  *router.AllChannelsFailedError
	)

	switch {
	case errors.As(err, &invalidErr):
		httpError(w, invalidErr.Error(), "invalid_request", "invalid_request", http.StatusBadRequest)
	case errors.As(err, &noChans):
		httpError(w, noChans.Error(), "no_channels", "no_channels", http.StatusServiceUnavailable)
	case errors.As(err, &allFailed):
		p := router.PolicyFor(allFailed.Kind)
		httpError(w, allFailed.Error(), "all_channels_failed", string(allFailed.Kind), p.ClientStatus)
	default:
		httpError(w, err.Error(), "internal_error", "internal", http.StatusInternalServerError)
	}
}

func (s *Server) finishHeaders(w http.ResponseWriter, rep *router.Report) {
	w.Header().Set("X-Router-Attempts", strconv.Itoa(rep.AttemptCount))
	w.Header().Set("X-Router-Time", strconv.FormatInt(rep.LatencyMs, 10))
}

// ─── Streaming ───

// streamResponse renders the outcome's chunk stream as OpenAI SSE. The
// aggregator event is emitted exactly once, immediately before the
// "data: [DONE]" sentinel; a mid-stream failure becomes an SSE error event
// and the stream closes without the sentinel.
func (s *Server) streamResponse(w http.ResponseWriter, payload *chatCompletionPayload, outcome *router.Outcome) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, "streaming not supported by this server", "internal_error", "no_flusher", http.StatusInternalServerError)

		return
	}

	s.finishHeaders(w, outcome.Report)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	chatID := generateChatID()
	model := payload.Model
	includeUsage := payload.StreamOptions != nil && payload.StreamOptions.IncludeUsage

	// First chunk: role.
	writeSSEChunk(w, flusher, ChatCompletionChunk{
		ID:      chatID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{
			Index: 0,
			Delta: ChunkDelta{Role: "assistant"},
		}},
	})

	var streamUsage *service.Usage

	for chunk := range outcome.Stream {
		if chunk.Error != nil {
			writeSSEError(w, flusher, chunk.Error)

			return
		}

		if chunk.Usage != nil {
			u := *chunk.Usage
			streamUsage = &u
		}

		if chunk.Content == "" && len(chunk.ToolCalls) == 0 && chunk.FinishReason == "" {
			continue
		}

		cc := ChatCompletionChunk{
			ID:      chatID,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []ChunkChoice{{
				Index: 0,
				Delta: ChunkDelta{},
			}},
		}

		if chunk.Content != "" {
			cc.Choices[0].Delta.Content = chunk.Content
		}
		if len(chunk.ToolCalls) > 0 {
			cc.Choices[0].Delta.ToolCalls = chunk.ToolCalls
		}

		// Match OpenAI's wire format: data and finish_reason travel in
		// separate chunks; clients accumulate deltas and finalize on the
		// finish_reason chunk.
		hasData := chunk.Content != "" || len(chunk.ToolCalls) > 0
		if chunk.FinishReason != "" && hasData {
			writeSSEChunk(w, flusher, cc)

			fr := chunk.FinishReason
			writeSSEChunk(w, flusher, ChatCompletionChunk{
				ID:      chatID,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   model,
				Choices: []ChunkChoice{{
					Index:        0,
					Delta:        ChunkDelta{},
					FinishReason: &fr,
				}},
			})
		} else {
			if chunk.FinishReason != "" {
				fr := chunk.FinishReason
				cc.Choices[0].FinishReason = &fr
			}
			writeSSEChunk(w, flusher, cc)
		}
	}

	if includeUsage && streamUsage != nil {
		writeSSEChunk(w, flusher, ChatCompletionChunk{
			ID:      chatID,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   model,
			Choices: []ChunkChoice{},
			Usage:   streamUsage,
		})
	}

	// The aggregator event: one empty-delta chunk carrying the router
	// metadata. The stream channel is closed at this point, so the report
	// is complete.
	fr := (*string)(nil)
	writeSSEChunk(w, flusher, ChatCompletionChunk{
		ID:      chatID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{
			Index:        0,
			Delta:        ChunkDelta{},
			FinishReason: fr,
		}},
		SmartAIRouter: outcome.Report.Payload(),
	})

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeSSEChunk writes a single SSE data line with the JSON-encoded chunk.
func writeSSEChunk(w http.ResponseWriter, flusher http.Flusher, chunk ChatCompletionChunk) {
	data, _ := json.Marshal(chunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// writeSSEError terminates a stream that already carried bytes: an error
// event, then close, no [DONE] sentinel. The client must retry.
func writeSSEError(w http.ResponseWriter, flusher http.Flusher, err error) {
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    "upstream_error",
			"code":    "stream_aborted",
		},
	})
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
