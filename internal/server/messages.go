package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rakunlabs/relai/internal/router"
	"github.com/rakunlabs/relai/internal/service"
)

// anthropicRequest is the inbound Anthropic Messages body.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      json.RawMessage    `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stop        []string           `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or blocks
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Source    *anthropicMedia `json:"source,omitempty"`
}

type anthropicMedia struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// AnthropicMessages handles POST /v1/messages: the Anthropic dialect over
// the same router core. The request translates into the canonical OpenAI
// shape on the way in and the response back out.
func (s *Server) AnthropicMessages(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		httpError(w, "invalid or missing API token", "authentication_error", "invalid_api_key", http.StatusUnauthorized)

		return
	}

	var areq anthropicRequest
	if err := json.NewDecoder(r.Body).Decode(&areq); err != nil {
		httpError(w, fmt.Sprintf("invalid request body: %v", err), "invalid_request", "bad_json", http.StatusBadRequest)

		return
	}

	payload, err := translateAnthropicIn(&areq)
	if err != nil {
		httpError(w, err.Error(), "invalid_request", "invalid_request", http.StatusBadRequest)

		return
	}

	if err := payload.validate(); err != nil {
		httpError(w, err.Error(), "invalid_request", "invalid_request", http.StatusBadRequest)

		return
	}

	outcome, ok := s.route(w, r, payload)
	if !ok {
		return
	}

	if areq.Stream {
		s.streamAnthropic(w, areq.Model, outcome)

		return
	}

	s.finishHeaders(w, outcome.Report)
	httpResponseJSON(w, buildAnthropicResponse(areq.Model, outcome), http.StatusOK)
}

// translateAnthropicIn maps the Messages dialect onto the canonical shape.
func translateAnthropicIn(areq *anthropicRequest) (*chatCompletionPayload, error) {
	payload := &chatCompletionPayload{}
	payload.Model = areq.Model
	payload.Stream = areq.Stream
	payload.Temperature = areq.Temperature
	payload.TopP = areq.TopP
	payload.Stop = areq.Stop

	if areq.MaxTokens > 0 {
		mt := areq.MaxTokens
		payload.MaxTokens = &mt
	}

	if len(areq.System) > 0 {
		var sys string
		if err := json.Unmarshal(areq.System, &sys); err != nil {
			// Block-form system prompt: concatenate the text blocks.
			var blocks []anthropicBlock
			if err := json.Unmarshal(areq.System, &blocks); err != nil {
				return nil, fmt.Errorf("invalid system field")
			}
			for _, b := range blocks {
				if b.Type == "text" {
					sys += b.Text
				}
			}
		}
		if sys != "" {
			payload.Messages = append(payload.Messages, service.Message{
				Role:    "system",
				Content: service.TextContent(sys),
			})
		}
	}

	for _, msg := range areq.Messages {
		converted, err := translateAnthropicMessage(msg)
		if err != nil {
			return nil, err
		}
		payload.Messages = append(payload.Messages, converted...)
	}

	for _, t := range areq.Tools {
		payload.Tools = append(payload.Tools, service.Tool{
			Type: "function",
			Function: service.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	return payload, nil
}

func translateAnthropicMessage(msg anthropicMessage) ([]service.Message, error) {
	// String content: pass through.
	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return []service.Message{{Role: msg.Role, Content: service.TextContent(text)}}, nil
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil, fmt.Errorf("invalid message content for role %q", msg.Role)
	}

	var out []service.Message
	var parts []service.ContentPart
	var toolCalls []service.ToolCall

	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, service.ContentPart{Type: "text", Text: b.Text})

		case "image":
			if b.Source == nil {
				continue
			}
			url := b.Source.URL
			if b.Source.Type == "base64" {
				url = "data:" + b.Source.MediaType + ";base64," + b.Source.Data
			}
			parts = append(parts, service.ContentPart{Type: "image_url", ImageURL: &service.ImageURL{URL: url}})

		case "tool_use":
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, service.ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: service.FunctionCall{Name: b.Name, Arguments: args},
			})

		case "tool_result":
			var resultText string
			if err := json.Unmarshal(b.Content, &resultText); err != nil {
				resultText = string(b.Content)
			}
			out = append(out, service.Message{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    service.TextContent(resultText),
			})
		}
	}

	if len(parts) > 0 || len(toolCalls) > 0 {
		m := service.Message{Role: msg.Role, ToolCalls: toolCalls}
		if len(parts) == 1 && parts[0].Type == "text" {
			m.Content = service.TextContent(parts[0].Text)
		} else if len(parts) > 0 {
			data, _ := json.Marshal(parts)
			m.Content = data
		}
		out = append(out, m)
	}

	return out, nil
}

// buildAnthropicResponse renders the canonical response in Messages shape.
func buildAnthropicResponse(model string, outcome *router.Outcome) map[string]any {
	resp := outcome.Response

	var content []map[string]any
	if resp.Content != "" {
		content = append(content, map[string]any{"type": "text", "text": resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Function.Name,
			"input": input,
		})
	}

	stopReason := "end_turn"
	switch resp.FinishReason {
	case "tool_calls":
		stopReason = "tool_use"
	case "length":
		stopReason = "max_tokens"
	}

	return map[string]any{
		"id":          "msg_" + router.NewRequestID(),
		"type":        "message",
		"role":        "assistant",
		"model":       model,
		"content":     content,
		"stop_reason": stopReason,
		"usage": map[string]any{
			"input_tokens":  resp.Usage.PromptTokens,
			"output_tokens": resp.Usage.CompletionTokens,
		},
		"smart_ai_router": outcome.Report.Payload(),
	}
}

// streamAnthropic renders the chunk stream as Anthropic-typed SSE events.
// The aggregator payload rides on the message_delta event, before the
// message_stop sentinel.
func (s *Server) streamAnthropic(w http.ResponseWriter, model string, outcome *router.Outcome) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, "streaming not supported by this server", "internal_error", "no_flusher", http.StatusInternalServerError)

		return
	}

	s.finishHeaders(w, outcome.Report)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	msgID := "msg_" + router.NewRequestID()

	writeAnthropicEvent(w, flusher, "message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":    msgID,
			"type":  "message",
			"role":  "assistant",
			"model": model,
			"usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	})
	writeAnthropicEvent(w, flusher, "content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})

	stopReason := "end_turn"
	var usage service.Usage

	for chunk := range outcome.Stream {
		if chunk.Error != nil {
			writeAnthropicEvent(w, flusher, "error", map[string]any{
				"type":  "error",
				"error": map[string]any{"type": "api_error", "message": chunk.Error.Error()},
			})

			return
		}

		if chunk.Usage != nil {
			usage = *chunk.Usage
		}

		if chunk.Content != "" {
			writeAnthropicEvent(w, flusher, "content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]any{"type": "text_delta", "text": chunk.Content},
			})
		}

		if chunk.FinishReason == "tool_calls" {
			stopReason = "tool_use"
		} else if chunk.FinishReason == "length" {
			stopReason = "max_tokens"
		}
	}

	writeAnthropicEvent(w, flusher, "content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": 0,
	})

	writeAnthropicEvent(w, flusher, "message_delta", map[string]any{
		"type":            "message_delta",
		"delta":           map[string]any{"stop_reason": stopReason},
		"usage":           map[string]any{"input_tokens": usage.PromptTokens, "output_tokens": usage.CompletionTokens},
		"smart_ai_router": outcome.Report.Payload(),
	})

	writeAnthropicEvent(w, flusher, "message_stop", map[string]any{"type": "message_stop"})
}

func writeAnthropicEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
