package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rakunlabs/relai/internal/router"
	"github.com/rakunlabs/relai/internal/service"
)

// geminiRequest is the inbound generateContent body.
type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTool    `json:"tools,omitempty"`
	GenerationConfig  *geminiGenCfg   `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data,omitempty"`
	FunctionCall *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string         `json:"name"`
		Response map[string]any `json:"response"`
	} `json:"functionResponse,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"functionDeclarations"`
}

type geminiGenCfg struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// GeminiGenerate handles POST /v1beta/models/{model}:generateContent and
// :streamGenerateContent, translating the Gemini dialect onto the router
// core.
func (s *Server) GeminiGenerate(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		httpError(w, "invalid or missing API token", "authentication_error", "invalid_api_key", http.StatusUnauthorized)

		return
	}

	// Path shape: /v1beta/models/{model}:{method}
	idx := strings.Index(r.URL.Path, "/v1beta/models/")
	if idx < 0 {
		httpError(w, "path must be /v1beta/models/{model}:generateContent", "invalid_request", "bad_path", http.StatusBadRequest)

		return
	}

	rest := r.URL.Path[idx+len("/v1beta/models/"):]
	model, method, ok := strings.Cut(rest, ":")
	if !ok || model == "" {
		httpError(w, "path must be /v1beta/models/{model}:generateContent", "invalid_request", "bad_path", http.StatusBadRequest)

		return
	}

	stream := false
	switch method {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		httpError(w, fmt.Sprintf("unknown method %q", method), "invalid_request", "bad_path", http.StatusNotFound)

		return
	}

	var greq geminiRequest
	if err := json.NewDecoder(r.Body).Decode(&greq); err != nil {
		httpError(w, fmt.Sprintf("invalid request body: %v", err), "invalid_request", "bad_json", http.StatusBadRequest)

		return
	}

	payload, err := translateGeminiIn(model, stream, &greq)
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

	if stream {
		s.streamGemini(w, outcome)

		return
	}

	s.finishHeaders(w, outcome.Report)
	httpResponseJSON(w, buildGeminiResponse(outcome.Response, outcome.Report.Payload()), http.StatusOK)
}

func translateGeminiIn(model string, stream bool, greq *geminiRequest) (*chatCompletionPayload, error) {
	payload := &chatCompletionPayload{}
	payload.Model = model
	payload.Stream = stream

	if greq.SystemInstruction != nil {
		var sys string
		for _, p := range greq.SystemInstruction.Parts {
			sys += p.Text
		}
		if sys != "" {
			payload.Messages = append(payload.Messages, service.Message{
				Role:    "system",
				Content: service.TextContent(sys),
			})
		}
	}

	for _, c := range greq.Contents {
		role := "user"
		if c.Role == "model" {
			role = "assistant"
		}

		var parts []service.ContentPart
		var toolCalls []service.ToolCall
		var toolResults []service.Message

		for i, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				args := string(p.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, service.ToolCall{
					ID:       fmt.Sprintf("call_%s_%d", p.FunctionCall.Name, i),
					Type:     "function",
					Function: service.FunctionCall{Name: p.FunctionCall.Name, Arguments: args},
				})

			case p.FunctionResponse != nil:
				data, _ := json.Marshal(p.FunctionResponse.Response)
				toolResults = append(toolResults, service.Message{
					Role:       "tool",
					Name:       p.FunctionResponse.Name,
					ToolCallID: fmt.Sprintf("call_%s_%d", p.FunctionResponse.Name, i),
					Content:    service.TextContent(string(data)),
				})

			case p.InlineData != nil:
				parts = append(parts, service.ContentPart{
					Type: "image_url",
					ImageURL: &service.ImageURL{
						URL: "data:" + p.InlineData.MimeType + ";base64," + p.InlineData.Data,
					},
				})

			default:
				parts = append(parts, service.ContentPart{Type: "text", Text: p.Text})
			}
		}

		if len(parts) > 0 || len(toolCalls) > 0 {
			m := service.Message{Role: role, ToolCalls: toolCalls}
			if len(parts) == 1 && parts[0].Type == "text" {
				m.Content = service.TextContent(parts[0].Text)
			} else if len(parts) > 0 {
				data, _ := json.Marshal(parts)
				m.Content = data
			}
			payload.Messages = append(payload.Messages, m)
		}

		payload.Messages = append(payload.Messages, toolResults...)
	}

	for _, t := range greq.Tools {
		for _, fd := range t.FunctionDeclarations {
			payload.Tools = append(payload.Tools, service.Tool{
				Type: "function",
				Function: service.ToolFunction{
					Name:        fd.Name,
					Description: fd.Description,
					Parameters:  fd.Parameters,
				},
			})
		}
	}

	if gc := greq.GenerationConfig; gc != nil {
		if gc.MaxOutputTokens > 0 {
			mt := gc.MaxOutputTokens
			payload.MaxTokens = &mt
		}
		payload.Temperature = gc.Temperature
		payload.TopP = gc.TopP
		payload.Stop = gc.StopSequences
	}

	return payload, nil
}

func buildGeminiResponse(resp *service.LLMResponse, meta map[string]any) map[string]any {
	var parts []map[string]any
	if resp.Content != "" {
		parts = append(parts, map[string]any{"text": resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		parts = append(parts, map[string]any{
			"functionCall": map[string]any{
				"name": tc.Function.Name,
				"args": args,
			},
		})
	}

	finish := "STOP"
	if resp.FinishReason == "length" {
		finish = "MAX_TOKENS"
	}

	body := map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": finish,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     resp.Usage.PromptTokens,
			"candidatesTokenCount": resp.Usage.CompletionTokens,
			"totalTokenCount":      resp.Usage.TotalTokens,
		},
	}
	if meta != nil {
		body["smart_ai_router"] = meta
	}

	return body
}

// streamGemini renders the chunk stream in streamGenerateContent SSE
// format: one JSON body per data line, aggregator metadata on the final
// usage-bearing chunk before the stream closes.
func (s *Server) streamGemini(w http.ResponseWriter, outcome *router.Outcome) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, "streaming not supported by this server", "internal_error", "no_flusher", http.StatusInternalServerError)

		return
	}

	s.finishHeaders(w, outcome.Report)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var usage service.Usage
	finish := "STOP"

	for chunk := range outcome.Stream {
		if chunk.Error != nil {
			payload, _ := json.Marshal(map[string]any{
				"error": map[string]any{"code": 502, "message": chunk.Error.Error(), "status": "UNAVAILABLE"},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()

			return
		}

		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.FinishReason == "length" {
			finish = "MAX_TOKENS"
		}

		if chunk.Content == "" && len(chunk.ToolCalls) == 0 {
			continue
		}

		var parts []map[string]any
		if chunk.Content != "" {
			parts = append(parts, map[string]any{"text": chunk.Content})
		}
		for _, tc := range chunk.ToolCalls {
			args := json.RawMessage(tc.Function.Arguments)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			parts = append(parts, map[string]any{
				"functionCall": map[string]any{"name": tc.Function.Name, "args": args},
			})
		}

		payload, _ := json.Marshal(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"role": "model", "parts": parts},
			}},
		})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	// Terminal chunk: finish reason, usage, and the router metadata.
	payload, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content":      map[string]any{"role": "model", "parts": []map[string]any{}},
			"finishReason": finish,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     usage.PromptTokens,
			"candidatesTokenCount": usage.CompletionTokens,
			"totalTokenCount":      usage.TotalTokens,
		},
		"smart_ai_router": outcome.Report.Payload(),
	})
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
