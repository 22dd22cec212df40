package server

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/relai/internal/router"
	"github.com/rakunlabs/relai/internal/service"
)

// chatCompletionPayload is the inbound /v1/chat/completions body: the
// canonical OpenAI shape plus the router's optional extension fields.
type chatCompletionPayload struct {
	service.ChatRequest

	RoutingStrategy      string   `json:"routing_strategy,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	ExcludeProviders     []string `json:"exclude_providers,omitempty"`
	MinContextLength     int      `json:"min_context_length,omitempty"`
	MaxCostPer1K         float64  `json:"max_cost_per_1k,omitempty"`
	PreferLocal          bool     `json:"prefer_local,omitempty"`
}

// routingRequest builds the router view of the payload.
func (p *chatCompletionPayload) routingRequest() *router.Request {
	maxTokens := 0
	if p.MaxTokens != nil {
		maxTokens = *p.MaxTokens
	}

	temperature := 0.0
	if p.Temperature != nil {
		temperature = *p.Temperature
	}

	return &router.Request{
		ModelExpr:            p.Model,
		Strategy:             p.RoutingStrategy,
		RequiredCapabilities: p.RequiredCapabilities,
		ExcludeProviders:     p.ExcludeProviders,
		MinContextLength:     p.MinContextLength,
		MaxCostPer1K:         p.MaxCostPer1K,
		PreferLocal:          p.PreferLocal,
		HasFunctions:         len(p.Tools) > 0,
		Stream:               p.Stream,
		MaxTokens:            maxTokens,
		Temperature:          temperature,
	}
}

// validate applies the request-shape boundary rules.
func (p *chatCompletionPayload) validate() error {
	if p.Model == "" {
		return &router.InvalidRequestError{Reason: "model field is required"}
	}
	if len(p.Messages) == 0 {
		return &router.InvalidRequestError{Reason: "messages must not be empty"}
	}
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return &router.InvalidRequestError{Reason: "max_tokens must be positive"}
	}

	return nil
}

// ─── OpenAI response types ───

// ChatCompletionResponse is the OpenAI-compatible response body, augmented
// with the router metadata block.
type ChatCompletionResponse struct {
	ID            string                 `json:"id"`
	Object        string                 `json:"object"`
	Created       int64                  `json:"created"`
	Model         string                 `json:"model"`
	Choices       []ChatCompletionChoice `json:"choices"`
	Usage         service.Usage          `json:"usage"`
	SmartAIRouter map[string]any         `json:"smart_ai_router,omitempty"`
}

type ChatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type ChatCompletionMessage struct {
	Role      string             `json:"role"`
	Content   *string            `json:"content"`
	ToolCalls []service.ToolCall `json:"tool_calls,omitempty"`
}

// OpenAI /v1/models response types.

type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelData `json:"data"`
	Total  int         `json:"total"`
}

type ModelData struct {
	ID            string   `json:"id"`
	Object        string   `json:"object"`
	OwnedBy       string   `json:"owned_by"`
	ContextLength int      `json:"context_length,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Channels      []string `json:"channels,omitempty"`
}

// ─── Streaming response types (SSE / chat.completion.chunk format) ───

// ChatCompletionChunk is the OpenAI-compatible streaming chunk response.
type ChatCompletionChunk struct {
	ID            string         `json:"id"`
	Object        string         `json:"object"` // "chat.completion.chunk"
	Created       int64          `json:"created"`
	Model         string         `json:"model"`
	Choices       []ChunkChoice  `json:"choices"`
	Usage         *service.Usage `json:"usage,omitempty"`
	SmartAIRouter map[string]any `json:"smart_ai_router,omitempty"`
}

// ChunkChoice represents a single choice in a streaming chunk.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta represents the incremental content in a streaming chunk.
type ChunkDelta struct {
	Role      string             `json:"role,omitempty"`
	Content   any                `json:"content,omitempty"`
	ToolCalls []service.ToolCall `json:"tool_calls,omitempty"`
}

// buildOpenAIResponse converts the canonical adapter response to the wire
// shape.
func buildOpenAIResponse(id, model string, resp *service.LLMResponse) *ChatCompletionResponse {
	finishReason := resp.FinishReason
	if finishReason == "" {
		finishReason = "stop"
	}

	msg := ChatCompletionMessage{
		Role:      "assistant",
		ToolCalls: resp.ToolCalls,
	}

	if resp.Content != "" || len(resp.ToolCalls) == 0 {
		content := resp.Content
		msg.Content = &content
	}

	return &ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{
			{
				Index:        0,
				Message:      msg,
				FinishReason: finishReason,
			},
		},
		Usage: resp.Usage,
	}
}

// generateChatID creates a unique ID for chat completion responses.
func generateChatID() string {
	return fmt.Sprintf("chatcmpl-%s", ulid.Make().String())
}
