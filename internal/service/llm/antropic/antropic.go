package antropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/relai/internal/service"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com"
	AnthropicVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

// Provider translates the canonical OpenAI chat shape to and from the
// Anthropic Messages dialect.
type Provider struct {
	APIKey  string
	BaseURL string

	client *klient.Client
}

func New(apiKey, baseURL, proxy string, insecureSkipVerify bool, extraHeaders map[string]string) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	headers := http.Header{
		"X-Api-Key":         []string{apiKey},
		"Anthropic-Version": []string{AnthropicVersion},
		"Content-Type":      []string{"application/json"},
	}
	for k, v := range extraHeaders {
		headers[k] = []string{v}
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	}
	if proxy != "" {
		klientOpts = append(klientOpts, klient.WithProxy(proxy))
	}
	if insecureSkipVerify {
		klientOpts = append(klientOpts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(klientOpts...)
	if err != nil {
		return nil, err
	}

	return &Provider{
		APIKey:  apiKey,
		BaseURL: baseURL,
		client:  client,
	}, nil
}

// ─── Wire types ───

type anthropicResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Error      anthropicError `json:"error"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u usage) canonical() service.Usage {
	return service.Usage{
		PromptTokens:     u.InputTokens,
		CompletionTokens: u.OutputTokens,
		TotalTokens:      u.InputTokens + u.OutputTokens,
	}
}

func (p *Provider) Chat(ctx context.Context, model string, creq *service.ChatRequest) (*service.LLMResponse, error) {
	reqBody, err := buildRequestBody(model, creq)
	if err != nil {
		return nil, err
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, &service.UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}

	var result anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.Type == "error" {
		return nil, &service.UpstreamError{StatusCode: resp.StatusCode, Body: result.Error.Message}
	}

	llmResp := &service.LLMResponse{
		Model:        result.Model,
		Usage:        result.Usage.canonical(),
		FinishReason: finishReason(result.StopReason),
		Header:       resp.Header,
	}

	for _, block := range result.Content {
		switch block.Type {
		case "text":
			llmResp.Content += block.Text
		case "tool_use":
			llmResp.ToolCalls = append(llmResp.ToolCalls, service.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: service.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	return llmResp, nil
}

func finishReason(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// ─── Streaming ───

// Anthropic SSE event types for streaming.
type streamEvent struct {
	Type  string          `json:"type"`
	Delta json.RawMessage `json:"delta,omitempty"`

	// For content_block_start
	ContentBlock *contentBlock `json:"content_block,omitempty"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolInputDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type messageDelta struct {
	StopReason string `json:"stop_reason"`
	Usage      *usage `json:"usage,omitempty"` // output_tokens on message_delta
}

// messageStartBody is the top-level structure of a message_start event.
type messageStartBody struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *usage `json:"usage,omitempty"` // input_tokens on message_start
	} `json:"message,omitempty"`
}

func (p *Provider) ChatStream(ctx context.Context, model string, creq *service.ChatRequest) (<-chan service.StreamChunk, http.Header, error) {
	reqBody, err := buildRequestBody(model, creq)
	if err != nil {
		return nil, nil, err
	}
	reqBody["stream"] = true

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, nil, &service.UpstreamError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		return nil, nil, upstreamError(resp)
	}

	ch := make(chan service.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// Track the current content block for tool_use streaming. Tool
		// input arrives as partial JSON fragments that are accumulated and
		// emitted on content_block_stop.
		var currentToolID string
		var currentToolName string
		var toolInputBuf strings.Builder

		var usageInputTokens int
		var usageOutputTokens int

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024) // images can produce large SSE events
		for scanner.Scan() {
			line := scanner.Text()

			if line == "" || strings.HasPrefix(line, ":") {
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")

			var event streamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				ch <- service.StreamChunk{Error: fmt.Errorf("parse SSE event: %w", err)}

				return
			}

			switch event.Type {
			case "message_start":
				var msb messageStartBody
				if err := json.Unmarshal([]byte(data), &msb); err == nil && msb.Message != nil && msb.Message.Usage != nil {
					usageInputTokens = msb.Message.Usage.InputTokens
				}

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					currentToolID = event.ContentBlock.ID
					currentToolName = event.ContentBlock.Name
					toolInputBuf.Reset()
				}

			case "content_block_delta":
				if len(event.Delta) == 0 {
					continue
				}

				var td textDelta
				if err := json.Unmarshal(event.Delta, &td); err == nil && td.Type == "text_delta" {
					ch <- service.StreamChunk{Content: td.Text}

					continue
				}

				var tid toolInputDelta
				if err := json.Unmarshal(event.Delta, &tid); err == nil && tid.Type == "input_json_delta" {
					toolInputBuf.WriteString(tid.PartialJSON)
				}

			case "content_block_stop":
				if currentToolID != "" {
					args := toolInputBuf.String()
					if args == "" {
						args = "{}"
					}
					idx := 0
					ch <- service.StreamChunk{
						ToolCalls: []service.ToolCall{{
							Index: &idx,
							ID:    currentToolID,
							Type:  "function",
							Function: service.FunctionCall{
								Name:      currentToolName,
								Arguments: args,
							},
						}},
					}
					currentToolID = ""
					currentToolName = ""
					toolInputBuf.Reset()
				}

			case "message_delta":
				if len(event.Delta) == 0 {
					continue
				}
				var md messageDelta
				if err := json.Unmarshal(event.Delta, &md); err == nil {
					if md.Usage != nil {
						usageOutputTokens = md.Usage.OutputTokens
					}
					if md.StopReason != "" {
						ch <- service.StreamChunk{FinishReason: finishReason(md.StopReason)}
					}
				}

			case "message_stop":
				u := usage{InputTokens: usageInputTokens, OutputTokens: usageOutputTokens}.canonical()
				ch <- service.StreamChunk{Usage: &u}

				return

			case "error":
				var errMsg struct {
					Error anthropicError `json:"error"`
				}
				if err := json.Unmarshal([]byte(data), &errMsg); err == nil {
					ch <- service.StreamChunk{Error: &service.UpstreamError{Body: errMsg.Error.Message}}
				} else {
					ch <- service.StreamChunk{Error: &service.UpstreamError{Body: data}}
				}

				return
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- service.StreamChunk{Error: &service.UpstreamError{Err: err}}
		}
	}()

	return ch, resp.Header, nil
}

// ─── Discovery ───

type modelsResponse struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

func (p *Provider) DiscoverModels(ctx context.Context) ([]service.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return nil, &service.UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, upstreamError(resp)
	}

	var result modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	models := make([]service.ModelInfo, 0, len(result.Data))
	for _, m := range result.Data {
		models = append(models, service.ModelInfo{
			ID:      m.ID,
			OwnedBy: "anthropic",
		})
	}

	return models, nil
}

func (p *Provider) ValidateKey(ctx context.Context) (*service.KeyInfo, error) {
	models, err := p.DiscoverModels(ctx)
	if err != nil {
		return &service.KeyInfo{Valid: false, Tier: "unknown"}, err
	}

	return &service.KeyInfo{Valid: true, Tier: "unknown", ModelCount: len(models)}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.DiscoverModels(ctx)

	return err
}

// ─── Translation ───

// buildRequestBody translates the canonical request to the Messages
// dialect: system messages hoist to the top-level system string,
// max_tokens is mandatory, image_url data URIs become base64 sources, and
// tool results come back through tool_use_id.
func buildRequestBody(model string, creq *service.ChatRequest) (map[string]any, error) {
	var systemPrompt string
	var messages []map[string]any

	for _, msg := range creq.Messages {
		switch msg.Role {
		case "system":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += msg.Text()

		case "tool":
			messages = append(messages, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Text(),
				}},
			})

		case "assistant":
			blocks := []map[string]any{}
			if text := msg.Text(); text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": text})
			}
			for _, tc := range msg.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, map[string]any{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": input,
				})
			}
			messages = append(messages, map[string]any{"role": "assistant", "content": blocks})

		default: // user
			content, err := translateUserContent(msg)
			if err != nil {
				return nil, err
			}
			messages = append(messages, map[string]any{"role": "user", "content": content})
		}
	}

	maxTokens := defaultMaxTokens
	if creq.MaxTokens != nil && *creq.MaxTokens > 0 {
		maxTokens = *creq.MaxTokens
	}

	reqBody := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if systemPrompt != "" {
		reqBody["system"] = systemPrompt
	}
	if creq.Temperature != nil {
		reqBody["temperature"] = *creq.Temperature
	}
	if creq.TopP != nil {
		reqBody["top_p"] = *creq.TopP
	}
	if len(creq.Stop) > 0 {
		reqBody["stop_sequences"] = creq.Stop
	}

	if len(creq.Tools) > 0 {
		anthropicTools := make([]map[string]any, len(creq.Tools))
		for i, tool := range creq.Tools {
			anthropicTools[i] = map[string]any{
				"name":         tool.Function.Name,
				"description":  tool.Function.Description,
				"input_schema": tool.Function.Parameters,
			}
		}
		reqBody["tools"] = anthropicTools
	}

	return reqBody, nil
}

// translateUserContent maps a user message's content to Anthropic blocks.
// Plain strings pass through; image_url data URIs become base64 sources.
func translateUserContent(msg service.Message) (any, error) {
	parts, err := msg.Parts()
	if err != nil {
		return nil, err
	}

	if len(parts) == 1 && parts[0].Type == "text" {
		return parts[0].Text, nil
	}

	blocks := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}

			mediaType, data, ok := parseDataURI(p.ImageURL.URL)
			if !ok {
				// Remote URL: Anthropic accepts url sources directly.
				blocks = append(blocks, map[string]any{
					"type":   "image",
					"source": map[string]any{"type": "url", "url": p.ImageURL.URL},
				})

				continue
			}

			blocks = append(blocks, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": mediaType,
					"data":       data,
				},
			})
		}
	}

	return blocks, nil
}

// parseDataURI splits "data:<mime>;base64,<data>" into its parts.
func parseDataURI(uri string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}

	rest := strings.TrimPrefix(uri, "data:")
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return "", "", false
	}

	return rest[:idx], rest[idx+len(";base64,"):], true
}

func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	return &service.UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
}
