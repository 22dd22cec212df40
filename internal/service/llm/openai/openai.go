package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/relai/internal/service"
)

const DefaultBaseURL = "https://api.openai.com/v1"

// Provider speaks the OpenAI chat-completions dialect. It is a near
// passthrough: the canonical request is the wire format, so only the model
// substitution and auth header are added.
type Provider struct {
	APIKey  string
	BaseURL string

	client *klient.Client
}

// New creates an OpenAI-compatible provider.
//
// extraHeaders allows setting additional HTTP headers for providers that
// require them. proxy is an optional HTTP/HTTPS/SOCKS5 proxy URL.
func New(apiKey, baseURL, proxy string, insecureSkipVerify bool, extraHeaders map[string]string) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	headers := http.Header{
		"Content-Type": []string{"application/json"},
	}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
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

// chatResponse is the OpenAI chat-completion response body.
type chatResponse struct {
	Model   string         `json:"model"`
	Choices []choice       `json:"choices"`
	Usage   *service.Usage `json:"usage,omitempty"`
}

type choice struct {
	Message      choiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type choiceMessage struct {
	Content   string             `json:"content"`
	ToolCalls []service.ToolCall `json:"tool_calls,omitempty"`
}

func (p *Provider) Chat(ctx context.Context, model string, creq *service.ChatRequest) (*service.LLMResponse, error) {
	body := buildBody(model, creq, false)

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
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

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	llmResp := &service.LLMResponse{
		Model:  result.Model,
		Header: resp.Header,
	}
	if result.Usage != nil {
		llmResp.Usage = *result.Usage
	}

	if len(result.Choices) > 0 {
		c := result.Choices[0]
		llmResp.Content = c.Message.Content
		llmResp.ToolCalls = c.Message.ToolCalls
		llmResp.FinishReason = c.FinishReason
	}

	return llmResp, nil
}

// ─── Streaming ───

// chunkBody is one SSE chat.completion.chunk payload.
type chunkBody struct {
	Choices []struct {
		Delta struct {
			Content   string             `json:"content"`
			ToolCalls []service.ToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *service.Usage `json:"usage,omitempty"`
}

func (p *Provider) ChatStream(ctx context.Context, model string, creq *service.ChatRequest) (<-chan service.StreamChunk, http.Header, error) {
	body := buildBody(model, creq, true)

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/chat/completions", bytes.NewBuffer(jsonData))
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

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024) // images can produce large SSE events
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var cb chunkBody
			if err := json.Unmarshal([]byte(data), &cb); err != nil {
				ch <- service.StreamChunk{Error: fmt.Errorf("parse SSE chunk: %w", err)}

				return
			}

			chunk := service.StreamChunk{Usage: cb.Usage}
			if len(cb.Choices) > 0 {
				chunk.Content = cb.Choices[0].Delta.Content
				chunk.ToolCalls = cb.Choices[0].Delta.ToolCalls
				if fr := cb.Choices[0].FinishReason; fr != nil {
					chunk.FinishReason = *fr
				}
			}

			ch <- chunk
		}

		if err := scanner.Err(); err != nil {
			ch <- service.StreamChunk{Error: &service.UpstreamError{Err: err}}
		}
	}()

	return ch, resp.Header, nil
}

// ─── Discovery ───

// modelsResponse is the GET /models body. OpenRouter-style endpoints add
// context_length and per-token pricing strings; both are optional.
type modelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		OwnedBy       string `json:"owned_by"`
		ContextLength int    `json:"context_length"`
		Pricing       *struct {
			Prompt     string `json:"prompt"`
			Completion string `json:"completion"`
		} `json:"pricing"`
	} `json:"data"`
}

func (p *Provider) DiscoverModels(ctx context.Context) ([]service.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/models", nil)
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
		info := service.ModelInfo{
			ID:            m.ID,
			OwnedBy:       m.OwnedBy,
			ContextLength: m.ContextLength,
		}

		if m.Pricing != nil {
			prompt, err1 := strconv.ParseFloat(m.Pricing.Prompt, 64)
			completion, err2 := strconv.ParseFloat(m.Pricing.Completion, 64)
			if err1 == nil && err2 == nil {
				info.PromptPerToken = prompt
				info.CompletionPerToken = completion
				info.Currency = "USD"
				info.PricingKnown = true
			}
		}

		models = append(models, info)
	}

	return models, nil
}

func (p *Provider) ValidateKey(ctx context.Context) (*service.KeyInfo, error) {
	models, err := p.DiscoverModels(ctx)
	if err != nil {
		return &service.KeyInfo{Valid: false, Tier: "unknown"}, err
	}

	return &service.KeyInfo{
		Valid:      true,
		Tier:       service.TierByModelCount(len(models)),
		ModelCount: len(models),
	}, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/models", nil)
	if err != nil {
		return err
	}

	resp, err := p.client.HTTP.Do(req)
	if err != nil {
		return &service.UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusUnauthorized {
		return upstreamError(resp)
	}

	io.Copy(io.Discard, resp.Body)

	return nil
}

// buildBody serializes the canonical request, substituting the model and
// stream flag. Everything else passes through untouched.
func buildBody(model string, creq *service.ChatRequest, stream bool) map[string]any {
	body := map[string]any{
		"model":    model,
		"messages": creq.Messages,
	}

	if creq.MaxTokens != nil {
		body["max_tokens"] = *creq.MaxTokens
	}
	if creq.Temperature != nil {
		body["temperature"] = *creq.Temperature
	}
	if creq.TopP != nil {
		body["top_p"] = *creq.TopP
	}
	if len(creq.Stop) > 0 {
		body["stop"] = creq.Stop
	}
	if len(creq.Tools) > 0 {
		body["tools"] = creq.Tools
	}
	if creq.ToolChoice != nil {
		body["tool_choice"] = creq.ToolChoice
	}
	if creq.ResponseFormat != nil {
		body["response_format"] = creq.ResponseFormat
	}
	if creq.Seed != nil {
		body["seed"] = *creq.Seed
	}
	if creq.User != "" {
		body["user"] = creq.User
	}
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}

	return body
}

// upstreamError wraps a non-2xx response, keeping a truncated body for the
// error classifier.
func upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	return &service.UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
}
