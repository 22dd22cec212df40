package gemini

// Google Generative Language API (generativelanguage.googleapis.com)
// Native Gemini API with API key authentication.
//
// Non-streaming:  POST /v1beta/models/{model}:generateContent
// Streaming:      POST /v1beta/models/{model}:streamGenerateContent?alt=sse

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

	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/klient"

	"github.com/rakunlabs/relai/internal/service"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// Provider implements the adapter contract for the Google Generative
// Language API.
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
		"Content-Type":   []string{"application/json"},
		"x-goog-api-key": []string{apiKey},
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
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}

	return &Provider{
		APIKey:  apiKey,
		BaseURL: baseURL,
		client:  client,
	}, nil
}

// ─── Google API types ───

type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	Tools             []googleTool      `json:"tools,omitempty"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"` // "user" or "model"
	Parts []part `json:"parts"`
}

type part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *inlineData       `json:"inline_data,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type googleTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (u *usageMetadata) canonical() service.Usage {
	if u == nil {
		return service.Usage{}
	}

	total := u.TotalTokenCount
	if total == 0 {
		total = u.PromptTokenCount + u.CandidatesTokenCount
	}

	return service.Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      total,
	}
}

func (p *Provider) Chat(ctx context.Context, model string, creq *service.ChatRequest) (*service.LLMResponse, error) {
	reqBody, err := buildRequest(creq)
	if err != nil {
		return nil, err
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.BaseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
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

	var result generateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	llmResp := &service.LLMResponse{
		Model:  model,
		Usage:  result.UsageMetadata.canonical(),
		Header: resp.Header,
	}

	if len(result.Candidates) == 0 {
		return llmResp, nil
	}

	cand := result.Candidates[0]
	llmResp.FinishReason = finishReason(cand.FinishReason, false)

	for _, pt := range cand.Content.Parts {
		switch {
		case pt.Text != "":
			llmResp.Content += pt.Text
		case pt.FunctionCall != nil:
			args := string(pt.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			llmResp.ToolCalls = append(llmResp.ToolCalls, service.ToolCall{
				ID:   "call_" + ulid.Make().String(),
				Type: "function",
				Function: service.FunctionCall{
					Name:      pt.FunctionCall.Name,
					Arguments: args,
				},
			})
		}
	}

	if len(llmResp.ToolCalls) > 0 {
		llmResp.FinishReason = "tool_calls"
	}

	return llmResp, nil
}

// ─── Streaming ───

func (p *Provider) ChatStream(ctx context.Context, model string, creq *service.ChatRequest) (<-chan service.StreamChunk, http.Header, error) {
	reqBody, err := buildRequest(creq)
	if err != nil {
		return nil, nil, err
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", p.BaseURL, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
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

		var finalUsage *usageMetadata
		toolCalls := 0

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")

			var event generateContentResponse
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				ch <- service.StreamChunk{Error: fmt.Errorf("parse SSE event: %w", err)}

				return
			}

			if event.UsageMetadata != nil {
				finalUsage = event.UsageMetadata
			}

			if len(event.Candidates) == 0 {
				continue
			}

			cand := event.Candidates[0]

			for _, pt := range cand.Content.Parts {
				switch {
				case pt.Text != "":
					ch <- service.StreamChunk{Content: pt.Text}
				case pt.FunctionCall != nil:
					args := string(pt.FunctionCall.Args)
					if args == "" {
						args = "{}"
					}
					idx := toolCalls
					toolCalls++
					ch <- service.StreamChunk{
						ToolCalls: []service.ToolCall{{
							Index: &idx,
							ID:    "call_" + ulid.Make().String(),
							Type:  "function",
							Function: service.FunctionCall{
								Name:      pt.FunctionCall.Name,
								Arguments: args,
							},
						}},
					}
				}
			}

			if cand.FinishReason != "" {
				ch <- service.StreamChunk{FinishReason: finishReason(cand.FinishReason, toolCalls > 0)}
			}
		}

		if err := scanner.Err(); err != nil {
			ch <- service.StreamChunk{Error: &service.UpstreamError{Err: err}}

			return
		}

		if finalUsage != nil {
			u := finalUsage.canonical()
			ch <- service.StreamChunk{Usage: &u}
		}
	}()

	return ch, resp.Header, nil
}

// ─── Discovery ───

type listModelsResponse struct {
	Models []struct {
		Name                       string   `json:"name"` // "models/gemini-2.5-flash"
		InputTokenLimit            int      `json:"inputTokenLimit"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
	NextPageToken string `json:"nextPageToken"`
}

func (p *Provider) DiscoverModels(ctx context.Context) ([]service.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/v1beta/models?pageSize=200", nil)
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

	var result listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	var models []service.ModelInfo
	for _, m := range result.Models {
		if !supportsGenerate(m.SupportedGenerationMethods) {
			continue
		}

		models = append(models, service.ModelInfo{
			ID:            strings.TrimPrefix(m.Name, "models/"),
			OwnedBy:       "google",
			ContextLength: m.InputTokenLimit,
		})
	}

	return models, nil
}

func supportsGenerate(methods []string) bool {
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}

	return false
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

// buildRequest maps the canonical request to generateContent: assistant
// becomes "model", system messages populate systemInstruction, image parts
// become inline_data, and tool results become functionResponse parts.
func buildRequest(creq *service.ChatRequest) (*generateContentRequest, error) {
	out := &generateContentRequest{}

	// Tool-call id -> function name, for functionResponse parts.
	callNames := map[string]string{}

	var systemParts []part

	for _, msg := range creq.Messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, part{Text: msg.Text()})

		case "assistant":
			c := content{Role: "model"}
			if text := msg.Text(); text != "" {
				c.Parts = append(c.Parts, part{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				args := json.RawMessage(tc.Function.Arguments)
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				c.Parts = append(c.Parts, part{FunctionCall: &functionCall{
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			if len(c.Parts) > 0 {
				out.Contents = append(out.Contents, c)
			}

		case "tool":
			var respValue map[string]any
			if err := json.Unmarshal([]byte(msg.Text()), &respValue); err != nil {
				respValue = map[string]any{"result": msg.Text()}
			}

			name := callNames[msg.ToolCallID]
			if name == "" {
				name = msg.Name
			}

			out.Contents = append(out.Contents, content{
				Role: "user",
				Parts: []part{{FunctionResponse: &functionResponse{
					Name:     name,
					Response: respValue,
				}}},
			})

		default: // user
			parts, err := translateUserParts(msg)
			if err != nil {
				return nil, err
			}
			out.Contents = append(out.Contents, content{Role: "user", Parts: parts})
		}
	}

	if len(systemParts) > 0 {
		out.SystemInstruction = &content{Parts: systemParts}
	}

	if len(creq.Tools) > 0 {
		decls := make([]functionDeclaration, len(creq.Tools))
		for i, tool := range creq.Tools {
			decls[i] = functionDeclaration{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  service.SanitizeSchema(tool.Function.Parameters),
			}
		}
		out.Tools = []googleTool{{FunctionDeclarations: decls}}
	}

	gc := &generationConfig{
		Temperature:   creq.Temperature,
		TopP:          creq.TopP,
		StopSequences: creq.Stop,
	}
	if creq.MaxTokens != nil {
		gc.MaxOutputTokens = *creq.MaxTokens
	}
	out.GenerationConfig = gc

	return out, nil
}

func translateUserParts(msg service.Message) ([]part, error) {
	cparts, err := msg.Parts()
	if err != nil {
		return nil, err
	}

	parts := make([]part, 0, len(cparts))
	for _, p := range cparts {
		switch p.Type {
		case "text":
			parts = append(parts, part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}

			mediaType, data, ok := parseDataURI(p.ImageURL.URL)
			if !ok {
				continue // Gemini inline data requires base64 payloads
			}

			parts = append(parts, part{InlineData: &inlineData{
				MimeType: mediaType,
				Data:     data,
			}})
		}
	}

	if len(parts) == 0 {
		parts = append(parts, part{Text: ""})
	}

	return parts, nil
}

func finishReason(geminiReason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}

	switch geminiReason {
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}

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
