package antropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/relai/internal/service"
)

const testImageB64 = "iVBORw0KGgoAAAANSUhEUg=="

func toolReq() *service.ChatRequest {
	parts := []service.ContentPart{
		{Type: "text", Text: "what is in this image?"},
		{Type: "image_url", ImageURL: &service.ImageURL{URL: "data:image/png;base64," + testImageB64}},
	}
	content, _ := json.Marshal(parts)

	return &service.ChatRequest{
		Model: "claude-haiku-4-5",
		Messages: []service.Message{
			{Role: "system", Content: service.TextContent("be terse")},
			{Role: "user", Content: content},
		},
		Tools: []service.Tool{{
			Type: "function",
			Function: service.ToolFunction{
				Name:        "get_weather",
				Description: "Look up the weather",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
				},
			},
		}},
	}
}

func TestBuildRequestBody_SystemHoisting(t *testing.T) {
	body, err := buildRequestBody("claude-haiku-4-5", toolReq())
	require.NoError(t, err)

	assert.Equal(t, "be terse", body["system"])
	assert.Equal(t, defaultMaxTokens, body["max_tokens"])

	msgs := body["messages"].([]map[string]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0]["role"])
}

func TestBuildRequestBody_ImageTranslation(t *testing.T) {
	body, err := buildRequestBody("claude-haiku-4-5", toolReq())
	require.NoError(t, err)

	blocks := body["messages"].([]map[string]any)[0]["content"].([]map[string]any)
	require.Len(t, blocks, 2)

	img := blocks[1]
	require.Equal(t, "image", img["type"])

	source := img["source"].(map[string]any)
	assert.Equal(t, "base64", source["type"])
	assert.Equal(t, "image/png", source["media_type"])
	assert.Equal(t, testImageB64, source["data"])
}

func TestBuildRequestBody_Tools(t *testing.T) {
	body, err := buildRequestBody("claude-haiku-4-5", toolReq())
	require.NoError(t, err)

	tools := body["tools"].([]map[string]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0]["name"])
	assert.NotNil(t, tools[0]["input_schema"])
}

func TestBuildRequestBody_ToolRoundTrip(t *testing.T) {
	req := &service.ChatRequest{
		Model: "claude-haiku-4-5",
		Messages: []service.Message{
			{Role: "user", Content: service.TextContent("weather in oslo?")},
			{Role: "assistant", ToolCalls: []service.ToolCall{{
				ID:       "toolu_01",
				Type:     "function",
				Function: service.FunctionCall{Name: "get_weather", Arguments: `{"city":"oslo"}`},
			}}},
			{Role: "tool", ToolCallID: "toolu_01", Content: service.TextContent(`{"temp": 4}`)},
		},
	}

	body, err := buildRequestBody("claude-haiku-4-5", req)
	require.NoError(t, err)

	msgs := body["messages"].([]map[string]any)
	require.Len(t, msgs, 3)

	toolUse := msgs[1]["content"].([]map[string]any)[0]
	assert.Equal(t, "tool_use", toolUse["type"])
	assert.Equal(t, "toolu_01", toolUse["id"])
	assert.Equal(t, "get_weather", toolUse["name"])
	assert.JSONEq(t, `{"city":"oslo"}`, string(toolUse["input"].(json.RawMessage)))

	result := msgs[2]["content"].([]map[string]any)[0]
	assert.Equal(t, "tool_result", result["type"])
	assert.Equal(t, "toolu_01", result["tool_use_id"])
}

func TestBuildRequestBody_MaxTokensMandatory(t *testing.T) {
	mt := 128
	req := &service.ChatRequest{
		Messages:  []service.Message{{Role: "user", Content: service.TextContent("hi")}},
		MaxTokens: &mt,
	}

	body, err := buildRequestBody("claude-haiku-4-5", req)
	require.NoError(t, err)
	assert.Equal(t, 128, body["max_tokens"])
}

func TestChat_NonStreaming(t *testing.T) {
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, AnthropicVersion, r.Header.Get("Anthropic-Version"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		fmt.Fprint(w, `{
			"id": "msg_1", "type": "message", "role": "assistant",
			"model": "claude-haiku-4-5",
			"content": [{"type": "text", "text": "hello there"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 4}
		}`)
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL, "", false, nil)
	require.NoError(t, err)

	resp, err := p.Chat(context.Background(), "claude-haiku-4-5", toolReq())
	require.NoError(t, err)

	assert.Equal(t, "claude-haiku-4-5", gotBody["model"])
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 4, resp.Usage.CompletionTokens)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
}

func TestChat_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"type": "rate_limit_error", "message": "slow down"}}`)
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL, "", false, nil)
	require.NoError(t, err)

	_, err = p.Chat(context.Background(), "claude-haiku-4-5", toolReq())

	var ue *service.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
	assert.Contains(t, ue.Body, "slow down")
}

func TestChatStream_Events(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		events := []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":9}}}`,
			`{"type":"content_block_start","content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"content_block_stop"}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn","usage":{"output_tokens":2}}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL, "", false, nil)
	require.NoError(t, err)

	chunks, _, err := p.ChatStream(context.Background(), "claude-haiku-4-5", toolReq())
	require.NoError(t, err)

	var text string
	var finish string
	var usage *service.Usage

	for chunk := range chunks {
		require.NoError(t, chunk.Error)
		text += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	assert.Equal(t, "hello", text)
	assert.Equal(t, "stop", finish)
	require.NotNil(t, usage)
	assert.Equal(t, 9, usage.PromptTokens)
	assert.Equal(t, 2, usage.CompletionTokens)
}

func TestChatStream_ToolInputAccumulation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		events := []string{
			`{"type":"message_start","message":{"usage":{"input_tokens":5}}}`,
			`{"type":"content_block_start","content_block":{"type":"tool_use","id":"toolu_9","name":"get_weather"}}`,
			`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
			`{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"\"oslo\"}"}}`,
			`{"type":"content_block_stop"}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use","usage":{"output_tokens":7}}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintf(w, "data: %s\n\n", e)
		}
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL, "", false, nil)
	require.NoError(t, err)

	chunks, _, err := p.ChatStream(context.Background(), "claude-haiku-4-5", toolReq())
	require.NoError(t, err)

	var toolCall *service.ToolCall
	var finish string

	for chunk := range chunks {
		require.NoError(t, chunk.Error)
		if len(chunk.ToolCalls) > 0 {
			tc := chunk.ToolCalls[0]
			toolCall = &tc
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	require.NotNil(t, toolCall)
	assert.Equal(t, "toolu_9", toolCall.ID)
	assert.Equal(t, "get_weather", toolCall.Function.Name)
	assert.JSONEq(t, `{"city":"oslo"}`, toolCall.Function.Arguments)
	assert.Equal(t, "tool_calls", finish)
}
