package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/relai/internal/service"
)

func TestTranslateAnthropicIn(t *testing.T) {
	areq := &anthropicRequest{
		Model:     "qwen3-8b",
		MaxTokens: 512,
		System:    json.RawMessage(`"be helpful"`),
		Messages: []anthropicMessage{
			{Role: "user", Content: json.RawMessage(`"hello"`)},
			{Role: "user", Content: json.RawMessage(`[
				{"type": "text", "text": "look:"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "QUJD"}}
			]`)},
		},
		Tools: []anthropicTool{{
			Name:        "search",
			InputSchema: map[string]any{"type": "object"},
		}},
	}

	payload, err := translateAnthropicIn(areq)
	require.NoError(t, err)

	require.Len(t, payload.Messages, 3)
	assert.Equal(t, "system", payload.Messages[0].Role)
	assert.Equal(t, "be helpful", payload.Messages[0].Text())

	parts, err := payload.Messages[2].Parts()
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "image_url", parts[1].Type)
	assert.Equal(t, "data:image/png;base64,QUJD", parts[1].ImageURL.URL)

	require.Len(t, payload.Tools, 1)
	assert.Equal(t, "search", payload.Tools[0].Function.Name)
	require.NotNil(t, payload.MaxTokens)
	assert.Equal(t, 512, *payload.MaxTokens)
}

// OpenAI -> Anthropic -> OpenAI: tool declarations and image bytes survive
// the round trip.
func TestAnthropicRoundTrip(t *testing.T) {
	original := &chatCompletionPayload{}
	original.Model = "qwen3-8b"
	parts := []service.ContentPart{
		{Type: "text", Text: "describe"},
		{Type: "image_url", ImageURL: &service.ImageURL{URL: "data:image/png;base64,QUJDRA=="}},
	}
	content, _ := json.Marshal(parts)
	original.Messages = []service.Message{{Role: "user", Content: content}}
	original.Tools = []service.Tool{{
		Type: "function",
		Function: service.ToolFunction{
			Name:       "lookup",
			Parameters: map[string]any{"type": "object"},
		},
	}}

	// Render as an Anthropic request body.
	areq := &anthropicRequest{
		Model: original.Model,
		Messages: []anthropicMessage{{
			Role: "user",
			Content: json.RawMessage(`[
				{"type": "text", "text": "describe"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "QUJDRA=="}}
			]`),
		}},
		Tools: []anthropicTool{{Name: "lookup", InputSchema: map[string]any{"type": "object"}}},
	}

	back, err := translateAnthropicIn(areq)
	require.NoError(t, err)

	backParts, err := back.Messages[0].Parts()
	require.NoError(t, err)
	require.Len(t, backParts, 2)
	assert.Equal(t, "data:image/png;base64,QUJDRA==", backParts[1].ImageURL.URL)

	require.Len(t, back.Tools, 1)
	assert.Equal(t, original.Tools[0].Function.Name, back.Tools[0].Function.Name)
	assert.Equal(t, original.Tools[0].Function.Parameters["type"], back.Tools[0].Function.Parameters["type"])
}

func TestTranslateGeminiIn(t *testing.T) {
	greq := &geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: "short answers"}}},
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: "hi"}}},
			{Role: "model", Parts: []geminiPart{{Text: "hello"}}},
		},
		GenerationConfig: &geminiGenCfg{MaxOutputTokens: 64},
	}

	payload, err := translateGeminiIn("gemini-2.5-flash", true, greq)
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-flash", payload.Model)
	assert.True(t, payload.Stream)
	require.Len(t, payload.Messages, 3)
	assert.Equal(t, "system", payload.Messages[0].Role)
	assert.Equal(t, "assistant", payload.Messages[2].Role)
	require.NotNil(t, payload.MaxTokens)
	assert.Equal(t, 64, *payload.MaxTokens)
}

func TestGeminiGenerate_PathParsing(t *testing.T) {
	srv, _ := freeAndPaidFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/qwen3-8b:generateContent",
		strings.NewReader(`{"contents": [{"role": "user", "parts": [{"text": "hi"}]}]}`))
	w := httptest.NewRecorder()
	srv.GeminiGenerate(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	cands := resp["candidates"].([]any)
	content := cands[0].(map[string]any)["content"].(map[string]any)
	parts := content["parts"].([]any)
	assert.Equal(t, "hello from free", parts[0].(map[string]any)["text"])
	assert.NotNil(t, resp["smart_ai_router"])
}

func TestGeminiGenerate_BadPath(t *testing.T) {
	srv, _ := freeAndPaidFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/qwen3-8b:unknownMethod",
		strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	srv.GeminiGenerate(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAnthropicMessages_EndToEnd(t *testing.T) {
	srv, _ := freeAndPaidFixture(t)

	body := `{
		"model": "qwen3-8b",
		"max_tokens": 128,
		"messages": [{"role": "user", "content": "hi"}]
	}`

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.AnthropicMessages(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "message", resp["type"])
	assert.Equal(t, "assistant", resp["role"])

	content := resp["content"].([]any)
	assert.Equal(t, "hello from free", content[0].(map[string]any)["text"])
	assert.Equal(t, "end_turn", resp["stop_reason"])
}

func TestListModels_SearchAndFilter(t *testing.T) {
	srv, _ := freeAndPaidFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models?search=qwen", nil)
	w := httptest.NewRecorder()
	srv.ListModels(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp ModelsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.Len(t, resp.Data, 1)
	assert.Equal(t, "qwen3-8b", resp.Data[0].ID)
	assert.ElementsMatch(t, []string{"a-free", "b-paid"}, resp.Data[0].Channels)

	// Tag filter narrows to the free channel's record.
	req = httptest.NewRequest(http.MethodGet, "/v1/models?tags=free", nil)
	w = httptest.NewRecorder()
	srv.ListModels(w, req)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)

	// Unmatched search comes back empty.
	req = httptest.NewRequest(http.MethodGet, "/v1/models?search=nothing", nil)
	w = httptest.NewRecorder()
	srv.ListModels(w, req)

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Data)
}
