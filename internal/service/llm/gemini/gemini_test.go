package gemini

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

func geminiReq() *service.ChatRequest {
	mt := 256

	return &service.ChatRequest{
		Model: "gemini-2.5-flash",
		Messages: []service.Message{
			{Role: "system", Content: service.TextContent("answer briefly")},
			{Role: "user", Content: service.TextContent("hello")},
			{Role: "assistant", Content: service.TextContent("hi, how can I help?")},
			{Role: "user", Content: service.TextContent("what time is it?")},
		},
		MaxTokens: &mt,
		Tools: []service.Tool{{
			Type: "function",
			Function: service.ToolFunction{
				Name: "get_time",
				Parameters: map[string]any{
					"$schema":              "https://json-schema.org/draft/2020-12/schema",
					"type":                 "object",
					"additionalProperties": false,
				},
			},
		}},
	}
}

func TestBuildRequest_RolesAndSystem(t *testing.T) {
	out, err := buildRequest(geminiReq())
	require.NoError(t, err)

	require.NotNil(t, out.SystemInstruction)
	assert.Equal(t, "answer briefly", out.SystemInstruction.Parts[0].Text)

	require.Len(t, out.Contents, 3)
	assert.Equal(t, "user", out.Contents[0].Role)
	assert.Equal(t, "model", out.Contents[1].Role)
	assert.Equal(t, "user", out.Contents[2].Role)

	assert.Equal(t, 256, out.GenerationConfig.MaxOutputTokens)
}

func TestBuildRequest_SanitizesToolSchema(t *testing.T) {
	out, err := buildRequest(geminiReq())
	require.NoError(t, err)

	require.Len(t, out.Tools, 1)
	params := out.Tools[0].FunctionDeclarations[0].Parameters

	assert.NotContains(t, params, "$schema")
	assert.NotContains(t, params, "additionalProperties")
	assert.Equal(t, "object", params["type"])
}

func TestBuildRequest_ImageInlineData(t *testing.T) {
	parts := []service.ContentPart{
		{Type: "image_url", ImageURL: &service.ImageURL{URL: "data:image/jpeg;base64,QUJD"}},
	}
	content, _ := json.Marshal(parts)

	out, err := buildRequest(&service.ChatRequest{
		Messages: []service.Message{{Role: "user", Content: content}},
	})
	require.NoError(t, err)

	require.Len(t, out.Contents, 1)
	inline := out.Contents[0].Parts[0].InlineData
	require.NotNil(t, inline)
	assert.Equal(t, "image/jpeg", inline.MimeType)
	assert.Equal(t, "QUJD", inline.Data)
}

func TestChat_GenerateContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))

		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [{"text": "it is noon"}]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3, "totalTokenCount": 10}
		}`)
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL, "", false, nil)
	require.NoError(t, err)

	resp, err := p.Chat(context.Background(), "gemini-2.5-flash", geminiReq())
	require.NoError(t, err)

	assert.Equal(t, "it is noon", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestChat_FunctionCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [{"functionCall": {"name": "get_time", "args": {"tz": "UTC"}}}]},
				"finishReason": "STOP"
			}]
		}`)
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL, "", false, nil)
	require.NoError(t, err)

	resp, err := p.Chat(context.Background(), "gemini-2.5-flash", geminiReq())
	require.NoError(t, err)

	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "get_time", resp.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"tz":"UTC"}`, resp.ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool_calls", resp.FinishReason)
}

func TestChatStream_AccumulatesText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, ":streamGenerateContent")
		require.Equal(t, "sse", r.URL.Query().Get("alt"))

		lines := []string{
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"tick "}]}}]}`,
			`{"candidates":[{"content":{"role":"model","parts":[{"text":"tock"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":2,"totalTokenCount":7}}`,
		}
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL, "", false, nil)
	require.NoError(t, err)

	chunks, _, err := p.ChatStream(context.Background(), "gemini-2.5-flash", geminiReq())
	require.NoError(t, err)

	var text, finish string
	var usage *service.Usage
	for c := range chunks {
		require.NoError(t, c.Error)
		text += c.Content
		if c.FinishReason != "" {
			finish = c.FinishReason
		}
		if c.Usage != nil {
			usage = c.Usage
		}
	}

	assert.Equal(t, "tick tock", text)
	assert.Equal(t, "stop", finish)
	require.NotNil(t, usage)
	assert.Equal(t, 7, usage.TotalTokens)
}

func TestDiscoverModels_FiltersNonGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1beta/models", r.URL.Path)

		fmt.Fprint(w, `{"models": [
			{"name": "models/gemini-2.5-flash", "inputTokenLimit": 1048576, "supportedGenerationMethods": ["generateContent"]},
			{"name": "models/text-embedding-004", "supportedGenerationMethods": ["embedContent"]}
		]}`)
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL, "", false, nil)
	require.NoError(t, err)

	models, err := p.DiscoverModels(context.Background())
	require.NoError(t, err)

	require.Len(t, models, 1)
	assert.Equal(t, "gemini-2.5-flash", models[0].ID)
	assert.Equal(t, 1048576, models[0].ContextLength)
}
