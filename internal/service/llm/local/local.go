// Package local adapts OpenAI-compatible servers running on this machine
// (Ollama, LM Studio, vLLM). The dialect is identical to the openai
// adapter; only authentication is bypassed and the base URL defaults to
// the Ollama loopback port.
package local

import (
	"github.com/rakunlabs/relai/internal/service/llm/openai"
)

const DefaultBaseURL = "http://localhost:11434/v1"

// Provider is an unauthenticated OpenAI-compatible provider.
type Provider struct {
	*openai.Provider
}

func New(baseURL string, extraHeaders map[string]string) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	p, err := openai.New("", baseURL, "", false, extraHeaders)
	if err != nil {
		return nil, err
	}

	return &Provider{Provider: p}, nil
}
