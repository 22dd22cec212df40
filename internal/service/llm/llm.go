// Package llm constructs per-channel adapters from configuration. Adapter
// kinds are a closed enumeration: adding a provider dialect means adding
// code here, not config.
package llm

import (
	"fmt"

	"github.com/rakunlabs/relai/internal/config"
	"github.com/rakunlabs/relai/internal/service"
	"github.com/rakunlabs/relai/internal/service/llm/antropic"
	"github.com/rakunlabs/relai/internal/service/llm/gemini"
	"github.com/rakunlabs/relai/internal/service/llm/local"
	"github.com/rakunlabs/relai/internal/service/llm/openai"
)

// New builds the adapter for a channel, bound to the given api key.
func New(provider config.Provider, apiKey string) (service.Adapter, error) {
	switch provider.Adapter {
	case "openai":
		return openai.New(apiKey, provider.BaseURL, provider.Proxy, provider.InsecureSkipVerify, provider.DefaultHeaders)
	case "anthropic":
		return antropic.New(apiKey, provider.BaseURL, provider.Proxy, provider.InsecureSkipVerify, provider.DefaultHeaders)
	case "gemini":
		return gemini.New(apiKey, provider.BaseURL, provider.Proxy, provider.InsecureSkipVerify, provider.DefaultHeaders)
	case "local":
		return local.New(provider.BaseURL, provider.DefaultHeaders)
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", provider.Adapter)
	}
}
