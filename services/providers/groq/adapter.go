// Package groq configures the OpenAI-compatible adapter for Groq's endpoint.
package groq

import (
	"github.com/upb/fitchat-gateway/services/providers"
	"github.com/upb/fitchat-gateway/services/providers/openai"
)

const defaultBaseURL = "https://api.groq.com/openai/v1"

// NewAdapter creates an adapter speaking the OpenAI wire format to Groq
func NewAdapter(config providers.ProviderConfig, transport *providers.Transport) *openai.Adapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Name == "" {
		config.Name = "groq"
	}
	if transport == nil {
		transport = providers.NewTransport(config, nil, openai.DecodeError)
	}
	return openai.NewAdapter(config, transport)
}
