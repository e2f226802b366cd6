package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/upb/fitchat-gateway/services/providers"
	"gopkg.in/yaml.v3"
)

// PriceEntry is one row of the price table, in USD per million tokens.
// Model "*" matches any model of the provider.
type PriceEntry struct {
	Provider         string  `yaml:"provider"`
	Model            string  `yaml:"model"`
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ProvidersFile is the on-disk provider chain and price table. Credentials
// are never stored here, only the name of the variable holding them.
type ProvidersFile struct {
	Providers []providers.ProviderConfig `yaml:"providers"`
	Pricing   []PriceEntry               `yaml:"pricing"`
}

// DefaultProvidersFile is used when no file is present: the four supported
// vendors in their default order, keyed by the conventional env variables.
func DefaultProvidersFile() *ProvidersFile {
	return &ProvidersFile{
		Providers: []providers.ProviderConfig{
			{
				Name: "openai", Vendor: "openai", Priority: 1,
				APIKeyEnv: "OPENAI_API_KEY", Model: "gpt-4o-mini",
				Capabilities: providers.Capabilities{SupportsTools: true, MaxContextTokens: 128000},
			},
			{
				Name: "groq", Vendor: "groq", Priority: 2,
				APIKeyEnv: "GROQ_API_KEY", Model: "llama-3.1-8b-instant",
				Capabilities: providers.Capabilities{SupportsTools: true, MaxContextTokens: 131072},
			},
			{
				Name: "gemini", Vendor: "gemini", Priority: 3,
				APIKeyEnv: "GEMINI_API_KEY", Model: "gemini-1.5-flash",
				Capabilities: providers.Capabilities{SupportsTools: true, MaxContextTokens: 1000000},
			},
			{
				Name: "anthropic", Vendor: "anthropic", Priority: 4,
				APIKeyEnv: "ANTHROPIC_API_KEY", Model: "claude-3-5-haiku-latest",
				MaxOutputTokens: 1024,
				Capabilities:    providers.Capabilities{SupportsTools: true, MaxContextTokens: 200000},
			},
		},
		Pricing: []PriceEntry{
			{Provider: "openai", Model: "gpt-4o-mini", InputPerMillion: 0.15, OutputPerMillion: 0.60},
			{Provider: "groq", Model: "*", InputPerMillion: 0.05, OutputPerMillion: 0.08},
			{Provider: "gemini", Model: "gemini-1.5-flash", InputPerMillion: 0.075, OutputPerMillion: 0.30},
			{Provider: "anthropic", Model: "claude-3-5-haiku-latest", InputPerMillion: 0.80, OutputPerMillion: 4.00},
		},
	}
}

// LoadProvidersFile reads the provider chain from path, falling back to the
// defaults when the file does not exist.
func LoadProvidersFile(path string) (*ProvidersFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultProvidersFile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %s: %w", path, err)
	}
	return ParseProvidersFile(data)
}

// ParseProvidersFile decodes and checks a providers document
func ParseProvidersFile(data []byte) (*ProvidersFile, error) {
	var file ProvidersFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}

	for i, p := range file.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d: name is required", i)
		}
		switch p.Vendor {
		case "openai", "groq", "gemini", "anthropic":
		default:
			return nil, fmt.Errorf("provider %s: unknown vendor %q", p.Name, p.Vendor)
		}
		if p.Model == "" {
			return nil, fmt.Errorf("provider %s: model is required", p.Name)
		}
		if p.APIKeyEnv == "" {
			return nil, fmt.Errorf("provider %s: api_key_env is required", p.Name)
		}
	}
	for i, price := range file.Pricing {
		if price.Provider == "" || price.Model == "" {
			return nil, fmt.Errorf("pricing %d: provider and model are required", i)
		}
		if price.InputPerMillion < 0 || price.OutputPerMillion < 0 {
			return nil, fmt.Errorf("pricing %s/%s: rates must not be negative", price.Provider, price.Model)
		}
	}
	return &file, nil
}

// Resolve fills each provider's API key from getenv and drops providers
// without one. The price table is returned unchanged.
func (f *ProvidersFile) Resolve(getenv func(string) string) ([]providers.ProviderConfig, []PriceEntry) {
	resolved := make([]providers.ProviderConfig, 0, len(f.Providers))
	for _, p := range f.Providers {
		p.APIKey = getenv(p.APIKeyEnv)
		if p.APIKey == "" {
			continue
		}
		resolved = append(resolved, p)
	}
	return resolved, f.Pricing
}
