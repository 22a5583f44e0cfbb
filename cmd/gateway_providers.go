package cmd

import (
	"fmt"

	"github.com/opengate-ai/opengate/internal/config"
	"github.com/opengate-ai/opengate/internal/providers"
)

// providerSet holds one StreamClient per configured provider, keyed by
// provider name. All four are OpenAI-compatible endpoints.
type providerSet struct {
	clients     map[string]providers.StreamClient
	defaultName string
}

// buildProviders creates clients for every provider with an API key and
// picks the default from agents.defaults.provider.
func buildProviders(cfg *config.Config) (*providerSet, error) {
	ps := &providerSet{clients: make(map[string]providers.StreamClient)}

	model := cfg.Agents.Defaults.Model

	type candidate struct {
		name    string
		cfg     config.ProviderConfig
		apiBase string
	}
	for _, c := range []candidate{
		{"openai", cfg.Providers.OpenAI, ""},
		{"openrouter", cfg.Providers.OpenRouter, "https://openrouter.ai/api/v1"},
		{"groq", cfg.Providers.Groq, "https://api.groq.com/openai/v1"},
		{"deepseek", cfg.Providers.DeepSeek, "https://api.deepseek.com"},
	} {
		if c.cfg.APIKey == "" {
			continue
		}
		apiBase := c.cfg.APIBase
		if apiBase == "" {
			apiBase = c.apiBase
		}
		ps.clients[c.name] = providers.NewOpenAIClient(c.name, c.cfg.APIKey, apiBase, model)
	}

	if len(ps.clients) == 0 {
		return nil, fmt.Errorf("no provider API key configured (set OPENGATE_OPENAI_API_KEY or providers.* in config)")
	}

	ps.defaultName = cfg.Agents.Defaults.Provider
	if _, ok := ps.clients[ps.defaultName]; !ok {
		// Configured default has no key; fall back to any configured one,
		// preferring openai.
		if _, ok := ps.clients["openai"]; ok {
			ps.defaultName = "openai"
		} else {
			for name := range ps.clients {
				ps.defaultName = name
				break
			}
		}
	}
	return ps, nil
}

// Get returns the named client, or nil when not configured.
func (p *providerSet) Get(name string) providers.StreamClient {
	return p.clients[name]
}

// Default returns the default provider client.
func (p *providerSet) Default() providers.StreamClient {
	return p.clients[p.defaultName]
}

// Names lists the configured provider names.
func (p *providerSet) Names() []string {
	out := make([]string, 0, len(p.clients))
	for name := range p.clients {
		out = append(out, name)
	}
	return out
}
