package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opengate-ai/opengate/internal/sessions"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON; chat ids
// arrive as numbers from some clients.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the OpenGate gateway.
type Config struct {
	Agents   AgentsConfig   `json:"agents"`
	Session  SessionConfig  `json:"session"`
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`

	Providers ProvidersConfig `json:"providers"`

	// StateDir holds sessions/, cron/, identity_links.json and
	// workspace-state.json. Defaults to ~/.opengate/state.
	StateDir string `json:"state_dir,omitempty"`

	mu sync.RWMutex
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace         string  `json:"workspace"`
	Provider          string  `json:"provider"`
	Model             string  `json:"model"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	MaxToolIterations int     `json:"max_tool_iterations"`
}

// AgentSpec is a per-agent configuration override. Zero values inherit
// from defaults.
type AgentSpec struct {
	DisplayName string   `json:"displayName,omitempty"`
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Workspace   string   `json:"workspace,omitempty"`
	Skills      []string `json:"skills,omitempty"` // nil = all skills allowed
	Default     bool     `json:"default,omitempty"`
}

// SessionConfig controls session key scoping and agent bindings.
type SessionConfig struct {
	DMScope  string             `json:"dmScope,omitempty"` // "main" (default) or "per-peer"
	Bindings []sessions.Binding `json:"bindings,omitempty"`
}

// GatewayConfig configures the WebSocket listener and its auth.
type GatewayConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	AuthMode string `json:"auth_mode,omitempty"` // "token" (default) or "password"
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`

	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // WS origin whitelist (empty = allow all)
	MaxMessageChars int      `json:"max_message_chars,omitempty"` // max user message characters (default 32000)
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty"`    // per-connection RPC rate (default 0 = disabled)

	InboundDebounceMs int `json:"inbound_debounce_ms,omitempty"` // merge rapid messages from same peer (default 2000, -1 = disabled)
}

// ChannelsConfig holds per-adapter channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WSBridge WSBridgeConfig `json:"wsbridge"`
}

// TelegramConfig configures the Telegram bot adapter.
type TelegramConfig struct {
	Enabled               bool                `json:"enabled"`
	Token                 string              `json:"token"`
	AllowFrom             FlexibleStringSlice `json:"allow_from,omitempty"`
	AlwaysGroupActivation bool                `json:"always_group_activation,omitempty"`
	MentionPatterns       []string            `json:"mention_patterns,omitempty"`
}

// DiscordConfig configures the Discord bot adapter.
type DiscordConfig struct {
	Enabled               bool                `json:"enabled"`
	Token                 string              `json:"token"`
	AllowFrom             FlexibleStringSlice `json:"allow_from,omitempty"`
	AlwaysGroupActivation bool                `json:"always_group_activation,omitempty"`
	MentionPatterns       []string            `json:"mention_patterns,omitempty"`
}

// WSBridgeConfig configures the generic WebSocket relay adapter.
type WSBridgeConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Token   string `json:"token,omitempty"`
	Name    string `json:"name,omitempty"` // channel name on the bus (default "wsbridge")
}

// ProvidersConfig holds LLM provider credentials. All OpenAI-compatible.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	DeepSeek   ProviderConfig `json:"deepseek"`
}

// ProviderConfig is one provider's credentials and endpoint.
type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// DefaultAgentID is used when no agent is marked default.
const DefaultAgentID = "main"

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "main" if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveAgent returns the effective settings for an agent ID, merging
// defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.Provider != "" {
			d.Provider = spec.Provider
		}
		if spec.Model != "" {
			d.Model = spec.Model
		}
		if spec.MaxTokens > 0 {
			d.MaxTokens = spec.MaxTokens
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
		if spec.Workspace != "" {
			d.Workspace = spec.Workspace
		}
	}
	return d
}

// ResolveDisplayName returns the display name for an agent, used for
// group mention matching. Falls back to "OpenGate".
func (c *Config) ResolveDisplayName(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.DisplayName != "" {
		return spec.DisplayName
	}
	return "OpenGate"
}

// RouterConfig builds the routing engine's view of the config.
func (c *Config) RouterConfig() sessions.RouterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	scope := c.Session.DMScope
	if scope == "" {
		scope = sessions.DMScopeMain
	}
	return sessions.RouterConfig{
		DefaultAgent: c.resolveDefaultAgentLocked(),
		DMScope:      scope,
		Bindings:     c.Session.Bindings,
	}
}

func (c *Config) resolveDefaultAgentLocked() string {
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ReplaceFrom copies all data fields from src into c, preserving c's
// mutex. Used by the config watcher on reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Session = src.Session
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.Providers = src.Providers
	c.StateDir = src.StateDir
}

const secretMask = "***"

// MaskedCopy returns a deep copy with all secret fields masked. Used by
// config.get so WS clients never see credentials.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Gateway.Password)
	maskNonEmpty(&cp.Channels.Telegram.Token)
	maskNonEmpty(&cp.Channels.Discord.Token)
	maskNonEmpty(&cp.Channels.WSBridge.Token)
	maskNonEmpty(&cp.Providers.OpenAI.APIKey)
	maskNonEmpty(&cp.Providers.OpenRouter.APIKey)
	maskNonEmpty(&cp.Providers.Groq.APIKey)
	maskNonEmpty(&cp.Providers.DeepSeek.APIKey)
	return cp
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}
