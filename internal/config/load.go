package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:         "~/.opengate/workspace",
				Provider:          "openai",
				Model:             "gpt-4o",
				MaxTokens:         8192,
				Temperature:       0.7,
				MaxToolIterations: 24,
			},
		},
		Gateway: GatewayConfig{
			Host:            "127.0.0.1",
			Port:            18900,
			AuthMode:        "token",
			MaxMessageChars: 32000,
		},
		StateDir: "~/.opengate/state",
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A
// missing file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("OPENGATE_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("OPENGATE_OPENROUTER_API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("OPENGATE_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("OPENGATE_DEEPSEEK_API_KEY", &c.Providers.DeepSeek.APIKey)

	envStr("OPENGATE_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("OPENGATE_GATEWAY_PASSWORD", &c.Gateway.Password)
	envStr("OPENGATE_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("OPENGATE_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("OPENGATE_WSBRIDGE_URL", &c.Channels.WSBridge.URL)
	envStr("OPENGATE_WSBRIDGE_TOKEN", &c.Channels.WSBridge.Token)

	// Credentials via env auto-enable the channel.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}
	if c.Channels.WSBridge.URL != "" {
		c.Channels.WSBridge.Enabled = true
	}

	envStr("OPENGATE_PROVIDER", &c.Agents.Defaults.Provider)
	envStr("OPENGATE_MODEL", &c.Agents.Defaults.Model)
	envStr("OPENGATE_WORKSPACE", &c.Agents.Defaults.Workspace)
	envStr("OPENGATE_STATE_DIR", &c.StateDir)

	envStr("OPENGATE_HOST", &c.Gateway.Host)
	if v := os.Getenv("OPENGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Agents.Defaults.Workspace)
}

// StatePath returns the expanded state directory path.
func (c *Config) StatePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.StateDir)
}

// EnsureStateDirs creates the state directory tree with owner-only
// permissions.
func (c *Config) EnsureStateDirs() error {
	root := c.StatePath()
	for _, d := range []string{root, filepath.Join(root, "sessions"), filepath.Join(root, "cron"), filepath.Join(root, "cron", "runs")} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
