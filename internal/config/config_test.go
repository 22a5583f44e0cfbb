package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opengate-ai/opengate/internal/sessions"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, 18900, cfg.Gateway.Port)
	require.Equal(t, "main", cfg.ResolveDefaultAgentID())
}

func TestLoadJSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	err := os.WriteFile(path, []byte(`{
		// gateway listener
		gateway: { port: 9100, token: "secret-tok" },
		session: {
			dmScope: "per-peer",
			bindings: [
				{ agentId: "support", match: { channel: "telegram", peer: { kind: "dm", id: "U1" } } },
			],
		},
		agents: { list: { support: { default: true, displayName: "Supportron" } } },
	}`), 0o600)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Gateway.Port)
	require.Equal(t, "secret-tok", cfg.Gateway.Token)
	require.Equal(t, "support", cfg.ResolveDefaultAgentID())
	require.Equal(t, "Supportron", cfg.ResolveDisplayName("support"))

	rc := cfg.RouterConfig()
	require.Equal(t, "per-peer", rc.DMScope)
	require.Len(t, rc.Bindings, 1)
	require.Equal(t, "support", rc.Bindings[0].AgentID)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("OPENGATE_GATEWAY_TOKEN", "env-tok")
	t.Setenv("OPENGATE_TELEGRAM_TOKEN", "tg-tok")
	t.Setenv("OPENGATE_PORT", "9999")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{gateway:{port:9100,token:"file-tok"}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-tok", cfg.Gateway.Token)
	require.Equal(t, 9999, cfg.Gateway.Port)
	require.True(t, cfg.Channels.Telegram.Enabled, "telegram should auto-enable when token set via env")
}

func TestFlexibleStringSliceAcceptsNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{channels:{telegram:{allow_from:[123456, "alice"]}}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, FlexibleStringSlice{"123456", "alice"}, cfg.Channels.Telegram.AllowFrom)
}

func TestMaskedCopyHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "tok"
	cfg.Providers.OpenAI.APIKey = "sk-live"
	cfg.Channels.Discord.Token = "dc"

	cp := cfg.MaskedCopy()
	require.Equal(t, "***", cp.Gateway.Token)
	require.Equal(t, "***", cp.Providers.OpenAI.APIKey)
	require.Equal(t, "***", cp.Channels.Discord.Token)
	require.Equal(t, "tok", cfg.Gateway.Token, "original must be untouched")
}

func TestRouterConfigDefaultsScopeToMain(t *testing.T) {
	cfg := Default()
	rc := cfg.RouterConfig()
	require.Equal(t, sessions.DMScopeMain, rc.DMScope)
	require.Equal(t, "main", rc.DefaultAgent)
}
