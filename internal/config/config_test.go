package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(1000), cfg.Limits.MsgGapMs)
	assert.Equal(t, int64(30_000), cfg.Limits.NickGapMs)
	assert.False(t, cfg.Server.Public)
	assert.False(t, cfg.Captcha.Enabled)
	assert.Equal(t, "memory", cfg.Reputation.Backend)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Limits, cfg.Limits)
}

func TestLoadMissingNamedFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  addr: ":9999"
  env: production
  public: true
  motd: "welcome, agents"
limits:
  msg_gap_ms: 250
captcha:
  enabled: true
  difficulty: hard
channels:
  defaults: ["#general", "#market"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "production", cfg.Server.Env)
	assert.True(t, cfg.Server.Public)
	assert.Equal(t, "welcome, agents", cfg.Server.Motd)
	assert.Equal(t, int64(250), cfg.Limits.MsgGapMs)
	assert.True(t, cfg.Captcha.Enabled)
	assert.Equal(t, "hard", cfg.Captcha.Difficulty)
	assert.Equal(t, []string{"#general", "#market"}, cfg.Channels.Defaults)

	// Untouched sections keep their defaults.
	assert.Equal(t, int64(30_000), cfg.Limits.NickGapMs)
	assert.Equal(t, 3, cfg.Captcha.MaxAttempts)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o644))

	t.Setenv("AGENTCHAT_ADDR", ":7777")
	t.Setenv("AGENTCHAT_PUBLIC", "true")
	t.Setenv("CAPTCHA_ENABLED", "1")
	t.Setenv("CAPTCHA_FAIL_ACTION", "shadow_lurk")
	t.Setenv("AGENTCHAT_ADMIN_KEY", "swordfish")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.True(t, cfg.Server.Public)
	assert.True(t, cfg.Captcha.Enabled)
	assert.Equal(t, "shadow_lurk", cfg.Captcha.FailAction)
	assert.Equal(t, "swordfish", cfg.Admin.Key)
}

func TestMalformedEnvValueIsIgnored(t *testing.T) {
	t.Setenv("AGENTCHAT_MSG_GAP_MS", "soon")
	t.Setenv("AGENTCHAT_PUBLIC", "yes please")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), cfg.Limits.MsgGapMs)
	assert.False(t, cfg.Server.Public)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad env", func(c *Config) { c.Server.Env = "staging" }},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"bad difficulty", func(c *Config) { c.Captcha.Difficulty = "impossible" }},
		{"bad fail action", func(c *Config) { c.Captcha.FailAction = "ban" }},
		{"zero attempts", func(c *Config) { c.Captcha.MaxAttempts = 0 }},
		{"bad backend", func(c *Config) { c.Reputation.Backend = "dynamo" }},
		{"bad default channel", func(c *Config) { c.Channels.Defaults = []string{"general"} }},
		{"zero vote timeout", func(c *Config) { c.Arbitration.VoteTimeoutMs = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
