// Package config loads server configuration: a YAML file for the stable
// shape, environment variables for deploy-time overrides and secrets. Env
// always wins over YAML; both win over the built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Limits      LimitsConfig      `yaml:"limits"`
	Identity    IdentityConfig    `yaml:"identity"`
	Captcha     CaptchaConfig     `yaml:"captcha"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Proposals   ProposalsConfig   `yaml:"proposals"`
	Arbitration ArbitrationConfig `yaml:"arbitration"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	Admin       AdminConfig       `yaml:"admin"`
	Hooks       HooksConfig       `yaml:"hooks"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	Env      string `yaml:"env"`
	Public   bool   `yaml:"public"`
	BasePath string `yaml:"base_path"`
	Motd     string `yaml:"motd"`
}

type LimitsConfig struct {
	MsgGapMs      int64 `yaml:"msg_gap_ms"`
	NickGapMs     int64 `yaml:"nick_gap_ms"`
	RingSize      int   `yaml:"ring_size"`
	MaxChannels   int   `yaml:"max_channels"`
	MaxInboxLines int   `yaml:"max_inbox_lines"`
}

type IdentityConfig struct {
	ChallengeTTLMs int64 `yaml:"challenge_ttl_ms"`
	LurkWindowMs   int64 `yaml:"lurk_window_ms"`
	VerifyTTLMs    int64 `yaml:"verify_ttl_ms"`
	AllowlistOnly  bool  `yaml:"allowlist_only"`
}

type CaptchaConfig struct {
	Enabled         bool   `yaml:"enabled"`
	TimeoutMs       int64  `yaml:"timeout_ms"`
	MaxAttempts     int    `yaml:"max_attempts"`
	Difficulty      string `yaml:"difficulty"`
	SkipAllowlisted bool   `yaml:"skip_allowlisted"`
	FailAction      string `yaml:"fail_action"`
}

type ChannelsConfig struct {
	Defaults []string `yaml:"defaults"`
}

type ProposalsConfig struct {
	DefaultTTLMs int64 `yaml:"default_ttl_ms"`
	SweepMs      int64 `yaml:"sweep_ms"`
}

type ArbitrationConfig struct {
	RevealTimeoutMs   int64 `yaml:"reveal_timeout_ms"`
	ResponseTimeoutMs int64 `yaml:"response_timeout_ms"`
	EvidenceTimeoutMs int64 `yaml:"evidence_timeout_ms"`
	VoteTimeoutMs     int64 `yaml:"vote_timeout_ms"`
}

type ReputationConfig struct {
	Backend string `yaml:"backend"`
}

// AdminConfig gates the ADMIN_* operations. The plain key is env-only; the
// bcrypt hash may live in the file and is preferred when both are set.
type AdminConfig struct {
	Key     string `yaml:"-"`
	KeyHash string `yaml:"key_hash"`
}

type HooksConfig struct {
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
	TasksProject  string `yaml:"tasks_project"`
	TasksLocation string `yaml:"tasks_location"`
	TasksQueue    string `yaml:"tasks_queue"`
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

// Default returns the configuration the server runs with when nothing else
// is provided: loopback-only, captcha off, in-memory reputation.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8080",
			Env:      "development",
			BasePath: "./data",
		},
		Limits: LimitsConfig{
			MsgGapMs:      1000,
			NickGapMs:     30_000,
			RingSize:      50,
			MaxChannels:   200,
			MaxInboxLines: 1000,
		},
		Identity: IdentityConfig{
			ChallengeTTLMs: 60_000,
			LurkWindowMs:   3_600_000,
			VerifyTTLMs:    120_000,
		},
		Captcha: CaptchaConfig{
			Enabled:     false,
			TimeoutMs:   120_000,
			MaxAttempts: 3,
			Difficulty:  "medium",
			FailAction:  "disconnect",
		},
		Channels: ChannelsConfig{
			Defaults: []string{"#general"},
		},
		Proposals: ProposalsConfig{
			DefaultTTLMs: 86_400_000,
			SweepMs:      30_000,
		},
		Arbitration: ArbitrationConfig{
			RevealTimeoutMs:   5 * 60 * 1000,
			ResponseTimeoutMs: 10 * 60 * 1000,
			EvidenceTimeoutMs: 30 * 60 * 1000,
			VoteTimeoutMs:     30 * 60 * 1000,
		},
		Reputation: ReputationConfig{
			Backend: "memory",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then the environment overlay. A named
// file that cannot be read is an error; env-only deployments pass "".
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch c.Server.Env {
	case "development", "production":
	default:
		return fmt.Errorf("server.env must be development or production, got %q", c.Server.Env)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Limits.MsgGapMs < 0 || c.Limits.NickGapMs < 0 {
		return fmt.Errorf("limits gaps must not be negative")
	}
	if c.Limits.RingSize < 0 {
		return fmt.Errorf("limits.ring_size must not be negative")
	}
	if c.Identity.ChallengeTTLMs <= 0 || c.Identity.VerifyTTLMs <= 0 {
		return fmt.Errorf("identity TTLs must be positive")
	}
	if c.Identity.LurkWindowMs < 0 {
		return fmt.Errorf("identity.lurk_window_ms must not be negative")
	}
	switch c.Captcha.Difficulty {
	case "easy", "medium", "hard":
	default:
		return fmt.Errorf("captcha.difficulty must be easy, medium or hard, got %q", c.Captcha.Difficulty)
	}
	switch c.Captcha.FailAction {
	case "disconnect", "shadow_lurk":
	default:
		return fmt.Errorf("captcha.fail_action must be disconnect or shadow_lurk, got %q", c.Captcha.FailAction)
	}
	if c.Captcha.MaxAttempts < 1 {
		return fmt.Errorf("captcha.max_attempts must be at least 1")
	}
	if c.Captcha.TimeoutMs <= 0 {
		return fmt.Errorf("captcha.timeout_ms must be positive")
	}
	for _, name := range c.Channels.Defaults {
		if !strings.HasPrefix(name, "#") {
			return fmt.Errorf("channels.defaults entry %q must start with #", name)
		}
	}
	if c.Proposals.DefaultTTLMs <= 0 || c.Proposals.SweepMs <= 0 {
		return fmt.Errorf("proposals timings must be positive")
	}
	if c.Arbitration.RevealTimeoutMs <= 0 || c.Arbitration.ResponseTimeoutMs <= 0 ||
		c.Arbitration.EvidenceTimeoutMs <= 0 || c.Arbitration.VoteTimeoutMs <= 0 {
		return fmt.Errorf("arbitration timeouts must be positive")
	}
	switch c.Reputation.Backend {
	case "memory", "redis", "postgres", "spanner":
	default:
		return fmt.Errorf("reputation.backend must be memory, redis, postgres or spanner, got %q", c.Reputation.Backend)
	}
	return nil
}
