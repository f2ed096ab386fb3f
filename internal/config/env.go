package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadDotenv reads a .env file into the process environment when one exists.
// Real environment variables are never overwritten.
func LoadDotenv() {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("dotenv load failed", "err", err)
		}
		return
	}
	slog.Info("loaded .env file")
}

// applyEnv overlays environment variables onto cfg. Unset variables leave
// the field alone; malformed numeric or boolean values are logged and
// skipped rather than zeroing a working default.
func applyEnv(cfg *Config) {
	envString("AGENTCHAT_ADDR", &cfg.Server.Addr)
	envString("AGENTCHAT_ENV", &cfg.Server.Env)
	envBool("AGENTCHAT_PUBLIC", &cfg.Server.Public)
	envString("AGENTCHAT_BASE_PATH", &cfg.Server.BasePath)
	envString("AGENTCHAT_MOTD", &cfg.Server.Motd)

	envInt64("AGENTCHAT_MSG_GAP_MS", &cfg.Limits.MsgGapMs)
	envInt64("AGENTCHAT_NICK_GAP_MS", &cfg.Limits.NickGapMs)
	envInt("AGENTCHAT_RING_SIZE", &cfg.Limits.RingSize)
	envInt("AGENTCHAT_MAX_INBOX_LINES", &cfg.Limits.MaxInboxLines)

	envInt64("AGENTCHAT_CHALLENGE_TTL_MS", &cfg.Identity.ChallengeTTLMs)
	envInt64("AGENTCHAT_LURK_WINDOW_MS", &cfg.Identity.LurkWindowMs)
	envInt64("AGENTCHAT_VERIFY_TTL_MS", &cfg.Identity.VerifyTTLMs)
	envBool("AGENTCHAT_ALLOWLIST_ONLY", &cfg.Identity.AllowlistOnly)

	envBool("CAPTCHA_ENABLED", &cfg.Captcha.Enabled)
	envInt64("CAPTCHA_TIMEOUT_MS", &cfg.Captcha.TimeoutMs)
	envInt("CAPTCHA_MAX_ATTEMPTS", &cfg.Captcha.MaxAttempts)
	envString("CAPTCHA_DIFFICULTY", &cfg.Captcha.Difficulty)
	envBool("CAPTCHA_SKIP_ALLOWLISTED", &cfg.Captcha.SkipAllowlisted)
	envString("CAPTCHA_FAIL_ACTION", &cfg.Captcha.FailAction)

	envString("AGENTCHAT_REPUTATION_BACKEND", &cfg.Reputation.Backend)

	envString("AGENTCHAT_ADMIN_KEY", &cfg.Admin.Key)
	envString("AGENTCHAT_ADMIN_KEY_HASH", &cfg.Admin.KeyHash)

	envString("HOOK_WEBHOOK_URL", &cfg.Hooks.WebhookURL)
	envString("HOOK_WEBHOOK_SECRET", &cfg.Hooks.WebhookSecret)
	envString("HOOK_TASKS_PROJECT", &cfg.Hooks.TasksProject)
	envString("HOOK_TASKS_LOCATION", &cfg.Hooks.TasksLocation)
	envString("HOOK_TASKS_QUEUE", &cfg.Hooks.TasksQueue)
	envString("HOOK_PUBSUB_PROJECT", &cfg.Hooks.PubSubProject)
	envString("HOOK_PUBSUB_TOPIC", &cfg.Hooks.PubSubTopic)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring malformed boolean env var", "key", key, "value", v)
		return
	}
	*dst = b
}

func envInt64(key string, dst *int64) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("ignoring malformed integer env var", "key", key, "value", v)
		return
	}
	*dst = n
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed integer env var", "key", key, "value", v)
		return
	}
	*dst = n
}
