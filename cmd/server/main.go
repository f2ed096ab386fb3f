package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver for the reputation backend

	"github.com/agentchat/server/internal/api"
	"github.com/agentchat/server/internal/arbitration"
	"github.com/agentchat/server/internal/captcha"
	"github.com/agentchat/server/internal/channel"
	"github.com/agentchat/server/internal/config"
	"github.com/agentchat/server/internal/database"
	"github.com/agentchat/server/internal/evidence"
	"github.com/agentchat/server/internal/fabric"
	"github.com/agentchat/server/internal/handlers"
	"github.com/agentchat/server/internal/hooks"
	"github.com/agentchat/server/internal/identity"
	"github.com/agentchat/server/internal/metrics"
	"github.com/agentchat/server/internal/proposal"
	"github.com/agentchat/server/internal/protocol"
	"github.com/agentchat/server/internal/reputation"
	"github.com/agentchat/server/internal/roster"
	"github.com/agentchat/server/internal/skills"
	"github.com/agentchat/server/internal/timers"
)

func main() {
	config.LoadDotenv()

	cfg, err := config.Load(os.Getenv("AGENTCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("starting agentchat server (env %s, addr %s)", cfg.Server.Env, cfg.Server.Addr)

	base := cfg.Server.BasePath
	if err := os.MkdirAll(base, 0o755); err != nil {
		log.Fatalf("base path %s: %v", base, err)
	}

	// Identity and moderation state, file-backed under the base path.
	firstSeen, err := identity.LoadFirstSeen(
		filepath.Join(base, "first_seen.json"),
		time.Duration(cfg.Identity.LurkWindowMs)*time.Millisecond)
	if err != nil {
		log.Fatalf("first-seen ledger: %v", err)
	}
	ros, err := roster.LoadRoster(base)
	if err != nil {
		log.Fatalf("roster: %v", err)
	}
	if unwatch, err := ros.Watch(); err != nil {
		log.Printf("roster hot reload disabled: %v", err)
	} else {
		defer unwatch()
	}
	reg, err := skills.LoadRegistry(filepath.Join(base, "skills.json"))
	if err != nil {
		log.Fatalf("skills registry: %v", err)
	}

	channels := channel.NewStore(cfg.Limits.RingSize, cfg.Limits.MaxChannels)
	channels.EnsureDefaults(time.Now().UnixMilli(), cfg.Channels.Defaults...)

	rep, err := reputation.NewStore(reputationConfig(cfg))
	if err != nil {
		log.Fatalf("reputation backend (%s): %v", cfg.Reputation.Backend, err)
	}
	defer rep.Close()
	log.Printf("reputation backend: %s", cfg.Reputation.Backend)

	met := metrics.NewMetrics()

	// Supabase is optional: when configured it archives evidence chains and
	// persistent agent profiles off-box.
	var profiles *database.SupabaseClient
	var archiver evidence.Archiver
	if os.Getenv("SUPABASE_URL") != "" {
		client, err := database.NewSupabaseClient()
		if err != nil {
			log.Printf("supabase disabled: %v", err)
		} else {
			profiles = client
			archiver = database.NewEvidenceArchive(client)
			log.Printf("supabase archival enabled")
		}
	}
	vault := evidence.NewVault(archiver)

	emitter := buildHooks(cfg, met)
	defer emitter.Shutdown()

	challenges := identity.NewChallengeStore(time.Duration(cfg.Identity.ChallengeTTLMs) * time.Millisecond)
	defer challenges.Stop()
	tms := timers.NewStore()
	defer tms.Shutdown()

	hub := fabric.NewHub()
	hub.SetPublic(cfg.Server.Public)

	proposals := proposal.NewStore()
	timeouts := arbitration.Timeouts{
		Reveal:   time.Duration(cfg.Arbitration.RevealTimeoutMs) * time.Millisecond,
		Response: time.Duration(cfg.Arbitration.ResponseTimeoutMs) * time.Millisecond,
		Evidence: time.Duration(cfg.Arbitration.EvidenceTimeoutMs) * time.Millisecond,
		Vote:     time.Duration(cfg.Arbitration.VoteTimeoutMs) * time.Millisecond,
	}
	disputes := arbitration.NewStore(timeouts)

	router := handlers.New(handlers.Deps{
		Hub:        hub,
		Challenges: challenges,
		FirstSeen:  firstSeen,
		PeerVerify: identity.NewPeerVerifyStore(time.Duration(cfg.Identity.VerifyTTLMs) * time.Millisecond),
		Captchas:   captcha.NewStore(time.Duration(cfg.Captcha.TimeoutMs)*time.Millisecond, cfg.Captcha.MaxAttempts),
		CaptchaGen: captcha.NewGenerator(time.Now().UnixNano()),
		Roster:     ros,
		Skills:     reg,
		Channels:   channels,
		Proposals:  proposals,
		Disputes:   disputes,
		Reputation: rep,
		Vault:      vault,
		Hooks:      emitter,
		Timers:     tms,
		Metrics:    met,
		Inbox:      fabric.NewInbox(filepath.Join(base, "inbox.jsonl"), cfg.Limits.MaxInboxLines),
		Profiles:   profiles,
		Options: handlers.Options{
			MsgGapMs:  cfg.Limits.MsgGapMs,
			NickGapMs: cfg.Limits.NickGapMs,
			Motd:      cfg.Server.Motd,

			AllowlistOnly: cfg.Identity.AllowlistOnly,

			CaptchaEnabled:         cfg.Captcha.Enabled,
			CaptchaDifficulty:      captcha.ParseDifficulty(cfg.Captcha.Difficulty),
			CaptchaFailAction:      captcha.ParseFailAction(cfg.Captcha.FailAction),
			CaptchaSkipAllowlisted: cfg.Captcha.SkipAllowlisted,
			CaptchaTTL:             time.Duration(cfg.Captcha.TimeoutMs) * time.Millisecond,

			VerifyTTL:     time.Duration(cfg.Identity.VerifyTTLMs) * time.Millisecond,
			ProposalTTLMs: cfg.Proposals.DefaultTTLMs,
			Timeouts:      timeouts,

			AdminKey:     cfg.Admin.Key,
			AdminKeyHash: cfg.Admin.KeyHash,
		},
	})
	hub.SetHandler(router)

	// Pending proposals expire in the background; both parties get notified.
	sweeper := proposal.NewSweeper(proposals, time.Duration(cfg.Proposals.SweepMs)*time.Millisecond, router.NotifyExpired)
	sweeper.Start()

	sidecar := api.NewServer(api.Deps{
		Hub:        hub,
		Router:     router,
		Channels:   channels,
		Proposals:  proposals,
		Disputes:   disputes,
		Vault:      vault,
		Reputation: rep,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- sidecar.Start(cfg.Server.Addr) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Fatalf("http server: %v", err)
		}
		return
	}

	sweeper.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sidecar.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	hub.Shutdown(protocol.MustEncode(protocol.NewError(protocol.ErrServerShutdown, "server shutting down")))
	log.Printf("shutdown complete")
}

// reputationConfig maps the config file's backend choice onto the store
// factory; connection details and secrets stay env-only.
func reputationConfig(cfg *config.Config) reputation.Config {
	redisDB := 0
	if v := os.Getenv("REPUTATION_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}
	return reputation.Config{
		Backend:         cfg.Reputation.Backend,
		RedisAddr:       os.Getenv("REPUTATION_REDIS_ADDR"),
		RedisPassword:   os.Getenv("REPUTATION_REDIS_PASSWORD"),
		RedisDB:         redisDB,
		PostgresDSN:     os.Getenv("REPUTATION_POSTGRES_DSN"),
		SpannerProject:  os.Getenv("SPANNER_PROJECT_ID"),
		SpannerInstance: os.Getenv("SPANNER_INSTANCE_ID"),
		SpannerDatabase: os.Getenv("SPANNER_DATABASE_ID"),
	}
}

// buildHooks stacks the configured sinks: the log sink and the metrics sink
// always run; webhook delivery goes through Cloud Tasks when a queue is
// configured, direct otherwise; a Pub/Sub topic sink joins when set.
func buildHooks(cfg *config.Config, met *metrics.Metrics) hooks.Emitter {
	sinks := hooks.Multi{hooks.LogSink{}, met.EventSink()}

	h := cfg.Hooks
	switch {
	case h.WebhookURL != "" && h.TasksProject != "" && h.TasksQueue != "":
		d, err := hooks.NewCloudTasksDispatcher(h.TasksProject, h.TasksLocation, h.TasksQueue, h.WebhookURL, h.WebhookSecret, 2)
		if err != nil {
			log.Printf("cloud tasks dispatcher unavailable, delivering direct: %v", err)
			sinks = append(sinks, hooks.NewWebhookDispatcher(h.WebhookURL, h.WebhookSecret, 4))
		} else {
			sinks = append(sinks, d)
		}
	case h.WebhookURL != "":
		sinks = append(sinks, hooks.NewWebhookDispatcher(h.WebhookURL, h.WebhookSecret, 4))
	}

	if h.PubSubProject != "" && h.PubSubTopic != "" {
		s, err := hooks.NewPubSubSink(h.PubSubProject, h.PubSubTopic)
		if err != nil {
			log.Printf("pubsub sink unavailable: %v", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	return sinks
}
