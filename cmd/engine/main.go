// Command engine is the signal engine's single-process entrypoint. It
// replaces the teacher's NATS-distributed agent swarm (cmd/orchestrator)
// with in-process component wiring: one binary owns the debate
// orchestrator, trade executor, position supervisor, risk gate, broadcast
// sink, and scheduler, wired together through the in-process callback bus
// and database rather than a message-bus round-trip per step.
//
// Startup brings components up in dependency order (db -> venue/snapshot
// -> quota -> LLM panel -> debate -> supervisor (restored) -> executor ->
// broadcast -> scheduler -> HTTP); shutdown stops the HTTP server (bounded
// by a 30s timeout), then the scheduler, then closes the eventbus and the
// database, per spec §5.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/enginefunk/internal/audit"
	"github.com/signalforge/enginefunk/internal/broadcast"
	"github.com/signalforge/enginefunk/internal/bus"
	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/db"
	"github.com/signalforge/enginefunk/internal/debate"
	"github.com/signalforge/enginefunk/internal/eventbus"
	"github.com/signalforge/enginefunk/internal/executor"
	"github.com/signalforge/enginefunk/internal/llm"
	"github.com/signalforge/enginefunk/internal/quota"
	"github.com/signalforge/enginefunk/internal/riskgate"
	"github.com/signalforge/enginefunk/internal/scheduler"
	"github.com/signalforge/enginefunk/internal/snapshot"
	"github.com/signalforge/enginefunk/internal/supervisor"
	"github.com/signalforge/enginefunk/internal/venue"
)

func main() {
	config.InitLogger("info", "console")
	log.Info().Msg("starting signal engine")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, logFormat(cfg.App.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("engine: failed to initialize database")
	}
	breakerMgr := database.GetCircuitBreaker()
	log.Info().Msg("engine: database ready")

	exchangeCfg := cfg.Exchanges["binance"]
	venueClient := venue.New(venue.Config{
		APIKey:      exchangeCfg.APIKey,
		SecretKey:   exchangeCfg.SecretKey,
		Testnet:     exchangeCfg.Testnet,
		RateLimitHz: 10,
	})
	log.Info().Msg("engine: venue adapter ready")

	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	snapshots := snapshot.New(venueClient, redisClient, 60*time.Second)
	log.Info().Msg("engine: market snapshot service ready")

	accountant := quota.New(database, cfg.Quota.DailyCallLimit, cfg.Quota.DailyTokenLimit, quota.Pricing{
		InPer1k:  cfg.Quota.PriceInPer1k,
		OutPer1k: cfg.Quota.PriceOutPer1k,
	})

	roleClients := make(map[string]llm.LLMClient, len(cfg.Debate.Roles))
	for _, role := range cfg.Debate.Roles {
		roleClients[role.Name] = llm.NewClient(llm.ClientConfig{
			Endpoint:    cfg.LLM.Endpoint,
			Model:       role.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     time.Duration(cfg.LLM.Timeout) * time.Millisecond,
		})
	}
	refereeClient := llm.NewFallbackClient(llm.FallbackConfig{
		PrimaryConfig: llm.ClientConfig{
			Endpoint:    cfg.LLM.Endpoint,
			Model:       cfg.Debate.RefereeModel,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.Debate.RefereeTimeout,
		},
		PrimaryName: cfg.Debate.RefereeModel,
		FallbackConfigs: []llm.ClientConfig{{
			Endpoint:    cfg.LLM.Endpoint,
			Model:       cfg.LLM.FallbackModel,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.Debate.RefereeTimeout,
		}},
		FallbackNames:        []string{cfg.LLM.FallbackModel},
		CircuitBreakerConfig: llm.DefaultCircuitBreakerConfig(),
	})
	log.Info().Int("roles", len(roleClients)).Msg("engine: LLM panel ready")

	callbackBus := bus.New()

	var events *eventbus.Bus
	if cfg.NATS.URL != "" {
		events, err = eventbus.Connect(eventbus.Config{NATSURL: cfg.NATS.URL})
		if err != nil {
			log.Warn().Err(err).Msg("engine: eventbus unavailable, continuing without out-of-process fan-out")
		}
	}

	debateOrch := debate.New(cfg.Debate, cfg.Cooldown, accountant, snapshots, roleClients, refereeClient, database, callbackBus, events)

	supervisorSvc := supervisor.New(cfg.Trailing, cfg.Cooldown, venueClient, database, events)
	if err := supervisorSvc.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("engine: failed to restore tracked positions, continuing with an empty set")
	}

	riskSnapshotFn := func() riskgate.Snapshot { return riskgate.NewSnapshot(cfg) }

	// executor.New registers itself onto callbackBus.OnExecute; the
	// executor itself has no further lifecycle methods to call here.
	execSvc := executor.New(cfg.Executor, cfg.Cooldown, cfg.Pyramiding, riskSnapshotFn, venueClient, database, accountant, callbackBus, events, breakerMgr.Exchange(), supervisorSvc)
	execSvc.SetAuditLogger(audit.NewLogger(database.Pool(), cfg.App.Environment != "test"))

	hub := broadcast.New(cfg.Broadcast)
	if events != nil {
		if err := hub.SubscribeEventBus(events); err != nil {
			log.Warn().Err(err).Msg("engine: broadcast sink could not subscribe to eventbus")
		}
	}

	sched := scheduler.New(cfg.Debate, cfg.Executor, debateOrch, supervisorSvc, supervisorSvc, venueClient, database, database, accountant, hub)

	httpSrv := startHTTPServer(cfg, hub)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	log.Info().Msg("engine: all components started")

	<-ctx.Done()
	log.Info().Msg("engine: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("engine: http server shutdown error")
	}

	sched.Stop()
	wg.Wait()

	if events != nil {
		events.Close()
	}
	database.Close()

	log.Info().Msg("engine: shutdown complete")
}

func logFormat(environment string) string {
	if environment == "production" {
		return "json"
	}
	return "console"
}

// startHTTPServer exposes /healthz and the broadcast sink's WS route,
// mirroring the teacher's gin-based HTTP surface (cmd/api/main.go) but
// scoped to this binary's narrow interface: health and one WebSocket feed
// at /ws/market, which carries every broadcast message (market, signal and
// trade events); there is no separate /ws/signals route.
func startHTTPServer(cfg *config.Config, hub *broadcast.Hub) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.App.Environment != "production" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	allowedOrigins := cfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": hub.ClientCount()})
	})
	r.GET("/ws/market", hub.Handler(cfg.Broadcast.AuthToken))

	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("engine: http server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("engine: http surface listening")
	return srv
}
