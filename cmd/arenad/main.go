package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/latticechess/arena-core/internal/adminhttp"
	appcfg "github.com/latticechess/arena-core/internal/config"
	"github.com/latticechess/arena-core/internal/durablestore/pgdurable"
	"github.com/latticechess/arena-core/internal/eventbus"
	"github.com/latticechess/arena-core/internal/eventbus/natsbus"
	"github.com/latticechess/arena-core/internal/gamecore"
	"github.com/latticechess/arena-core/internal/livestore/redislive"
	"github.com/latticechess/arena-core/internal/matchmaker"
	"github.com/latticechess/arena-core/internal/metrics"
	"github.com/latticechess/arena-core/internal/obslog"
	"github.com/latticechess/arena-core/internal/pipeline"
	"github.com/latticechess/arena-core/internal/telemetry"
	"github.com/latticechess/arena-core/internal/timemanager"
	"github.com/latticechess/arena-core/internal/wsserver"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logging init error: %v", err)
	}
	logger := obslog.L()
	logger.Info("arenad_starting", zap.String("node_id", cfg.NodeID))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "arena-core", cfg.ZipkinEndpoint, cfg.TracingEnabled)
	if err != nil {
		logger.Fatal("telemetry_init_failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	registry := prometheus.NewRegistry()
	var rec metrics.Recorder = metrics.Noop{}
	if cfg.MetricsEnabled {
		rec = metrics.New(registry)
	}

	gameTypes, err := appcfg.LoadGameTypes(cfg.GameTypesFile)
	if err != nil {
		logger.Fatal("game_types_load_failed", zap.Error(err))
	}

	live, err := redislive.Dial(cfg.RedisURL)
	if err != nil {
		logger.Fatal("livestore_dial_failed", zap.Error(err))
	}
	defer live.Close()
	if err := live.Ping(ctx); err != nil {
		logger.Fatal("livestore_ping_failed", zap.Error(err))
	}

	durable, err := pgdurable.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("durablestore_open_failed", zap.Error(err))
	}
	defer durable.Close()
	migrateCtx, cancel := context.WithTimeout(ctx, cfg.DurableOpTimeout)
	if err := durable.Migrate(migrateCtx); err != nil {
		logger.Fatal("durablestore_migrate_failed", zap.Error(err))
	}
	cancel()

	bus, err := natsbus.Connect(cfg.NatsURL, cfg.NodeID)
	if err != nil {
		logger.Fatal("eventbus_connect_failed", zap.Error(err))
	}
	defer bus.Close()

	games := gamecore.New(live, durable, bus, rec, cfg.NodeID)
	mm := matchmaker.New(live, durable, games, bus, rec)

	verifier := wsserver.HMACVerifier{Secret: []byte(cfg.JWTSecret)}
	router := newRouter(mm, games, gameTypes, rec, cfg.NodeID, live)
	wsSrv := wsserver.New(verifier, router.Handle, router.OnConnect, router.OnDisconnect)
	router.wsServer = wsSrv

	tm := timemanager.New(live, games, rec, router)
	router.timeManager = tm
	mm.SetTracker(tm)
	go tm.Run(ctx)
	defer tm.Stop()

	pipe := pipeline.New(bus, durable, rec)
	if err := pipe.Start(ctx); err != nil {
		logger.Fatal("pipeline_start_failed", zap.Error(err))
	}
	defer pipe.Stop()

	for _, topic := range []eventbus.Topic{eventbus.TopicMoveMade, eventbus.TopicGameStarted, eventbus.TopicGameEnded} {
		if _, err := bus.Subscribe(ctx, topic, router.onRemoteEvent); err != nil {
			logger.Warn("eventbus_subscribe_failed", zap.String("topic", string(topic)), zap.Error(err))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", wsSrv)
	gameServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	adminSrv := adminhttp.New(cfg.AdminListenAddr, registry, map[string]adminhttp.HealthCheck{
		"livestore":    live.Ping,
		"durablestore": durable.Ping,
	})

	go func() {
		logger.Info("game_server_listening", zap.String("addr", cfg.ListenAddr))
		if err := gameServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("game_server_error", zap.Error(err))
		}
	}()

	go func() {
		if err := adminSrv.ListenAndServe(ctx); err != nil {
			logger.Error("admin_server_error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("arenad_shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = gameServer.Shutdown(shutdownCtx)
}
