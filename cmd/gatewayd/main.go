// Command gatewayd is the presence gateway's process entry point: it loads
// configuration, wires the presence store, registry, gateway, and the
// heartbeat/verification background loops, mounts the WebSocket upgrade path
// and the admin HTTP surface on a single gin.Engine, and serves until
// SIGINT/SIGTERM, adapted from mx-core-go's cmd/server/main.go
// signal-and-graceful-shutdown idiom.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/presencegw/gateway/internal/auth"
	"github.com/presencegw/gateway/internal/config"
	"github.com/presencegw/gateway/internal/gateway"
	"github.com/presencegw/gateway/internal/heartbeat"
	"github.com/presencegw/gateway/internal/httpapi"
	"github.com/presencegw/gateway/internal/logging"
	"github.com/presencegw/gateway/internal/metrics"
	"github.com/presencegw/gateway/internal/presence"
	"github.com/presencegw/gateway/internal/ratelimit"
	"github.com/presencegw/gateway/internal/registry"
	"github.com/presencegw/gateway/internal/verify"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := logging.Init(cfg.Logging, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}

	presenceClient, err := newPresenceClient(ctx, cfg.Presence)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Presence.Backend).Msg("failed to initialize presence store")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := presenceClient.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("presence store close failed")
		}
	}()

	var preAuth *auth.TokenVerifier
	if cfg.WSPreAuthSecret != "" {
		preAuth, err = auth.NewTokenVerifier(cfg.WSPreAuthSecret, time.Duration(cfg.WSPreAuthLeewayMS)*time.Millisecond)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize pre-auth token verifier")
		}
	}

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	reg := registry.New()
	gw := gateway.New(gateway.Config{WSPath: cfg.WSPath}, reg, presenceClient, logger, metricsReg, preAuth)

	sweeper := heartbeat.New(gw, cfg.HeartbeatIntervalMS, cfg.OfflineAfterMS, logger, metricsReg)
	sweeper.Start()
	defer sweeper.Stop()

	reconciler := verify.New(gw, cfg.VerifyIntervalMS, logger, metricsReg)
	reconciler.Start()
	defer reconciler.Stop()

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.Any(cfg.WSPath, gw.HandleUpgrade)

	limiter := ratelimit.New(time.Duration(cfg.RateLimitWindowMS)*time.Millisecond, cfg.RateLimitMax, nil)
	admin := httpapi.NewHandlers(httpapi.Dependencies{
		Gateway:    gw,
		AdminKey:   cfg.AdminKey,
		Env:        cfg.Env,
		CommitHash: cfg.CommitHash,
		Limiter:    limiter,
		Metrics:    metricsReg,
		Registerer: promReg,
		Logger:     logger,
	})
	admin.Register(router)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("ws_path", cfg.WSPath).Msg("gatewayd starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gatewayd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("gatewayd exited")
}

// newPresenceClient selects and constructs the configured presence backend
// (spec §6's PRESENCE_BACKEND switch).
func newPresenceClient(ctx context.Context, cfg config.PresenceConfig) (presence.Client, error) {
	switch cfg.Backend {
	case "redis":
		return presence.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisDB)
	case "mongo":
		return presence.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return presence.NewLocalStore(cfg.LocalStatePath, 30*time.Second)
	}
}
