package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"benchboard/internal/bootstrap"
	"benchboard/internal/common/cache"
	"benchboard/internal/common/metrics"
	"benchboard/internal/dispatch"
	"benchboard/internal/identity"
	"benchboard/internal/leaderboard"
	leaderboardController "benchboard/internal/leaderboard/controller"
	"benchboard/internal/server"
	"benchboard/internal/submission/controller"
	"benchboard/internal/submission/repository"
	"benchboard/internal/submission/service"
	"benchboard/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/submit_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx := context.Background()

	verifier, err := identity.NewJWTVerifier(appCfg.Identity)
	if err != nil {
		logger.Error(ctx, "init identity verifier failed", zap.Error(err))
		return
	}

	baseStore, closeStore, err := bootstrap.OpenStore(ctx, appCfg.Database)
	if err != nil {
		logger.Error(ctx, "init submission store failed", zap.Error(err))
		return
	}
	defer func() {
		_ = closeStore()
	}()

	redisCache, err := bootstrap.OpenCache(appCfg.Redis)
	if err != nil {
		logger.Error(ctx, "init redis failed", zap.Error(err))
		return
	}
	var cacheClient cache.Cache
	if redisCache != nil {
		cacheClient = redisCache
		defer func() {
			_ = redisCache.Close()
		}()
	} else {
		logger.Warn(ctx, "redis disabled, idempotency and rate limits are off")
	}

	mqClient, err := bootstrap.OpenQueue(appCfg.Queue, redisCache)
	if err != nil {
		logger.Error(ctx, "init message queue failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	objStorage, err := bootstrap.OpenStorage(ctx, appCfg.Storage)
	if err != nil {
		logger.Error(ctx, "init object storage failed", zap.Error(err))
		return
	}

	collector := metrics.NewCollector(appCfg.MetricsNamespace)
	store := repository.WithCache(baseStore, cacheClient, appCfg.Submit.SubmissionCacheTTL, appCfg.Submit.SubmissionEmptyTTL)

	submissionService, err := service.NewSubmissionService(service.Config{
		Store:           store,
		Queue:           dispatch.NewQueue(mqClient, appCfg.Jobs),
		Storage:         objStorage,
		Cache:           cacheClient,
		Metrics:         collector,
		SourceBucket:    appCfg.Submit.SourceBucket,
		SourceKeyPrefix: appCfg.Submit.SourceKeyPrefix,
		MaxCodeBytes:    appCfg.Submit.MaxCodeBytes,
		IdempotencyTTL:  appCfg.Submit.IdempotencyTTL,
		RateLimit:       appCfg.Submit.RateLimit,
		Timeouts:        appCfg.Submit.Timeouts,
	})
	if err != nil {
		logger.Error(ctx, "init submission service failed", zap.Error(err))
		return
	}

	hub := leaderboard.NewHub()
	hub.OnCount = collector.SetStreamClients
	defer hub.Close()
	leaderboardService := leaderboard.NewService(baseStore, cacheClient, hub, appCfg.Leaderboard)

	// Every API process needs every terminal event, so each gets its own group.
	eventsCfg := appCfg.Events
	eventsCfg.Subscribe.ConsumerGroup = bootstrap.ConsumerName("submit-service")
	events := dispatch.NewEventBus(mqClient, eventsCfg)
	if err := events.Subscribe(ctx, leaderboardService.OnTerminal); err != nil {
		logger.Error(ctx, "subscribe terminal events failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(ctx, "start event consumer failed", zap.Error(err))
		return
	}

	health := map[string]server.HealthCheck{"queue": mqClient.Ping}
	if redisCache != nil {
		health["redis"] = redisCache.Ping
	}
	router := server.NewRouter(appCfg.Server, server.Deps{
		Verifier:    verifier,
		Submissions: controller.NewSubmissionController(submissionService),
		Leaderboard: leaderboardController.NewLeaderboardController(leaderboardService),
		Metrics:     collector.Handler(),
		Health:      health,
	})
	httpServer := server.NewHTTPServer(appCfg.Server, router)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "submit http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	_ = mqClient.Stop()
}
