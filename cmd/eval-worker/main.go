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
	"benchboard/internal/evaluation/runner"
	"benchboard/internal/evaluation/service"
	"benchboard/internal/server"
	"benchboard/internal/submission/repository"
	"benchboard/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/eval_worker.yaml"

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

	httpRunner, err := runner.NewHTTPClient(appCfg.Runner.HTTPConfig, objStorage, &http.Client{})
	if err != nil {
		logger.Error(ctx, "init runner client failed", zap.Error(err))
		return
	}
	evaluator := runner.NewRetryingEvaluator(httpRunner, appCfg.Runner.Retry)
	evaluator.OnAttempt = collector.RecordRunnerCall

	events := dispatch.NewEventBus(mqClient, appCfg.Events)
	store := repository.WithTerminalObservers(
		repository.WithCache(baseStore, cacheClient, appCfg.SubmissionCacheTTL, 0),
		events,
	)
	queue := dispatch.NewQueue(mqClient, appCfg.Jobs)

	worker, err := service.NewWorker(store, evaluator, appCfg.Worker, collector)
	if err != nil {
		logger.Error(ctx, "init worker failed", zap.Error(err))
		return
	}
	reaper, err := service.NewReaper(store, queue, appCfg.Reaper, collector)
	if err != nil {
		logger.Error(ctx, "init reaper failed", zap.Error(err))
		return
	}
	reaper.WithCache(cacheClient)

	health := map[string]server.HealthCheck{"queue": mqClient.Ping}
	if redisCache != nil {
		health["redis"] = redisCache.Ping
	}
	httpServer := server.NewHTTPServer(appCfg.Server, server.NewRouter(appCfg.Server, server.Deps{
		Metrics: collector.Handler(),
		Health:  health,
	}))
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(ctx, "init http listener failed", zap.Error(err))
		return
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		logger.Info(ctx, "eval worker consuming", zap.String("topic", queue.Topic()), zap.Int("workers", appCfg.Worker.Workers))
		return queue.Consume(groupCtx, worker.HandleJob)
	})
	group.Go(func() error {
		return reaper.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info(ctx, "eval worker http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info(ctx, "shutting down eval worker")
		// In-flight jobs see a canceled context once the consumer stops and
		// release their claims.
		_ = mqClient.Stop()
		timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(timeoutCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error(ctx, "eval worker stopped", zap.Error(err))
	}
}
