package main

import (
	"time"

	"benchboard/internal/bootstrap"
	"benchboard/internal/dispatch"
	"benchboard/internal/evaluation/runner"
	"benchboard/internal/evaluation/service"
	"benchboard/internal/server"
	"benchboard/pkg/utils/logger"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultConsumerGroup   = "eval-worker"
)

// RunnerConfig holds runner client settings.
type RunnerConfig struct {
	runner.HTTPConfig `yaml:",inline"`
	Retry             runner.RetryConfig `yaml:"retry"`
}

// AppConfig holds eval-worker configuration.
type AppConfig struct {
	bootstrap.InfraConfig `yaml:",inline"`

	// Server exposes /healthz and /metrics only.
	Server             server.Config        `yaml:"server"`
	Logger             logger.Config        `yaml:"logger"`
	Jobs               dispatch.Config      `yaml:"jobs"`
	Events             dispatch.Config      `yaml:"events"`
	Runner             RunnerConfig         `yaml:"runner"`
	Worker             service.WorkerConfig `yaml:"worker"`
	Reaper             service.ReaperConfig `yaml:"reaper"`
	SubmissionCacheTTL time.Duration        `yaml:"submissionCacheTTL"`
	MetricsNamespace   string               `yaml:"metricsNamespace"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	if err := bootstrap.LoadEnvFile(""); err != nil {
		return nil, err
	}
	var cfg AppConfig
	if err := bootstrap.LoadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "mysql"
	}
	if cfg.Jobs.Topic == "" {
		cfg.Jobs.Topic = dispatch.DefaultTopic
	}
	if cfg.Jobs.Subscribe.ConsumerGroup == "" {
		cfg.Jobs.Subscribe.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = dispatch.DefaultEventTopic
	}
	if cfg.Worker.Workers <= 0 {
		cfg.Worker.Workers = 4
	}
	if cfg.Jobs.Subscribe.Concurrency <= 0 {
		cfg.Jobs.Subscribe.Concurrency = cfg.Worker.Workers
	}
	if cfg.Worker.RunnerTimeout == 0 {
		cfg.Worker.RunnerTimeout = 30 * time.Second
	}
	if cfg.Reaper.Interval == 0 {
		cfg.Reaper.Interval = 30 * time.Second
	}
	if cfg.Reaper.GracePeriod == 0 {
		// A claim older than a full retry budget is considered abandoned.
		cfg.Reaper.GracePeriod = 4 * cfg.Worker.RunnerTimeout
	}
	if cfg.Jobs.Subscribe.VisibilityTimeout == 0 {
		cfg.Jobs.Subscribe.VisibilityTimeout = cfg.Reaper.GracePeriod
	}
	if cfg.Reaper.PendingGrace == 0 {
		cfg.Reaper.PendingGrace = 5 * time.Minute
	}
	if cfg.SubmissionCacheTTL == 0 {
		cfg.SubmissionCacheTTL = 30 * time.Minute
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "benchboard"
	}
	return &cfg, nil
}
