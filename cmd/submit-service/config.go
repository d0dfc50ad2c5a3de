package main

import (
	"time"

	"benchboard/internal/bootstrap"
	"benchboard/internal/dispatch"
	"benchboard/internal/identity"
	"benchboard/internal/leaderboard"
	"benchboard/internal/server"
	"benchboard/internal/submission/service"
	"benchboard/pkg/utils/logger"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8086"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// SubmitConfig holds submission settings.
type SubmitConfig struct {
	SourceBucket       string                  `yaml:"sourceBucket"`
	SourceKeyPrefix    string                  `yaml:"sourceKeyPrefix"`
	MaxCodeBytes       int64                   `yaml:"maxCodeBytes"`
	IdempotencyTTL     time.Duration           `yaml:"idempotencyTTL"`
	SubmissionCacheTTL time.Duration           `yaml:"submissionCacheTTL"`
	SubmissionEmptyTTL time.Duration           `yaml:"submissionEmptyTTL"`
	RateLimit          service.RateLimitConfig `yaml:"rateLimit"`
	Timeouts           service.TimeoutConfig   `yaml:"timeouts"`
}

// AppConfig holds submit-service configuration.
type AppConfig struct {
	bootstrap.InfraConfig `yaml:",inline"`

	Server      server.Config      `yaml:"server"`
	Logger      logger.Config      `yaml:"logger"`
	Identity    identity.Config    `yaml:"identity"`
	Jobs        dispatch.Config    `yaml:"jobs"`
	Events      dispatch.Config    `yaml:"events"`
	Submit      SubmitConfig       `yaml:"submit"`
	Leaderboard leaderboard.Config `yaml:"leaderboard"`
	// MetricsNamespace prefixes every exported series.
	MetricsNamespace string `yaml:"metricsNamespace"`
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
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = dispatch.DefaultEventTopic
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "benchboard"
	}

	if cfg.Submit.SourceBucket == "" {
		cfg.Submit.SourceBucket = cfg.Storage.MinIO.Bucket
	}
	if cfg.Submit.SourceBucket == "" {
		cfg.Submit.SourceBucket = "benchboard"
	}
	if cfg.Submit.SourceKeyPrefix == "" {
		cfg.Submit.SourceKeyPrefix = "submissions"
	}
	if cfg.Submit.MaxCodeBytes == 0 {
		cfg.Submit.MaxCodeBytes = 256 * 1024
	}
	if cfg.Submit.IdempotencyTTL == 0 {
		cfg.Submit.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.Submit.SubmissionCacheTTL == 0 {
		cfg.Submit.SubmissionCacheTTL = 30 * time.Minute
	}
	if cfg.Submit.SubmissionEmptyTTL == 0 {
		cfg.Submit.SubmissionEmptyTTL = 5 * time.Minute
	}
	if cfg.Submit.RateLimit.Window == 0 {
		cfg.Submit.RateLimit.Window = time.Minute
	}
	if cfg.Submit.RateLimit.UserMax == 0 {
		cfg.Submit.RateLimit.UserMax = 30
	}
	if cfg.Submit.RateLimit.IPMax == 0 {
		cfg.Submit.RateLimit.IPMax = 60
	}
	if cfg.Submit.Timeouts.DB == 0 {
		cfg.Submit.Timeouts.DB = 3 * time.Second
	}
	if cfg.Submit.Timeouts.Cache == 0 {
		cfg.Submit.Timeouts.Cache = 1 * time.Second
	}
	if cfg.Submit.Timeouts.MQ == 0 {
		cfg.Submit.Timeouts.MQ = 3 * time.Second
	}
	if cfg.Submit.Timeouts.Storage == 0 {
		cfg.Submit.Timeouts.Storage = 5 * time.Second
	}
	return &cfg, nil
}
