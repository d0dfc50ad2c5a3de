package bootstrap_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"benchboard/internal/bootstrap"
	"benchboard/internal/common/cache"
	"benchboard/internal/common/mq"
	"benchboard/internal/submission/repository"
)

func TestLoadYAMLExpandsEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	content := "database:\n  driver: postgres\n  pool:\n    dsn: ${BENCH_TEST_DSN}\nqueue:\n  driver: memory\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BENCH_TEST_DSN", "postgres://bench@localhost/bench")

	var cfg bootstrap.InfraConfig
	if err := bootstrap.LoadYAML(path, &cfg); err != nil {
		t.Fatalf("LoadYAML() error = %v", err)
	}
	if cfg.Database.Pool.DSN != "postgres://bench@localhost/bench" || cfg.Database.Driver != "postgres" {
		t.Fatalf("database = %+v", cfg.Database)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	if err := bootstrap.LoadEnvFile(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("BENCH_TEST_FROM_FILE=yes\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("BENCH_TEST_FROM_FILE", "")
	os.Unsetenv("BENCH_TEST_FROM_FILE")
	if err := bootstrap.LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}
	if got := os.Getenv("BENCH_TEST_FROM_FILE"); got != "yes" {
		t.Fatalf("BENCH_TEST_FROM_FILE = %q", got)
	}
}

func TestOpenMemoryBackends(t *testing.T) {
	store, closeStore, err := bootstrap.OpenStore(context.Background(), bootstrap.DatabaseConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer closeStore()
	if _, ok := store.(*repository.MemoryStore); !ok {
		t.Fatalf("store = %T", store)
	}

	queue, err := bootstrap.OpenQueue(bootstrap.QueueConfig{Driver: "memory"}, nil)
	if err != nil {
		t.Fatalf("OpenQueue() error = %v", err)
	}
	defer queue.Close()
	if _, ok := queue.(*mq.MemoryQueue); !ok {
		t.Fatalf("queue = %T", queue)
	}

	if _, err := bootstrap.OpenQueue(bootstrap.QueueConfig{Driver: "redis"}, nil); err == nil {
		t.Fatal("redis queue without a redis client should fail")
	}
	if _, err := bootstrap.OpenQueue(bootstrap.QueueConfig{Driver: "nats"}, nil); err == nil {
		t.Fatal("unknown driver should fail")
	}
	if c, err := bootstrap.OpenCache(cache.RedisConfig{}); c != nil || err != nil {
		t.Fatalf("OpenCache() with empty addr = %v, %v", c, err)
	}
}

func TestConsumerNameIsUnique(t *testing.T) {
	a, b := bootstrap.ConsumerName("api"), bootstrap.ConsumerName("api")
	if a == b || !strings.HasPrefix(a, "api-") {
		t.Fatalf("names = %q, %q", a, b)
	}
}
