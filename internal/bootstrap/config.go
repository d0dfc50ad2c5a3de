package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"benchboard/internal/common/cache"
	"benchboard/internal/common/db"
	"benchboard/internal/common/mq"
	"benchboard/internal/common/storage"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig selects the submission store backend.
type DatabaseConfig struct {
	// Driver is mysql, postgres or memory.
	Driver      string        `yaml:"driver"`
	Pool        db.PoolConfig `yaml:"pool"`
	AutoMigrate bool          `yaml:"autoMigrate"`
}

// QueueConfig selects the message queue transport.
type QueueConfig struct {
	// Driver is kafka, redis, rabbitmq or memory.
	Driver   string               `yaml:"driver"`
	Kafka    mq.KafkaConfig       `yaml:"kafka"`
	Redis    mq.RedisStreamConfig `yaml:"redis"`
	RabbitMQ mq.RabbitConfig      `yaml:"rabbitmq"`
}

// StorageConfig selects the artifact store.
type StorageConfig struct {
	// Driver is minio or memory.
	Driver string              `yaml:"driver"`
	MinIO  storage.MinIOConfig `yaml:"minio"`
}

// InfraConfig is the infrastructure shared by every process.
type InfraConfig struct {
	Database DatabaseConfig    `yaml:"database"`
	Redis    cache.RedisConfig `yaml:"redis"`
	Queue    QueueConfig       `yaml:"queue"`
	Storage  StorageConfig     `yaml:"storage"`
}

// LoadEnvFile loads a .env file into the environment when it exists.
// Variables already set win.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file failed: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file failed: %w", err)
	}
	return nil
}

// LoadYAML reads path, expands ${VAR} references from the environment and
// decodes the result into out.
func LoadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}
