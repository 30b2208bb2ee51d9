package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StorageConfig 描述持久化后端。
type StorageConfig struct {
	Driver string
	DSN    string
}

func loadStorageConfig() (StorageConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("DATABASE_DRIVER", DriverMemory))
	dsn := strings.TrimSpace(os.Getenv("DATABASE_DSN"))

	switch driver {
	case DriverMemory:
	case DriverSQLite:
		if dsn == "" {
			dsn = "xinqiao.db"
		}
	case DriverPostgres:
		if dsn == "" {
			return StorageConfig{}, fmt.Errorf("DATABASE_DSN is required for postgres")
		}
	default:
		return StorageConfig{}, fmt.Errorf("invalid DATABASE_DRIVER value %q", driver)
	}
	return StorageConfig{Driver: driver, DSN: dsn}, nil
}

// RedisConfig 描述事件镜像使用的 Redis。
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// NewClient 创建 Redis 客户端，调用方负责 Ping 与 Close。
func (c RedisConfig) NewClient() *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:        c.Addr,
		Password:    c.Password,
		DB:          c.DB,
		DialTimeout: 5 * time.Second,
	})
}

func loadRedisConfig() (RedisConfig, error) {
	db, err := parseIntEnv("REDIS_DB", 0, 0)
	if err != nil {
		return RedisConfig{}, err
	}
	return RedisConfig{
		Addr:          strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password:      os.Getenv("REDIS_PASSWORD"),
		DB:            db,
		ChannelPrefix: getEnvOrDefault("REDIS_CHANNEL_PREFIX", "xinqiao:events"),
	}, nil
}

// KnowledgeConfig 描述知识检索服务。
type KnowledgeConfig struct {
	SearchURL string
	Timeout   time.Duration
}

func (c KnowledgeConfig) Enabled() bool { return c.SearchURL != "" }

func loadKnowledgeConfig() (KnowledgeConfig, error) {
	timeout, err := parseDurationEnv("KNOWLEDGE_SEARCH_TIMEOUT", 10*time.Second)
	if err != nil {
		return KnowledgeConfig{}, err
	}
	return KnowledgeConfig{
		SearchURL: strings.TrimSpace(os.Getenv("KNOWLEDGE_SEARCH_URL")),
		Timeout:   timeout,
	}, nil
}

// ObservabilityConfig 描述日志与链路追踪。
type ObservabilityConfig struct {
	LogMode      string
	TracesStdout bool
	ServiceName  string
}

func loadObservabilityConfig() (ObservabilityConfig, error) {
	stdout, err := parseBoolEnv("OTEL_TRACES_STDOUT", false)
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{
		LogMode:      getEnvOrDefault("LOG_MODE", "dev"),
		TracesStdout: stdout,
		ServiceName:  getEnvOrDefault("OTEL_SERVICE_NAME", "xinqiao-backend"),
	}, nil
}
