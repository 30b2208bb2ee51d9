package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server        ServerConfig
	AI            AIConfig
	Pipeline      PipelineConfig
	Memory        MemoryConfig
	Risk          RiskConfig
	Storage       StorageConfig
	Redis         RedisConfig
	Knowledge     KnowledgeConfig
	Observability ObservabilityConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	var (
		cfg Config
		err error
	)
	if cfg.Server, err = loadServerConfig(); err != nil {
		return nil, err
	}
	if cfg.AI, err = loadAIConfig(); err != nil {
		return nil, err
	}
	if cfg.Pipeline, err = loadPipelineConfig(); err != nil {
		return nil, err
	}
	if cfg.Memory, err = loadMemoryConfig(); err != nil {
		return nil, err
	}
	if cfg.Risk, err = loadRiskConfig(); err != nil {
		return nil, err
	}
	if cfg.Storage, err = loadStorageConfig(); err != nil {
		return nil, err
	}
	if cfg.Redis, err = loadRedisConfig(); err != nil {
		return nil, err
	}
	if cfg.Knowledge, err = loadKnowledgeConfig(); err != nil {
		return nil, err
	}
	if cfg.Observability, err = loadObservabilityConfig(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

const defaultAllowedOrigins = "http://localhost:3000,http://localhost:5173"

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	shutdown, err := parseDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return ServerConfig{}, err
	}

	origins := parseListEnv("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins)

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, ShutdownTimeout: shutdown, AllowedOrigins: origins}, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, ShutdownTimeout: shutdown, AllowedOrigins: origins}, nil
}

// parseListEnv 解析逗号分隔的列表，显式设置为空时返回空列表。
func parseListEnv(key, defaultValue string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok {
		raw = defaultValue
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}


func parseIntEnv(key string, defaultValue, minValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val < minValue {
		return 0, fmt.Errorf("invalid %s value %d: must be >= %d", key, *val, minValue)
	}
	return *val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	// 纯数字按秒处理
	if secs, err := strconv.Atoi(raw); err == nil {
		raw = strconv.Itoa(secs) + "s"
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}
