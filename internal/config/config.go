package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Storage  StorageConfig
	STT      STTConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Ingest   IngestConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type DatabaseConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrationsPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

type StorageConfig struct {
	SupabaseURL string
	SupabaseKey string
}

type STTConfig struct {
	Backend       string // "openai" or "local"
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	LocalBaseURL  string // default: "http://localhost:8178"
}

type LLMConfig struct {
	OpenAIKey        string
	AnthropicKey     string
	DefaultProvider  string
	FallbackProvider string
	TranslateModel   string
	ExtractModel     string
}

type PipelineConfig struct {
	StageTimeout   time.Duration
	RetryBudget    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	LeaseTTL       time.Duration
	TargetLanguage string
	Concurrency    int
}

type IngestConfig struct {
	Bucket       string
	MaxSizeBytes int64
}

func Load() (*Config, error) {
	port, err := getEnvInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	maxConns, err := getEnvInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
	}

	minConns, err := getEnvInt("DB_MIN_CONNS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MIN_CONNS: %w", err)
	}

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	retryBudget, err := getEnvInt("PIPELINE_RETRY_BUDGET", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_RETRY_BUDGET: %w", err)
	}

	concurrency, err := getEnvInt("PIPELINE_CONCURRENCY", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_CONCURRENCY: %w", err)
	}

	stageTimeout, err := getEnvDuration("PIPELINE_STAGE_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_STAGE_TIMEOUT: %w", err)
	}

	retryBase, err := getEnvDuration("PIPELINE_RETRY_BASE_DELAY", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_RETRY_BASE_DELAY: %w", err)
	}

	retryMax, err := getEnvDuration("PIPELINE_RETRY_MAX_DELAY", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_RETRY_MAX_DELAY: %w", err)
	}

	leaseTTL, err := getEnvDuration("PIPELINE_LEASE_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid PIPELINE_LEASE_TTL: %w", err)
	}

	maxSizeMB, err := getEnvInt("INGEST_MAX_SIZE_MB", 25)
	if err != nil {
		return nil, fmt.Errorf("invalid INGEST_MAX_SIZE_MB: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: port,
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConns:       maxConns,
			MinConns:       minConns,
			MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Storage: StorageConfig{
			SupabaseURL: getEnv("SUPABASE_URL", ""),
			SupabaseKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		},
		STT: STTConfig{
			Backend:       getEnv("STT_BACKEND", "openai"),
			OpenAIKey:     getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL: getEnv("STT_OPENAI_BASE_URL", ""),
			OpenAIModel:   getEnv("STT_OPENAI_MODEL", ""),
			LocalBaseURL:  getEnv("STT_LOCAL_BASE_URL", "http://localhost:8178"),
		},
		LLM: LLMConfig{
			OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
			AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
			DefaultProvider:  getEnv("LLM_DEFAULT_PROVIDER", "openai"),
			FallbackProvider: getEnv("LLM_FALLBACK_PROVIDER", ""),
			TranslateModel:   getEnv("LLM_TRANSLATE_MODEL", "gpt-4o-mini"),
			ExtractModel:     getEnv("LLM_EXTRACT_MODEL", "gpt-4o"),
		},
		Pipeline: PipelineConfig{
			StageTimeout:   stageTimeout,
			RetryBudget:    retryBudget,
			RetryBaseDelay: retryBase,
			RetryMaxDelay:  retryMax,
			LeaseTTL:       leaseTTL,
			TargetLanguage: getEnv("PIPELINE_TARGET_LANGUAGE", "en"),
			Concurrency:    concurrency,
		},
		Ingest: IngestConfig{
			Bucket:       getEnv("STORAGE_BUCKET", "recordings"),
			MaxSizeBytes: int64(maxSizeMB) * 1024 * 1024,
		},
	}

	return cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	var missing []string
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
