package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the PromptBatch server and worker.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	AI       AIConfig       `yaml:"ai"`
	Batch    BatchConfig    `yaml:"batch"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
}

type StoreConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrationsDir   string        `yaml:"migrations_dir"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AIConfig struct {
	Provider          string          `yaml:"provider"`
	InferenceTimeout  time.Duration   `yaml:"inference_timeout"`
	MaxRetries        int             `yaml:"max_retries"`
	RequestsPerSecond float64         `yaml:"requests_per_second"`
	Ollama            OllamaConfig    `yaml:"ollama"`
	VLLM              VLLMConfig      `yaml:"vllm"`
	OpenAI            OpenAIConfig    `yaml:"openai"`
	Anthropic         AnthropicConfig `yaml:"anthropic"`
}

type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type VLLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type BatchConfig struct {
	Dispatch          string        `yaml:"dispatch"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	ProgressTTL       time.Duration `yaml:"progress_ttl"`
}

type RabbitMQConfig struct {
	URL               string        `yaml:"url"`
	Queue             string        `yaml:"queue"`
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
}

type AuthConfig struct {
	APIKeyHashes       []string `yaml:"api_key_hashes"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	SubmitsPerMinute   int      `yaml:"submits_per_minute"`
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

var validStoreDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
	"memory":   true,
}

// defaults returns the built-in configuration before any file or env overrides.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			Env:      "development",
			LogLevel: "info",
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			SQLitePath: "promptbatch.db",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			MigrationsDir:   "migrations",
		},
		AI: AIConfig{
			Provider:          "mock",
			InferenceTimeout:  60 * time.Second,
			MaxRetries:        3,
			RequestsPerSecond: 2,
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
				Model:   "llama3",
			},
			VLLM: VLLMConfig{
				BaseURL: "http://localhost:8000",
			},
			OpenAI: OpenAIConfig{
				BaseURL: "https://api.openai.com",
				Model:   "gpt-3.5-turbo",
			},
			Anthropic: AnthropicConfig{
				BaseURL: "https://api.anthropic.com",
				Model:   "claude-sonnet-4-5-20250929",
			},
		},
		Batch: BatchConfig{
			Dispatch:          "local",
			MaxConcurrentJobs: 4,
			ProgressTTL:       24 * time.Hour,
		},
		RabbitMQ: RabbitMQConfig{
			Queue:             "promptbatch.jobs",
			WorkerConcurrency: 2,
			MaxAttempts:       3,
			RetryDelay:        30 * time.Second,
		},
		Auth: AuthConfig{
			RateLimitPerMinute: 60,
			SubmitsPerMinute:   10,
		},
	}
}

// Load reads configuration and returns a validated Config. Values come from the
// built-in defaults, then the YAML file named by CONFIG_FILE (if set), then
// environment variables. Returns a descriptive error if any value is invalid.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.Server.Port = envInt("PROMPTBATCH_PORT", cfg.Server.Port)
	cfg.Server.Env = envString("PROMPTBATCH_ENV", cfg.Server.Env)
	cfg.Server.LogLevel = envString("LOG_LEVEL", cfg.Server.LogLevel)

	cfg.Store.Driver = envString("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.SQLitePath = envString("SQLITE_PATH", cfg.Store.SQLitePath)

	cfg.Database.URL = envString("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = envDuration("DATABASE_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)
	cfg.Database.MigrationsDir = envString("MIGRATIONS_DIR", cfg.Database.MigrationsDir)

	cfg.Redis.URL = envString("REDIS_URL", cfg.Redis.URL)

	cfg.AI.Provider = envString("AI_PROVIDER", cfg.AI.Provider)
	cfg.AI.InferenceTimeout = envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", cfg.AI.InferenceTimeout)
	cfg.AI.MaxRetries = envInt("AI_MAX_RETRIES", cfg.AI.MaxRetries)
	cfg.AI.RequestsPerSecond = envFloat("AI_REQUESTS_PER_SECOND", cfg.AI.RequestsPerSecond)
	cfg.AI.Ollama.BaseURL = envString("OLLAMA_BASE_URL", cfg.AI.Ollama.BaseURL)
	cfg.AI.Ollama.Model = envString("OLLAMA_MODEL", cfg.AI.Ollama.Model)
	cfg.AI.VLLM.BaseURL = envString("VLLM_BASE_URL", cfg.AI.VLLM.BaseURL)
	cfg.AI.VLLM.Model = envString("VLLM_MODEL", cfg.AI.VLLM.Model)
	cfg.AI.OpenAI.APIKey = envString("OPENAI_API_KEY", cfg.AI.OpenAI.APIKey)
	cfg.AI.OpenAI.BaseURL = envString("OPENAI_BASE_URL", cfg.AI.OpenAI.BaseURL)
	cfg.AI.OpenAI.Model = envString("OPENAI_MODEL", cfg.AI.OpenAI.Model)
	cfg.AI.Anthropic.APIKey = envString("ANTHROPIC_API_KEY", cfg.AI.Anthropic.APIKey)
	cfg.AI.Anthropic.BaseURL = envString("ANTHROPIC_BASE_URL", cfg.AI.Anthropic.BaseURL)
	cfg.AI.Anthropic.Model = envString("ANTHROPIC_MODEL", cfg.AI.Anthropic.Model)

	cfg.Batch.Dispatch = envString("BATCH_DISPATCH", cfg.Batch.Dispatch)
	cfg.Batch.MaxConcurrentJobs = envInt("BATCH_MAX_CONCURRENT_JOBS", cfg.Batch.MaxConcurrentJobs)
	cfg.Batch.ProgressTTL = envDuration("BATCH_PROGRESS_TTL", cfg.Batch.ProgressTTL)

	cfg.RabbitMQ.URL = envString("RABBITMQ_URL", cfg.RabbitMQ.URL)
	cfg.RabbitMQ.Queue = envString("RABBITMQ_QUEUE", cfg.RabbitMQ.Queue)
	cfg.RabbitMQ.WorkerConcurrency = envInt("WORKER_CONCURRENCY", cfg.RabbitMQ.WorkerConcurrency)
	cfg.RabbitMQ.MaxAttempts = envInt("WORKER_MAX_ATTEMPTS", cfg.RabbitMQ.MaxAttempts)
	cfg.RabbitMQ.RetryDelay = envDuration("WORKER_RETRY_DELAY", cfg.RabbitMQ.RetryDelay)

	cfg.Auth.APIKeyHashes = envList("API_KEY_HASHES", cfg.Auth.APIKeyHashes)
	cfg.Auth.RateLimitPerMinute = envInt("RATE_LIMIT_PER_MINUTE", cfg.Auth.RateLimitPerMinute)
	cfg.Auth.SubmitsPerMinute = envInt("RATE_LIMIT_SUBMITS_PER_MINUTE", cfg.Auth.SubmitsPerMinute)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PROMPTBATCH_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if !validStoreDrivers[c.Store.Driver] {
		return fmt.Errorf("STORE_DRIVER must be one of postgres, sqlite, memory; got %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}
	if c.Store.Driver == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is sqlite")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}
	if c.AI.InferenceTimeout <= 0 {
		return fmt.Errorf("AI_INFERENCE_TIMEOUT_SECS must be positive")
	}
	if c.AI.MaxRetries < 0 {
		return fmt.Errorf("AI_MAX_RETRIES must not be negative, got %d", c.AI.MaxRetries)
	}

	switch c.Batch.Dispatch {
	case "local":
	case "rabbitmq":
		if c.RabbitMQ.URL == "" {
			return fmt.Errorf("RABBITMQ_URL is required when BATCH_DISPATCH is rabbitmq")
		}
		if c.Store.Driver == "memory" {
			return fmt.Errorf("BATCH_DISPATCH=rabbitmq needs a shared store; STORE_DRIVER=memory is process-local")
		}
	default:
		return fmt.Errorf("BATCH_DISPATCH must be one of local, rabbitmq; got %q", c.Batch.Dispatch)
	}
	if c.Batch.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("BATCH_MAX_CONCURRENT_JOBS must be positive, got %d", c.Batch.MaxConcurrentJobs)
	}

	for _, h := range c.Auth.APIKeyHashes {
		if !strings.HasPrefix(h, "$2") {
			return fmt.Errorf("API_KEY_HASHES must contain bcrypt hashes")
		}
	}

	return nil
}

// SlogLevel maps the configured log level to a slog.Level, defaulting to info.
func (c ServerConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
