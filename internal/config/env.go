package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom log forwarding configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// StorageConfig defines the blob store bucket and local state paths.
type StorageConfig struct {
	Bucket             string
	Region             string
	OpTimeout          time.Duration
	EncryptionPassword string // when set, uploads/ originals are AES-GCM encrypted at rest
	IndexPath          string
	QueuePath          string
}

// RedisConfig defines connectivity for the transient caches.
type RedisConfig struct {
	URL string
}

// ProviderModels defines the model pair for a provider.
type ProviderModels struct {
	Primary   string
	Secondary string
}

// ProvidersConfig defines LLM engines and models per provider.
type ProvidersConfig struct {
	PrimaryEngine   string // "openai"|"anthropic"
	SecondaryEngine string
	OpenAI          ProviderModels
	Anthropic       ProviderModels
	PromptVersion   string
	BreakerBase     time.Duration
	BreakerMax      time.Duration
}

// OCRConfig defines the external OCR engine endpoint and limits.
type OCRConfig struct {
	Endpoint    string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	RenderDPI   int
}

// PipelineConfig bounds the worker pools and batch sizes.
type PipelineConfig struct {
	MaxWorkers    int
	OCRWorkers    int
	LLMWorkers    int
	UploadWorkers int
	BatchPages    int
	LLMTimeout    time.Duration
	StageAttempts int
	RetryBase     time.Duration
}

// PollerConfig defines the S3 polling loop.
type PollerConfig struct {
	Enabled  bool
	Interval time.Duration
	Prefix   string
}

// Config is the top-level configuration.
type Config struct {
	Logging  LoggingConfig
	Axiom    AxiomConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Provider ProvidersConfig
	OCR      OCRConfig
	Pipeline PipelineConfig
	Poller   PollerConfig
}

// FromEnv loads configuration from the environment with sensible defaults.
// A .env file in the working directory is honored when present.
func FromEnv() Config {
	_ = godotenv.Load()

	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/idpcore.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_idpcore",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Storage = StorageConfig{
		Bucket:             getEnv("AWS_S3_BUCKET", "idp-documents-dev"),
		Region:             getEnv("AWS_REGION", ""),
		OpTimeout:          parseDuration(getEnv("BLOB_OP_TIMEOUT", "30s"), 30*time.Second),
		EncryptionPassword: getEnv("STORAGE_ENCRYPTION_PASSWORD", ""),
		IndexPath:          getEnv("DOCUMENT_INDEX_PATH", ".document_index.json"),
		QueuePath:          getEnv("DOCUMENT_QUEUE_PATH", ".document_processing_queue.json"),
	}

	cfg.Redis = RedisConfig{
		URL: getEnv("REDIS_URL", "redis://localhost:6379"),
	}

	cfg.Provider = ProvidersConfig{
		PrimaryEngine:   getEnv("PRIMARY_ENGINE", "openai"),
		SecondaryEngine: getEnv("SECONDARY_ENGINE", "anthropic"),
		OpenAI: ProviderModels{
			Primary:   getEnv("OPENAI_PRIMARY_MODEL", "gpt-4.1"),
			Secondary: getEnv("OPENAI_SECONDARY_MODEL", "gpt-4o"),
		},
		Anthropic: ProviderModels{
			Primary:   getEnv("ANTHROPIC_PRIMARY_MODEL", "claude-3-5-sonnet"),
			Secondary: getEnv("ANTHROPIC_SECONDARY_MODEL", "claude-3-opus"),
		},
		PromptVersion: getEnv("PROMPT_VERSION", "v3"),
		BreakerBase:   parseDuration(getEnv("BREAKER_BASE_BACKOFF", "30s"), 30*time.Second),
		BreakerMax:    parseDuration(getEnv("BREAKER_MAX_BACKOFF", "5m"), 5*time.Minute),
	}

	cfg.OCR = OCRConfig{
		Endpoint:    getEnv("OCR_ENDPOINT", ""),
		APIKey:      getEnv("OCR_API_KEY", ""),
		Timeout:     parseDuration(getEnv("OCR_TIMEOUT", "60s"), 60*time.Second),
		MaxAttempts: parseInt(getEnv("OCR_MAX_ATTEMPTS", "5"), 5),
		RenderDPI:   parseInt(getEnv("OCR_RENDER_DPI", "200"), 200),
	}

	cfg.Pipeline = PipelineConfig{
		MaxWorkers:    parseInt(getEnv("MAX_WORKERS", "5"), 5),
		OCRWorkers:    parseInt(getEnv("OCR_WORKERS", "5"), 5),
		LLMWorkers:    parseInt(getEnv("LLM_WORKERS", "3"), 3),
		UploadWorkers: parseInt(getEnv("UPLOAD_WORKERS", "5"), 5),
		BatchPages:    parseInt(getEnv("BATCH_PAGES", "2"), 2),
		LLMTimeout:    parseDuration(getEnv("LLM_TIMEOUT", "180s"), 180*time.Second),
		StageAttempts: parseInt(getEnv("STAGE_MAX_ATTEMPTS", "3"), 3),
		RetryBase:     parseDuration(getEnv("RETRY_BASE_DELAY", "2s"), 2*time.Second),
	}

	cfg.Poller = PollerConfig{
		Enabled:  parseBool(getEnv("POLLER_ENABLED", "true")),
		Interval: parseDuration(getEnv("POLLER_INTERVAL", "30s"), 30*time.Second),
		Prefix:   getEnv("POLLER_PREFIX", "uploads/"),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
