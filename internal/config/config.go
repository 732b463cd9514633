package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
	"github.com/kirillkom/docqa-indexer/internal/infrastructure/resilience"
)

const (
	ProviderOllama  = "ollama"
	ProviderOpenAI  = "openai"
	ProviderHashing = "hashing"
)

type Config struct {
	APIPort  string `yaml:"api_port"`
	LogLevel string `yaml:"log_level"`

	DataFolder      string   `yaml:"data_folder"`
	StorePath       string   `yaml:"store_path"`
	FilePatterns    []string `yaml:"file_patterns"`
	IngestStrict    bool     `yaml:"ingest_strict"`
	LockStaleAfterS int      `yaml:"lock_stale_after_seconds"`
	AutoIngest      bool     `yaml:"auto_ingest"`
	WatchDebounceMS int      `yaml:"watch_debounce_ms"`

	ChunkSize      int    `yaml:"chunk_size"`
	ChunkOverlap   int    `yaml:"chunk_overlap"`
	ChunkSeparator string `yaml:"chunk_separator"`
	RAGTopK        int    `yaml:"rag_top_k"`
	VectorMetric   string `yaml:"vector_metric"`

	EmbedProvider   string  `yaml:"embed_provider"`
	EmbedBatchSize  int     `yaml:"embed_batch_size"`
	EmbedRatePerSec float64 `yaml:"embed_rate_per_sec"`
	HashingDim      int     `yaml:"hashing_dim"`

	CompletionProvider string  `yaml:"completion_provider"`
	DefaultModel       string  `yaml:"default_model"`
	DefaultTemperature float64 `yaml:"default_temperature"`

	OllamaURL        string `yaml:"ollama_url"`
	OllamaGenModel   string `yaml:"ollama_gen_model"`
	OllamaEmbedModel string `yaml:"ollama_embed_model"`

	OpenAIAPIKey     string `yaml:"openai_api_key"`
	OpenAIBaseURL    string `yaml:"openai_base_url"`
	OpenAIEmbedModel string `yaml:"openai_embed_model"`

	PostgresDSN string `yaml:"postgres_dsn"`

	NATSURL           string `yaml:"nats_url"`
	NATSIngestSubject string `yaml:"nats_ingest_subject"`
	NATSEventsSubject string `yaml:"nats_events_subject"`

	HTTPMaxUploadMB   int     `yaml:"http_max_upload_mb"`
	APIRateLimitRPS   float64 `yaml:"api_rate_limit_rps"`
	APIRateLimitBurst int     `yaml:"api_rate_limit_burst"`
	APIMaxInFlight    int     `yaml:"api_max_in_flight"`
	WorkerMetricsPort string  `yaml:"worker_metrics_port"`

	ResilienceRetryMaxAttempts    int     `yaml:"resilience_retry_max_attempts"`
	ResilienceRetryInitialBackoff int     `yaml:"resilience_retry_initial_backoff_ms"`
	ResilienceRetryMaxBackoff     int     `yaml:"resilience_retry_max_backoff_ms"`
	ResilienceBreakerEnabled      bool    `yaml:"resilience_breaker_enabled"`
	ResilienceBreakerFailureRatio float64 `yaml:"resilience_breaker_failure_ratio"`
	ResilienceBreakerOpenTimeoutS int     `yaml:"resilience_breaker_open_timeout_seconds"`
}

func defaults() Config {
	return Config{
		APIPort:  "8080",
		LogLevel: "info",

		DataFolder:      "data",
		StorePath:       "vectorstore",
		FilePatterns:    []string{"*.pdf"},
		LockStaleAfterS: 3600,
		WatchDebounceMS: 2000,

		ChunkSize:    500,
		ChunkOverlap: 50,
		RAGTopK:      8,
		VectorMetric: string(domain.MetricL2),

		EmbedProvider:  ProviderOllama,
		EmbedBatchSize: 64,
		HashingDim:     384,

		CompletionProvider: ProviderOllama,

		OllamaURL:        "http://localhost:11434",
		OllamaGenModel:   "llama3.1:8b",
		OllamaEmbedModel: "nomic-embed-text",

		OpenAIEmbedModel: "text-embedding-3-small",

		HTTPMaxUploadMB:   32,
		APIRateLimitBurst: 10,
		APIMaxInFlight:    64,
		WorkerMetricsPort: "9090",

		ResilienceRetryMaxAttempts:    4,
		ResilienceRetryInitialBackoff: 200,
		ResilienceRetryMaxBackoff:     2000,
		ResilienceBreakerEnabled:      true,
		ResilienceBreakerFailureRatio: 0.6,
		ResilienceBreakerOpenTimeoutS: 30,
	}
}

// Load builds the configuration from defaults, the optional YAML file named by CONFIG_FILE,
// and environment variables, in increasing precedence.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.overlayEnv()

	if cfg.DefaultModel == "" {
		switch cfg.CompletionProvider {
		case ProviderOpenAI:
			cfg.DefaultModel = "gpt-3.5-turbo"
		default:
			cfg.DefaultModel = cfg.OllamaGenModel
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.WrapError(domain.ErrConfig, "read config file", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return domain.WrapError(domain.ErrConfig, "parse config file", fmt.Errorf("%s: %w", path, err))
	}
	return nil
}

func (c *Config) overlayEnv() {
	c.APIPort = mustEnv("API_PORT", c.APIPort)
	c.LogLevel = mustEnv("LOG_LEVEL", c.LogLevel)

	c.DataFolder = mustEnv("DATA_FOLDER", c.DataFolder)
	c.StorePath = mustEnv("STORE_PATH", c.StorePath)
	c.FilePatterns = mustEnvList("FILE_PATTERNS", c.FilePatterns)
	c.IngestStrict = mustEnvBool("INGEST_STRICT", c.IngestStrict)
	c.LockStaleAfterS = mustEnvInt("INGEST_LOCK_STALE_AFTER_SECONDS", c.LockStaleAfterS)
	c.AutoIngest = mustEnvBool("AUTO_INGEST", c.AutoIngest)
	c.WatchDebounceMS = mustEnvInt("WATCH_DEBOUNCE_MS", c.WatchDebounceMS)

	c.ChunkSize = mustEnvInt("CHUNK_SIZE", c.ChunkSize)
	c.ChunkOverlap = mustEnvInt("CHUNK_OVERLAP", c.ChunkOverlap)
	c.ChunkSeparator = mustEnv("CHUNK_SEPARATOR", c.ChunkSeparator)
	c.RAGTopK = mustEnvInt("RAG_TOP_K", c.RAGTopK)
	c.VectorMetric = mustEnv("VECTOR_METRIC", c.VectorMetric)

	c.EmbedProvider = mustEnv("EMBED_PROVIDER", c.EmbedProvider)
	c.EmbedBatchSize = mustEnvInt("EMBED_BATCH_SIZE", c.EmbedBatchSize)
	c.EmbedRatePerSec = mustEnvFloat("EMBED_RATE_PER_SEC", c.EmbedRatePerSec)
	c.HashingDim = mustEnvInt("HASHING_DIM", c.HashingDim)

	c.CompletionProvider = mustEnv("COMPLETION_PROVIDER", c.CompletionProvider)
	c.DefaultModel = mustEnv("DEFAULT_MODEL", c.DefaultModel)
	c.DefaultTemperature = mustEnvFloat("DEFAULT_TEMPERATURE", c.DefaultTemperature)

	c.OllamaURL = mustEnv("OLLAMA_URL", c.OllamaURL)
	c.OllamaGenModel = mustEnv("OLLAMA_GEN_MODEL", c.OllamaGenModel)
	c.OllamaEmbedModel = mustEnv("OLLAMA_EMBED_MODEL", c.OllamaEmbedModel)

	c.OpenAIAPIKey = mustEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIBaseURL = mustEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.OpenAIEmbedModel = mustEnv("OPENAI_EMBED_MODEL", c.OpenAIEmbedModel)

	c.PostgresDSN = mustEnv("POSTGRES_DSN", c.PostgresDSN)

	c.NATSURL = mustEnv("NATS_URL", c.NATSURL)
	c.NATSIngestSubject = mustEnv("NATS_INGEST_SUBJECT", c.NATSIngestSubject)
	c.NATSEventsSubject = mustEnv("NATS_EVENTS_SUBJECT", c.NATSEventsSubject)

	c.HTTPMaxUploadMB = mustEnvInt("HTTP_MAX_UPLOAD_MB", c.HTTPMaxUploadMB)
	c.APIRateLimitRPS = mustEnvFloat("API_RATE_LIMIT_RPS", c.APIRateLimitRPS)
	c.APIRateLimitBurst = mustEnvInt("API_RATE_LIMIT_BURST", c.APIRateLimitBurst)
	c.APIMaxInFlight = mustEnvInt("API_MAX_IN_FLIGHT", c.APIMaxInFlight)
	c.WorkerMetricsPort = mustEnv("WORKER_METRICS_PORT", c.WorkerMetricsPort)

	c.ResilienceRetryMaxAttempts = mustEnvInt("RESILIENCE_RETRY_MAX_ATTEMPTS", c.ResilienceRetryMaxAttempts)
	c.ResilienceRetryInitialBackoff = mustEnvInt("RESILIENCE_RETRY_INITIAL_BACKOFF_MS", c.ResilienceRetryInitialBackoff)
	c.ResilienceRetryMaxBackoff = mustEnvInt("RESILIENCE_RETRY_MAX_BACKOFF_MS", c.ResilienceRetryMaxBackoff)
	c.ResilienceBreakerEnabled = mustEnvBool("RESILIENCE_BREAKER_ENABLED", c.ResilienceBreakerEnabled)
	c.ResilienceBreakerFailureRatio = mustEnvFloat("RESILIENCE_BREAKER_FAILURE_RATIO", c.ResilienceBreakerFailureRatio)
	c.ResilienceBreakerOpenTimeoutS = mustEnvInt("RESILIENCE_BREAKER_OPEN_TIMEOUT_SECONDS", c.ResilienceBreakerOpenTimeoutS)
}

func (c Config) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk_overlap must be in [0, chunk_size), got %d", c.ChunkOverlap))
	}
	if c.RAGTopK <= 0 {
		errs = append(errs, fmt.Errorf("rag_top_k must be positive, got %d", c.RAGTopK))
	}
	if !domain.DistanceMetric(c.VectorMetric).Valid() {
		errs = append(errs, fmt.Errorf("vector_metric must be l2 or cosine, got %q", c.VectorMetric))
	}
	switch c.EmbedProvider {
	case ProviderOllama, ProviderOpenAI, ProviderHashing:
	default:
		errs = append(errs, fmt.Errorf("embed_provider must be ollama, openai or hashing, got %q", c.EmbedProvider))
	}
	switch c.CompletionProvider {
	case ProviderOllama, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("completion_provider must be ollama or openai, got %q", c.CompletionProvider))
	}
	if (c.EmbedProvider == ProviderOpenAI || c.CompletionProvider == ProviderOpenAI) && c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("openai_api_key is required for the openai provider"))
	}
	if c.DefaultTemperature < 0 || c.DefaultTemperature > 2 {
		errs = append(errs, fmt.Errorf("default_temperature must be in [0,2], got %v", c.DefaultTemperature))
	}
	if c.EmbedBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embed_batch_size must be positive, got %d", c.EmbedBatchSize))
	}
	if c.HashingDim <= 0 {
		errs = append(errs, fmt.Errorf("hashing_dim must be positive, got %d", c.HashingDim))
	}
	if strings.TrimSpace(c.DataFolder) == "" || strings.TrimSpace(c.StorePath) == "" {
		errs = append(errs, errors.New("data_folder and store_path are required"))
	}
	if len(errs) > 0 {
		return domain.WrapError(domain.ErrConfig, "validate config", errors.Join(errs...))
	}
	return nil
}

func (c Config) Metric() domain.DistanceMetric {
	return domain.DistanceMetric(c.VectorMetric)
}

func (c Config) LockStaleAfter() time.Duration {
	return time.Duration(c.LockStaleAfterS) * time.Second
}

func (c Config) WatchDebounce() time.Duration {
	return time.Duration(c.WatchDebounceMS) * time.Millisecond
}

func (c Config) Resilience() resilience.Config {
	def := resilience.DefaultConfig()
	def.RetryMaxAttempts = c.ResilienceRetryMaxAttempts
	def.RetryInitialBackoff = time.Duration(c.ResilienceRetryInitialBackoff) * time.Millisecond
	def.RetryMaxBackoff = time.Duration(c.ResilienceRetryMaxBackoff) * time.Millisecond
	def.BreakerEnabled = c.ResilienceBreakerEnabled
	def.BreakerFailureRatio = c.ResilienceBreakerFailureRatio
	def.BreakerOpenTimeout = time.Duration(c.ResilienceBreakerOpenTimeoutS) * time.Second
	return def
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func mustEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
