/**
 * Configuration for the Prescription OCR Worker
 *
 * Loads configuration from environment variables (optionally populated from .env)
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
)

// Provider kinds accepted in OCR_PROVIDERS
const (
	ProviderTesseract = "tesseract"
	ProviderGemini    = "gemini"
	ProviderMistral   = "mistral"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

var knownProviders = map[string]bool{
	ProviderTesseract: true,
	ProviderGemini:    true,
	ProviderMistral:   true,
	ProviderOpenAI:    true,
	ProviderAnthropic: true,
}

// ProviderConfig carries the credentials and endpoint of one recognition provider.
// Its contents are opaque to the orchestrator.
type ProviderConfig struct {
	Kind    string
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Config holds worker configuration
type Config struct {
	// Recognition providers, in priority order
	Providers     []ProviderConfig
	LanguageHints []string

	// Pipeline thresholds
	MaxConcurrent               int
	QualityThreshold            float64
	MinimumAcceptableConfidence float64
	RetryAttempts               int

	// Timeouts
	ProviderTimeout   time.Duration
	ItemTimeout       time.Duration
	BatchTimeout      time.Duration
	DrugLookupTimeout time.Duration

	// Result cache
	CacheSize int
	CacheTTL  time.Duration

	// Redis configuration (queue, status, shared cache tier)
	RedisURL          string
	QueueName         string
	WorkerConcurrency int
	MaxImageBytes     int64

	// PostgreSQL drug database; empty uses the built-in formulary
	DatabaseURL string

	// Logging
	LogLevel  string
	LogFormat string

	AppEnv string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	providerTimeout := getEnvAsDurationOrDefault("PROVIDER_TIMEOUT", 30*time.Second)

	cfg := &Config{
		LanguageHints:               getEnvAsListOrDefault("OCR_LANGUAGE_HINTS", []string{"en", "af"}),
		MaxConcurrent:               getEnvAsIntOrDefault("BATCH_MAX_CONCURRENT", 4),
		QualityThreshold:            getEnvAsFloatOrDefault("QUALITY_THRESHOLD", 0.4),
		MinimumAcceptableConfidence: getEnvAsFloatOrDefault("MINIMUM_ACCEPTABLE_CONFIDENCE", 0.75),
		RetryAttempts:               getEnvAsIntOrDefault("RETRY_ATTEMPTS", 3),
		ProviderTimeout:             providerTimeout,
		ItemTimeout:                 getEnvAsDurationOrDefault("ITEM_TIMEOUT", 2*time.Minute),
		BatchTimeout:                getEnvAsDurationOrDefault("BATCH_TIMEOUT", 10*time.Minute),
		DrugLookupTimeout:           getEnvAsDurationOrDefault("DRUG_LOOKUP_TIMEOUT", 2*time.Second),
		CacheSize:                   getEnvAsIntOrDefault("CACHE_SIZE", 512),
		CacheTTL:                    getEnvAsDurationOrDefault("CACHE_TTL", 24*time.Hour),
		RedisURL:                    getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
		QueueName:                   getEnvOrDefault("QUEUE_NAME", "prescription-ocr"),
		WorkerConcurrency:           getEnvAsIntOrDefault("WORKER_CONCURRENCY", 2),
		MaxImageBytes:               int64(getEnvAsIntOrDefault("MAX_IMAGE_BYTES", 20*1024*1024)),
		DatabaseURL:                 getEnvOrDefault("DATABASE_URL", ""),
		LogLevel:                    getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:                   getEnvOrDefault("LOG_FORMAT", "text"),
		AppEnv:                      getEnvOrDefault("APP_ENV", "development"),
	}

	for _, kind := range getEnvAsListOrDefault("OCR_PROVIDERS", []string{ProviderTesseract}) {
		cfg.Providers = append(cfg.Providers, providerFromEnv(strings.ToLower(kind), providerTimeout))
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func providerFromEnv(kind string, timeout time.Duration) ProviderConfig {
	p := ProviderConfig{Kind: kind, Timeout: timeout}
	switch kind {
	case ProviderGemini:
		p.APIKey = os.Getenv("GEMINI_API_KEY")
		p.Model = getEnvOrDefault("GEMINI_MODEL", "gemini-1.5-flash")
	case ProviderMistral:
		p.APIKey = os.Getenv("MISTRAL_API_KEY")
		p.Model = getEnvOrDefault("MISTRAL_MODEL", "mistral-ocr-latest")
		p.BaseURL = getEnvOrDefault("MISTRAL_BASE_URL", "https://api.mistral.ai/v1")
	case ProviderOpenAI:
		p.APIKey = os.Getenv("OPENAI_API_KEY")
		p.Model = getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini")
	case ProviderAnthropic:
		p.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		p.Model = getEnvOrDefault("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest")
	}
	return p
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return configError("at least one OCR provider must be configured")
	}

	for _, p := range c.Providers {
		if !knownProviders[p.Kind] {
			return configError("unknown OCR provider %q", p.Kind)
		}
		if p.Kind != ProviderTesseract && p.APIKey == "" {
			return configError("provider %s requires an API key", p.Kind)
		}
	}

	if c.MaxConcurrent < 1 || c.MaxConcurrent > 64 {
		return configError("BATCH_MAX_CONCURRENT must be between 1 and 64, got %d", c.MaxConcurrent)
	}

	if c.QualityThreshold < 0 || c.QualityThreshold > 1 {
		return configError("QUALITY_THRESHOLD must be within [0,1], got %v", c.QualityThreshold)
	}

	if c.MinimumAcceptableConfidence < 0 || c.MinimumAcceptableConfidence > 1 {
		return configError("MINIMUM_ACCEPTABLE_CONFIDENCE must be within [0,1], got %v", c.MinimumAcceptableConfidence)
	}

	if c.RetryAttempts < 1 {
		return configError("RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}

	if c.CacheSize < 1 {
		return configError("CACHE_SIZE must be positive, got %d", c.CacheSize)
	}

	if c.WorkerConcurrency < 1 {
		return configError("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}

	if c.RedisURL == "" {
		return configError("REDIS_URL is required")
	}

	return nil
}

func configError(format string, args ...interface{}) error {
	return apperrors.NewConfigurationError(fmt.Sprintf(format, args...))
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDurationOrDefault accepts Go durations ("30s") or plain milliseconds
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if ms, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsListOrDefault splits a comma-separated variable, dropping empty entries
func getEnvAsListOrDefault(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
