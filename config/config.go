package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port    string // default: 8080
	Version string

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Backends, in routing preference order
	Backends []Backend

	// Capabilities
	AuthMode      string // "offline" or "apikey"
	TelemetryMode string // "noop" or "trace"
	FeatureFlags  map[string]string

	// Retry
	RetryMaxAttempts uint // default: 3, 1 disables retries

	// Observability
	OTELExporterType     string // "stdout", "otlp" or "none"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

// Backend is one configured endpoint. Name is what callers select by,
// Profile is the wire shape it speaks.
type Backend struct {
	Name    string
	Profile string

	BaseURL      string
	URL          string
	APIKey       string
	ModelID      string
	ExtraHeaders map[string]string
	UserID       string
	UserType     string
	SystemName   string

	// Optional model info override, nil when none of the fields are set.
	Model *ModelOverride
}

type ModelOverride struct {
	MaxTokens     int
	ContextWindow int
	InputPrice    float64
	OutputPrice   float64
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Version:              getEnv("SERVICE_VERSION", "0.1.0"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		AuthMode:             getEnv("AUTH_MODE", "offline"),
		TelemetryMode:        getEnv("TELEMETRY_MODE", "noop"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	flags, err := ParsePairs(os.Getenv("FEATURE_FLAGS"))
	if err != nil {
		return nil, fmt.Errorf("invalid FEATURE_FLAGS: %w", err)
	}
	cfg.FeatureFlags = flags

	// Rate Limiting Default
	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	attempts, err := strconv.ParseUint(getEnv("RETRY_MAX_ATTEMPTS", "3"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS: %w", err)
	}
	cfg.RetryMaxAttempts = uint(attempts)

	for _, entry := range splitList(getEnv("BACKENDS", "openai")) {
		b, err := loadBackend(entry)
		if err != nil {
			return nil, err
		}
		cfg.Backends = append(cfg.Backends, b)
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("BACKENDS must name at least one backend")
	}
	switch cfg.AuthMode {
	case "offline", "apikey":
	default:
		return nil, fmt.Errorf("invalid AUTH_MODE %q", cfg.AuthMode)
	}
	switch cfg.TelemetryMode {
	case "noop", "trace":
	default:
		return nil, fmt.Errorf("invalid TELEMETRY_MODE %q", cfg.TelemetryMode)
	}

	return cfg, nil
}

// loadBackend reads the variables of one BACKENDS entry. An entry is either
// a profile name ("openai") or an alias bound to a profile
// ("local=openai-compatible"); the alias picks the variable prefix.
func loadBackend(entry string) (Backend, error) {
	name, profile := entry, entry
	if alias, p, ok := strings.Cut(entry, "="); ok {
		name, profile = strings.TrimSpace(alias), strings.TrimSpace(p)
	}
	if name == "" || profile == "" {
		return Backend{}, fmt.Errorf("invalid BACKENDS entry %q", entry)
	}

	prefix := EnvPrefix(name)
	b := Backend{
		Name:       name,
		Profile:    profile,
		BaseURL:    os.Getenv(prefix + "_BASE_URL"),
		URL:        os.Getenv(prefix + "_URL"),
		APIKey:     os.Getenv(prefix + "_API_KEY"),
		ModelID:    os.Getenv(prefix + "_MODEL_ID"),
		UserID:     os.Getenv(prefix + "_USER_ID"),
		UserType:   os.Getenv(prefix + "_USER_TYPE"),
		SystemName: os.Getenv(prefix + "_SYSTEM_NAME"),
	}

	headers, err := ParsePairs(os.Getenv(prefix + "_HEADERS"))
	if err != nil {
		return Backend{}, fmt.Errorf("invalid %s_HEADERS: %w", prefix, err)
	}
	b.ExtraHeaders = headers

	model, err := loadModelOverride(prefix)
	if err != nil {
		return Backend{}, err
	}
	b.Model = model

	return b, nil
}

func loadModelOverride(prefix string) (*ModelOverride, error) {
	var m ModelOverride
	var set bool

	for _, field := range []struct {
		key string
		dst *int
	}{
		{"_MAX_TOKENS", &m.MaxTokens},
		{"_CONTEXT_WINDOW", &m.ContextWindow},
	} {
		v := os.Getenv(prefix + field.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s%s: %w", prefix, field.key, err)
		}
		*field.dst = n
		set = true
	}

	for _, field := range []struct {
		key string
		dst *float64
	}{
		{"_INPUT_PRICE", &m.InputPrice},
		{"_OUTPUT_PRICE", &m.OutputPrice},
	} {
		v := os.Getenv(prefix + field.key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s%s: %w", prefix, field.key, err)
		}
		*field.dst = f
		set = true
	}

	if !set {
		return nil, nil
	}
	return &m, nil
}

// EnvPrefix maps a backend name to its variable prefix:
// "openai-compatible" becomes "OPENAI_COMPATIBLE".
func EnvPrefix(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// ParsePairs parses "k=v;k=v". Empty input yields an empty map.
func ParsePairs(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed pair %q", pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
