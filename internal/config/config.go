package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultAnalysisEndpoint is the local proxy route the analysis client posts to
// when ANALYSIS_ENDPOINT is unset.
const DefaultAnalysisEndpoint = "http://localhost:8080/api/proxy/analyze"

// Config holds the service settings. It is read once at startup and passed
// explicitly to the components that need it.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	AnalysisEndpoint    string
	AnalysisTimeout     time.Duration
	AnalysisMaxInFlight int
	InferenceUpstream   string
	MaxBatchFiles       int

	DatabaseDSN string
	RedisAddr   string
	CacheTTL    time.Duration

	JWTSecret   string
	JWTAudience string
	AuthEnabled bool
}

var defaults = map[string]any{
	"http_addr":             ":8080",
	"grpc_addr":             ":9090",
	"log_level":             "info",
	"analysis_endpoint":     DefaultAnalysisEndpoint,
	"analysis_timeout":      "60s",
	"analysis_max_inflight": 1,
	"inference_upstream":    "",
	"max_batch_files":       10,
	"database_dsn":          "host=postgres user=postgres password=postgres dbname=corrosion port=5432 sslmode=disable",
	"redis_addr":            "redis:6379",
	"cache_ttl":             "5m",
	"jwt_secret":            "dev-secret",
	"jwt_audience":          "",
	"auth_enabled":          true,
}

// Load reads configuration from a best-effort .env file, an optional YAML
// file named by CONFIG_FILE, and the process environment, in increasing
// order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config failed: %w", err)
		}
	}

	cfg := &Config{
		HTTPAddr:            v.GetString("http_addr"),
		GRPCAddr:            v.GetString("grpc_addr"),
		LogLevel:            v.GetString("log_level"),
		AnalysisEndpoint:    strings.TrimSpace(v.GetString("analysis_endpoint")),
		AnalysisTimeout:     v.GetDuration("analysis_timeout"),
		AnalysisMaxInFlight: v.GetInt("analysis_max_inflight"),
		InferenceUpstream:   strings.TrimSpace(v.GetString("inference_upstream")),
		MaxBatchFiles:       v.GetInt("max_batch_files"),
		DatabaseDSN:         v.GetString("database_dsn"),
		RedisAddr:           v.GetString("redis_addr"),
		CacheTTL:            v.GetDuration("cache_ttl"),
		JWTSecret:           strings.TrimSpace(v.GetString("jwt_secret")),
		JWTAudience:         strings.TrimSpace(v.GetString("jwt_audience")),
		AuthEnabled:         v.GetBool("auth_enabled"),
	}
	if cfg.AnalysisEndpoint == "" {
		cfg.AnalysisEndpoint = DefaultAnalysisEndpoint
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail late at request time.
func (c *Config) Validate() error {
	u, err := url.Parse(c.AnalysisEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("analysis_endpoint must be an absolute URL, got %q", c.AnalysisEndpoint)
	}
	if c.InferenceUpstream != "" {
		u, err := url.Parse(c.InferenceUpstream)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("inference_upstream must be an absolute URL, got %q", c.InferenceUpstream)
		}
	}
	if c.AnalysisTimeout <= 0 {
		return fmt.Errorf("analysis_timeout must be positive")
	}
	if c.AnalysisMaxInFlight < 1 {
		return fmt.Errorf("analysis_max_inflight must be at least 1")
	}
	if c.MaxBatchFiles < 1 {
		return fmt.Errorf("max_batch_files must be at least 1")
	}
	if c.AuthEnabled && c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required when auth is enabled")
	}
	return nil
}
