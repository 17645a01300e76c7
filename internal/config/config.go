package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "NUTRIGUARD_"

// Store drivers understood by cmd/api.
const (
	DriverMemory       = "memory"
	DriverPostgres     = "postgres"
	DriverGormPostgres = "gorm-postgres"
	DriverSQLite       = "sqlite"
)

// Config is centralized process configuration.
// File values are loaded first and environment variables override them.
type Config struct {
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`

	StoreDriver string `yaml:"store_driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	SessionTTL    time.Duration `yaml:"session_ttl"`

	OriginLookupURL     string        `yaml:"origin_lookup_url"`
	OriginLookupTimeout time.Duration `yaml:"origin_lookup_timeout"`

	TokenSecret string        `yaml:"token_secret"`
	TokenIssuer string        `yaml:"token_issuer"`
	TokenTTL    time.Duration `yaml:"token_ttl"`

	RateBurst      int      `yaml:"rate_burst"`
	RatePerSec     int      `yaml:"rate_per_sec"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	FallbackCapacity    int           `yaml:"fallback_capacity"`
	FallbackReplayEvery time.Duration `yaml:"fallback_replay_every"`
	EnforceRevocations  bool          `yaml:"enforce_revocations"`

	CipherAlgorithm string `yaml:"cipher_algorithm"`
	TOTPIssuer      string `yaml:"totp_issuer"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		ServiceName:         "nutriguard",
		Environment:         "development",
		HTTPAddr:            ":8080",
		GRPCAddr:            ":9090",
		StoreDriver:         DriverMemory,
		SQLitePath:          "nutriguard.db",
		SessionTTL:          30 * time.Minute,
		OriginLookupURL:     "https://api.ipify.org?format=json",
		OriginLookupTimeout: 2 * time.Second,
		TokenIssuer:         "nutriguard",
		TokenTTL:            time.Hour,
		RateBurst:           20,
		RatePerSec:          10,
		MaxBodyBytes:        1 << 20,
		FallbackCapacity:    100,
		FallbackReplayEvery: time.Minute,
		CipherAlgorithm:     "AES-GCM",
		TOTPIssuer:          "Nutritional Insights",
	}
}

// Load reads the optional YAML file named by NUTRIGUARD_CONFIG and then
// applies NUTRIGUARD_* environment overrides.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ServiceName = envString("SERVICE_NAME", cfg.ServiceName)
	cfg.Environment = envString("ENVIRONMENT", cfg.Environment)
	cfg.HTTPAddr = envString("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = envString("GRPC_ADDR", cfg.GRPCAddr)
	cfg.StoreDriver = strings.ToLower(envString("STORE_DRIVER", cfg.StoreDriver))
	cfg.PostgresDSN = envString("PG_DSN", cfg.PostgresDSN)
	cfg.SQLitePath = envString("SQLITE_PATH", cfg.SQLitePath)
	cfg.RedisAddr = envString("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envString("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB)
	cfg.SessionTTL = envDuration("SESSION_TTL", cfg.SessionTTL)
	cfg.OriginLookupURL = envString("ORIGIN_LOOKUP_URL", cfg.OriginLookupURL)
	cfg.OriginLookupTimeout = envDuration("ORIGIN_LOOKUP_TIMEOUT", cfg.OriginLookupTimeout)
	cfg.TokenSecret = envString("AUTH_SECRET", cfg.TokenSecret)
	cfg.TokenIssuer = envString("AUTH_ISSUER", cfg.TokenIssuer)
	cfg.TokenTTL = envDuration("AUTH_TOKEN_TTL", cfg.TokenTTL)
	cfg.RateBurst = envInt("RATE_BURST", cfg.RateBurst)
	cfg.RatePerSec = envInt("RATE_PER_SEC", cfg.RatePerSec)
	cfg.MaxBodyBytes = int64(envInt("MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))
	cfg.AllowedOrigins = envList("ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.FallbackCapacity = envInt("AUDIT_FALLBACK_CAPACITY", cfg.FallbackCapacity)
	cfg.FallbackReplayEvery = envDuration("AUDIT_FALLBACK_REPLAY_EVERY", cfg.FallbackReplayEvery)
	cfg.EnforceRevocations = envBool("ENFORCE_REVOCATIONS", cfg.EnforceRevocations)
	cfg.CipherAlgorithm = envString("CIPHER_ALGORITHM", cfg.CipherAlgorithm)
	cfg.TOTPIssuer = envString("TOTP_ISSUER", cfg.TOTPIssuer)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports configuration that cmd/api cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres, DriverGormPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, fmt.Errorf("store driver %q requires %sPG_DSN", c.StoreDriver, envPrefix))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	switch c.CipherAlgorithm {
	case "AES-GCM", "ChaCha20-Poly1305":
	default:
		errs = append(errs, fmt.Errorf("unknown cipher algorithm %q", c.CipherAlgorithm))
	}
	if c.FallbackCapacity <= 0 {
		errs = append(errs, errors.New("audit fallback capacity must be positive"))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	return errors.Join(errs...)
}

func envString(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	return raw
}

func envList(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envPrefix + name)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
