// Package config loads the process configuration: an optional JSON policy
// file, an optional .env file and environment variable overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/hasura/engine-plugin-rate-limit/internal/ratelimiter"
)

const defaultConfigPath = "config.json"

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port            string
	AuthSecret      string
	ShutdownTimeout time.Duration
}

type RedisConfig struct {
	URL            string
	Timeout        time.Duration
	HealthInterval time.Duration
}

type RateLimitConfig struct {
	Policy            ratelimiter.Policy
	KeyPrefix         string
	UnavailableStatus int
}

type LogConfig struct {
	Level  string
	Format string
}

// fileConfig mirrors the JSON policy file.
type fileConfig struct {
	RedisURL  string `json:"redis_url"`
	RateLimit struct {
		Limit               *int64                `json:"limit"`
		WindowSeconds       *int64                `json:"window_seconds"`
		ExcludedRoles       []string              `json:"excluded_roles"`
		KeyConfig           ratelimiter.KeyFields `json:"key_config"`
		UnavailableBehavior struct {
			FallbackMode string `json:"fallback_mode"`
			StatusCode   int    `json:"status_code"`
		} `json:"unavailable_behavior"`
	} `json:"rate_limit"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8787",
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			URL:            "redis://localhost:6379",
			Timeout:        500 * time.Millisecond,
			HealthInterval: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Policy: ratelimiter.Policy{
				Limit:         100,
				WindowSeconds: 60,
				FallbackMode:  ratelimiter.FallbackDeny,
			},
			KeyPrefix:         "rate_limit:",
			UnavailableStatus: http.StatusServiceUnavailable,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. The policy file named by
// RATE_LIMIT_CONFIG_PATH is applied over the defaults, then environment
// variables are applied over the file.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	path, explicit := lookupEnv("RATE_LIMIT_CONFIG_PATH")
	if !explicit {
		path = defaultConfigPath
	}
	if err := applyFile(&cfg, path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || explicit {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the policy and the transport settings.
func (c Config) Validate() error {
	if err := c.RateLimit.Policy.Validate(); err != nil {
		return err
	}
	if c.RateLimit.UnavailableStatus < 100 || c.RateLimit.UnavailableStatus > 599 {
		return fmt.Errorf("invalid unavailable status code: %d", c.RateLimit.UnavailableStatus)
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("redis url is required")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := json.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.RedisURL != "" {
		cfg.Redis.URL = fc.RedisURL
	}

	rl := fc.RateLimit
	policy := &cfg.RateLimit.Policy
	if rl.Limit != nil {
		policy.Limit = *rl.Limit
	}
	if rl.WindowSeconds != nil {
		policy.WindowSeconds = *rl.WindowSeconds
	}
	if rl.ExcludedRoles != nil {
		policy.ExcludedRoles = rl.ExcludedRoles
	}
	if rl.KeyConfig.HeaderNames != nil {
		policy.KeyFields.HeaderNames = rl.KeyConfig.HeaderNames
	}
	if rl.KeyConfig.SessionVariableNames != nil {
		policy.KeyFields.SessionVariableNames = rl.KeyConfig.SessionVariableNames
	}
	if rl.UnavailableBehavior.FallbackMode != "" {
		mode, err := ratelimiter.ParseFallbackMode(rl.UnavailableBehavior.FallbackMode)
		if err != nil {
			return fmt.Errorf("config file %s: %w", path, err)
		}
		policy.FallbackMode = mode
	}
	if rl.UnavailableBehavior.StatusCode != 0 {
		cfg.RateLimit.UnavailableStatus = rl.UnavailableBehavior.StatusCode
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.AuthSecret = getEnv("HASURA_M_AUTH", cfg.Server.AuthSecret)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.RateLimit.KeyPrefix = getEnv("RATE_LIMIT_KEY_PREFIX", cfg.RateLimit.KeyPrefix)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)

	policy := &cfg.RateLimit.Policy
	var err error
	if policy.Limit, err = getInt64("RATE_LIMIT_LIMIT", policy.Limit); err != nil {
		return err
	}
	if policy.WindowSeconds, err = getInt64("RATE_LIMIT_WINDOW_SECONDS", policy.WindowSeconds); err != nil {
		return err
	}
	if v, ok := lookupEnv("RATE_LIMIT_FALLBACK_MODE"); ok {
		mode, err := ratelimiter.ParseFallbackMode(v)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT_FALLBACK_MODE: %w", err)
		}
		policy.FallbackMode = mode
	}
	if v, ok := lookupEnv("RATE_LIMIT_EXCLUDED_ROLES"); ok {
		policy.ExcludedRoles = splitList(v)
	}
	if v, ok := lookupEnv("RATE_LIMIT_KEY_HEADERS"); ok {
		policy.KeyFields.HeaderNames = splitList(v)
	}
	if v, ok := lookupEnv("RATE_LIMIT_KEY_SESSION_VARIABLES"); ok {
		policy.KeyFields.SessionVariableNames = splitList(v)
	}

	status, err := getInt64("RATE_LIMIT_UNAVAILABLE_STATUS", int64(cfg.RateLimit.UnavailableStatus))
	if err != nil {
		return err
	}
	cfg.RateLimit.UnavailableStatus = int(status)

	if cfg.Redis.Timeout, err = getDuration("REDIS_TIMEOUT", cfg.Redis.Timeout); err != nil {
		return err
	}
	if cfg.Redis.HealthInterval, err = getDuration("REDIS_HEALTH_INTERVAL", cfg.Redis.HealthInterval); err != nil {
		return err
	}
	if cfg.Server.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

// splitList splits a comma separated list, keeping order and dropping blanks.
func splitList(raw string) []string {
	items := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func getEnv(key, fallback string) string {
	if value, ok := lookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := lookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
