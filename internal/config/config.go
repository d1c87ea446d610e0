package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the recognized configuration surface. Values come from an
// optional YAML file overridden by ASSESS_* environment variables; every
// field has a default, so both the file and the variables are optional.
type Config struct {
	// Env is "development" or "production"; production tightens the default
	// rate ceilings
	Env    string `yaml:"env"`
	Port   string `yaml:"port"`
	DBPath string `yaml:"db_path"`
	// RedisAddr enables cross-instance rate-limit coordination when set.
	// Absence never prevents startup.
	RedisAddr string `yaml:"redis_addr"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Cache     CacheConfig     `yaml:"cache"`
	Executor  ExecutorConfig  `yaml:"executor"`
}

// RateLimitConfig holds admission ceilings
type RateLimitConfig struct {
	PerMinute int     `yaml:"per_minute"`
	PerHour   int     `yaml:"per_hour"`
	BurstRPS  float64 `yaml:"burst_rps"`
	Burst     int     `yaml:"burst"`
}

// BreakerConfig holds the scorer breaker thresholds
type BreakerConfig struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
	SuccessThreshold       int `yaml:"success_threshold"`
	CallTimeoutSeconds     int `yaml:"call_timeout_seconds"`
}

// RecoveryTimeout returns the recovery timeout as a duration
func (c BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// CallTimeout returns the per-call timeout as a duration
func (c BreakerConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// CacheConfig holds response cache settings
type CacheConfig struct {
	TTLSeconds           int `yaml:"ttl_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// TTL returns the default entry lifetime as a duration
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval returns the expiry sweep cadence as a duration
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// ExecutorConfig holds worker pool and retry policy settings
type ExecutorConfig struct {
	Workers            int `yaml:"workers"`
	MaxAttempts        int `yaml:"max_attempts"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffCapSeconds  int `yaml:"backoff_cap_seconds"`
	RetentionHours     int `yaml:"retention_hours"`
}

// BackoffBase returns the first retry delay as a duration
func (c ExecutorConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the maximum retry delay as a duration
func (c ExecutorConfig) BackoffCap() time.Duration {
	return time.Duration(c.BackoffCapSeconds) * time.Second
}

// Retention returns how long terminal tasks stay queryable
func (c ExecutorConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// Default returns the configuration defaults for an environment
func Default(env string) Config {
	cfg := Config{
		Env:    env,
		Port:   "8080",
		DBPath: "assessments.db",
		RateLimit: RateLimitConfig{
			PerMinute: 120,
			PerHour:   2000,
			BurstRPS:  50,
			Burst:     100,
		},
		Breaker: BreakerConfig{
			FailureThreshold:       5,
			RecoveryTimeoutSeconds: 30,
			SuccessThreshold:       2,
			CallTimeoutSeconds:     10,
		},
		Cache: CacheConfig{
			TTLSeconds:           300,
			SweepIntervalSeconds: 60,
		},
		Executor: ExecutorConfig{
			Workers:            4,
			MaxAttempts:        3,
			BackoffBaseSeconds: 2,
			BackoffCapSeconds:  300,
			RetentionHours:     24,
		},
	}

	if env == "production" {
		cfg.RateLimit.PerMinute = 60
		cfg.RateLimit.PerHour = 1000
	}
	return cfg
}

// Load builds the configuration: defaults for the current environment, then
// the YAML file at path (if any), then ASSESS_* environment overrides
func Load(path string) (Config, error) {
	env := getenv("ASSESS_ENV", "development")
	cfg := Default(env)

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
		// the file may not restate the environment
		if cfg.Env == "" {
			cfg.Env = env
		}
	}

	cfg.Port = getenv("ASSESS_PORT", cfg.Port)
	cfg.DBPath = getenv("ASSESS_DB_PATH", cfg.DBPath)
	cfg.RedisAddr = getenv("ASSESS_REDIS_ADDR", cfg.RedisAddr)
	cfg.RateLimit.PerMinute = getenvInt("ASSESS_RATE_LIMIT_PER_MIN", cfg.RateLimit.PerMinute)
	cfg.RateLimit.PerHour = getenvInt("ASSESS_RATE_LIMIT_PER_HOUR", cfg.RateLimit.PerHour)
	cfg.Breaker.FailureThreshold = getenvInt("ASSESS_BREAKER_FAILURE_THRESHOLD", cfg.Breaker.FailureThreshold)
	cfg.Breaker.RecoveryTimeoutSeconds = getenvInt("ASSESS_BREAKER_RECOVERY_SECONDS", cfg.Breaker.RecoveryTimeoutSeconds)
	cfg.Breaker.SuccessThreshold = getenvInt("ASSESS_BREAKER_SUCCESS_THRESHOLD", cfg.Breaker.SuccessThreshold)
	cfg.Cache.TTLSeconds = getenvInt("ASSESS_CACHE_TTL_SECONDS", cfg.Cache.TTLSeconds)
	cfg.Executor.Workers = getenvInt("ASSESS_WORKERS", cfg.Executor.Workers)
	cfg.Executor.MaxAttempts = getenvInt("ASSESS_MAX_ATTEMPTS", cfg.Executor.MaxAttempts)
	cfg.Executor.BackoffBaseSeconds = getenvInt("ASSESS_BACKOFF_BASE_SECONDS", cfg.Executor.BackoffBaseSeconds)
	cfg.Executor.BackoffCapSeconds = getenvInt("ASSESS_BACKOFF_CAP_SECONDS", cfg.Executor.BackoffCapSeconds)

	return cfg, nil
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
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
