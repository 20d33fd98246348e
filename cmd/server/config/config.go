// Package config loads server configuration from the environment.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection and behavior settings. Redis is
// optional: when REDIS_URL is unset the server falls back to in-memory
// idempotency tracking and a no-op notifier.
type RedisConfig struct {
	URL                string
	NotifyStream       string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	IdempotencyTTL     time.Duration
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// HTTPConfig holds the public API listener settings.
type HTTPConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// SagaConfig holds orchestrator retry and sweeper settings. Every field is
// optional; zero values select the orchestrator's built-in defaults.
type SagaConfig struct {
	MaxAttempts       int
	ConflictRetries   int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffCap        time.Duration
	StepTimeout       time.Duration

	SweepInterval    time.Duration
	SweepResumeAfter time.Duration
	SweepLimit       int
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string
}

// RedisEnabled reports whether a Redis URL is configured.
func RedisEnabled() bool {
	return strings.TrimSpace(os.Getenv("REDIS_URL")) != ""
}

// LoadRedis reads Redis config from env. REDIS_URL is required; call
// RedisEnabled first to decide whether Redis is in play at all.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		NotifyStream: strings.TrimSpace(os.Getenv("REDIS_NOTIFY_STREAM")),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	healthcheck, err := optionalDuration("REDIS_HEALTHCHECK_TIMEOUT")
	if err != nil {
		return cfg, err
	}
	if healthcheck != nil {
		cfg.HealthcheckTimeout = *healthcheck
	} else {
		cfg.HealthcheckTimeout = 5 * time.Second
	}

	idemTTL, err := optionalDuration("REDIS_IDEMPOTENCY_TTL")
	if err != nil {
		return cfg, err
	}
	if idemTTL != nil {
		cfg.IdempotencyTTL = *idemTTL
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadHTTP reads the public API listener settings from env. Rate limiting is
// enabled only when both interval and burst are set.
func LoadHTTP() (HTTPConfig, error) {
	addr, err := requiredString("HTTP_ADDR")
	if err != nil {
		return HTTPConfig{}, err
	}
	cfg := HTTPConfig{Addr: addr}

	interval, err := optionalDuration("HTTP_RATE_LIMIT_INTERVAL")
	if err != nil {
		return cfg, err
	}
	burst, err := optionalInt("HTTP_RATE_LIMIT_BURST")
	if err != nil {
		return cfg, err
	}
	if (interval != nil) != (burst != nil) {
		return cfg, errors.New("HTTP_RATE_LIMIT_INTERVAL and HTTP_RATE_LIMIT_BURST must be set together")
	}
	if interval != nil {
		cfg.RateLimitInterval = *interval
		cfg.RateLimitBurst = *burst
	}
	return cfg, nil
}

// LoadSaga reads orchestrator tuning from env.
func LoadSaga() (SagaConfig, error) {
	cfg := SagaConfig{}
	var err error

	if cfg.MaxAttempts, err = optionalIntValue("SAGA_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	}
	if cfg.ConflictRetries, err = optionalIntValue("SAGA_CONFLICT_RETRIES"); err != nil {
		return cfg, err
	}
	if cfg.BackoffBase, err = optionalDurationValue("SAGA_BACKOFF_BASE"); err != nil {
		return cfg, err
	}
	if cfg.BackoffMultiplier, err = optionalFloat("SAGA_BACKOFF_MULTIPLIER"); err != nil {
		return cfg, err
	}
	if cfg.BackoffCap, err = optionalDurationValue("SAGA_BACKOFF_CAP"); err != nil {
		return cfg, err
	}
	if cfg.StepTimeout, err = optionalDurationValue("SAGA_STEP_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = optionalDurationValue("SAGA_SWEEP_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.SweepResumeAfter, err = optionalDurationValue("SAGA_SWEEP_RESUME_AFTER"); err != nil {
		return cfg, err
	}
	if cfg.SweepLimit, err = optionalIntValue("SAGA_SWEEP_LIMIT"); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadObservability reads metrics HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	addr, err := requiredString("OBS_ADDR")
	if err != nil {
		return ObservabilityConfig{}, err
	}
	return ObservabilityConfig{Addr: addr}, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalDurationValue(name string) (time.Duration, error) {
	val, err := optionalDuration(name)
	if err != nil || val == nil {
		return 0, err
	}
	return *val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalIntValue(name string) (int, error) {
	val, err := optionalInt(name)
	if err != nil || val == nil {
		return 0, err
	}
	return *val, nil
}

func optionalFloat(name string) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}
