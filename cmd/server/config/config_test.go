package config

import (
	"testing"
	"time"
)

func TestLoadHTTP(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":8080")
	t.Setenv("HTTP_RATE_LIMIT_INTERVAL", "5ms")
	t.Setenv("HTTP_RATE_LIMIT_BURST", "10")

	cfg, err := LoadHTTP()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Addr)
	}
	if cfg.RateLimitInterval != 5*time.Millisecond || cfg.RateLimitBurst != 10 {
		t.Fatalf("unexpected rate limit cfg: %+v", cfg)
	}
}

func TestLoadHTTP_RequiresAddr(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")

	if _, err := LoadHTTP(); err == nil {
		t.Fatalf("expected error when HTTP_ADDR is empty")
	}
}

func TestLoadHTTP_RateLimitFieldsComeTogether(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":8080")
	t.Setenv("HTTP_RATE_LIMIT_INTERVAL", "5ms")
	t.Setenv("HTTP_RATE_LIMIT_BURST", "")

	if _, err := LoadHTTP(); err == nil {
		t.Fatalf("expected error when only the interval is set")
	}
}

func TestLoadObservability(t *testing.T) {
	t.Setenv("OBS_ADDR", ":9999")

	cfg, err := LoadObservability()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Addr != ":9999" {
		t.Fatalf("unexpected observability addr: %+v", cfg)
	}
}

func TestLoadSaga_Defaults(t *testing.T) {
	for _, name := range []string{
		"SAGA_MAX_ATTEMPTS", "SAGA_CONFLICT_RETRIES", "SAGA_BACKOFF_BASE",
		"SAGA_BACKOFF_MULTIPLIER", "SAGA_BACKOFF_CAP", "SAGA_STEP_TIMEOUT",
		"SAGA_SWEEP_INTERVAL", "SAGA_SWEEP_RESUME_AFTER", "SAGA_SWEEP_LIMIT",
	} {
		t.Setenv(name, "")
	}

	cfg, err := LoadSaga()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != (SagaConfig{}) {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadSaga(t *testing.T) {
	t.Setenv("SAGA_MAX_ATTEMPTS", "5")
	t.Setenv("SAGA_CONFLICT_RETRIES", "3")
	t.Setenv("SAGA_BACKOFF_BASE", "50ms")
	t.Setenv("SAGA_BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("SAGA_BACKOFF_CAP", "2s")
	t.Setenv("SAGA_STEP_TIMEOUT", "4s")
	t.Setenv("SAGA_SWEEP_INTERVAL", "15s")
	t.Setenv("SAGA_SWEEP_RESUME_AFTER", "45s")
	t.Setenv("SAGA_SWEEP_LIMIT", "200")

	cfg, err := LoadSaga()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxAttempts != 5 || cfg.ConflictRetries != 3 {
		t.Fatalf("unexpected retry cfg: %+v", cfg)
	}
	if cfg.BackoffBase != 50*time.Millisecond || cfg.BackoffMultiplier != 1.5 || cfg.BackoffCap != 2*time.Second {
		t.Fatalf("unexpected backoff cfg: %+v", cfg)
	}
	if cfg.StepTimeout != 4*time.Second {
		t.Fatalf("unexpected step timeout: %v", cfg.StepTimeout)
	}
	if cfg.SweepInterval != 15*time.Second || cfg.SweepResumeAfter != 45*time.Second || cfg.SweepLimit != 200 {
		t.Fatalf("unexpected sweeper cfg: %+v", cfg)
	}
}

func TestLoadSaga_RejectsNegativeValues(t *testing.T) {
	t.Setenv("SAGA_MAX_ATTEMPTS", "-1")

	if _, err := LoadSaga(); err == nil {
		t.Fatalf("expected error for negative attempts")
	}
}

func TestLoadRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_NOTIFY_STREAM", "bookings")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "2s")
	t.Setenv("REDIS_IDEMPOTENCY_TTL", "12h")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.URL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url: %s", cfg.URL)
	}
	if cfg.NotifyStream != "bookings" {
		t.Fatalf("unexpected stream: %s", cfg.NotifyStream)
	}
	if cfg.HealthcheckTimeout != 2*time.Second {
		t.Fatalf("unexpected healthcheck timeout: %v", cfg.HealthcheckTimeout)
	}
	if cfg.IdempotencyTTL != 12*time.Hour {
		t.Fatalf("unexpected idempotency ttl: %v", cfg.IdempotencyTTL)
	}
}

func TestLoadRedis_DefaultsHealthcheck(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_HEALTHCHECK_TIMEOUT", "")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HealthcheckTimeout != 5*time.Second {
		t.Fatalf("unexpected default healthcheck timeout: %v", cfg.HealthcheckTimeout)
	}
}

func TestLoadRedis_WithOptionalFields(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_DIAL_TIMEOUT", "3s")
	t.Setenv("REDIS_READ_TIMEOUT", "4s")
	t.Setenv("REDIS_WRITE_TIMEOUT", "5s")
	t.Setenv("REDIS_POOL_SIZE", "9")
	t.Setenv("REDIS_MIN_IDLE_CONNS", "2")
	t.Setenv("REDIS_MAX_RETRIES", "3")
	t.Setenv("REDIS_OTEL", "true")

	cfg, err := LoadRedis()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DialTimeout == nil || *cfg.DialTimeout != 3*time.Second {
		t.Fatalf("unexpected dial timeout: %v", cfg.DialTimeout)
	}
	if cfg.ReadTimeout == nil || *cfg.ReadTimeout != 4*time.Second {
		t.Fatalf("unexpected read timeout: %v", cfg.ReadTimeout)
	}
	if cfg.WriteTimeout == nil || *cfg.WriteTimeout != 5*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.WriteTimeout)
	}
	if cfg.PoolSize == nil || *cfg.PoolSize != 9 {
		t.Fatalf("unexpected pool size: %v", cfg.PoolSize)
	}
	if cfg.MinIdleConns == nil || *cfg.MinIdleConns != 2 {
		t.Fatalf("unexpected min idle conns: %v", cfg.MinIdleConns)
	}
	if cfg.MaxRetries == nil || *cfg.MaxRetries != 3 {
		t.Fatalf("unexpected max retries: %v", cfg.MaxRetries)
	}
	if !cfg.EnableOTel {
		t.Fatalf("expected otel enabled")
	}
}

func TestLoadRedis_RequiresURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")

	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected error when REDIS_URL is empty")
	}
}

func TestLoadRedis_TLSCertAndKeyComeTogether(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("REDIS_TLS_CERT_FILE", "/tmp/cert.pem")
	t.Setenv("REDIS_TLS_KEY_FILE", "")

	if _, err := LoadRedis(); err == nil {
		t.Fatalf("expected error when cert is set without key")
	}
}

func TestRedisEnabled(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if RedisEnabled() {
		t.Fatalf("expected redis disabled")
	}
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	if !RedisEnabled() {
		t.Fatalf("expected redis enabled")
	}
}
