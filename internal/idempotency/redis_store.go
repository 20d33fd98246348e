// Package idempotency implements the side-effect claim store on Redis.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/md-nayeem-khan/high-throughput-booking-and-payment-orchestration-system/internal/saga"
)

const (
	defaultClaimTTL  = 2 * time.Minute
	defaultRetention = 24 * time.Hour
)

// releaseScript deletes the record only while it is still an in-flight claim,
// so a Release racing a Complete can never drop a completed result.
const releaseScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
if rec.status == 'in_flight' then
	return redis.call('DEL', KEYS[1])
end
return 0
`

type record struct {
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

// Options tunes a RedisStore. Zero values select defaults.
type Options struct {
	// ClaimTTL bounds how long an in-flight claim blocks other workers. A
	// crashed worker's claim simply expires.
	ClaimTTL time.Duration
	// Retention bounds how long completed results are kept for replay
	// adoption.
	Retention time.Duration
	KeyPrefix string
}

// RedisStore records side-effect claims in Redis. The SETNX claim makes Begin
// a single round trip in the common fresh case, and TTLs replace the purge
// sweep the Postgres store needs.
type RedisStore struct {
	client    redis.Cmdable
	claimTTL  time.Duration
	retention time.Duration
	prefix    string
	release   *redis.Script
}

// NewRedisStore constructs a RedisStore over any go-redis client.
func NewRedisStore(client redis.Cmdable, opts Options) *RedisStore {
	claimTTL := opts.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "idem:"
	}
	return &RedisStore{
		client:    client,
		claimTTL:  claimTTL,
		retention: retention,
		prefix:    prefix,
		release:   redis.NewScript(releaseScript),
	}
}

func (s *RedisStore) key(operation, key string) string {
	return s.prefix + operation + ":" + key
}

// Begin claims the key.
func (s *RedisStore) Begin(ctx context.Context, operation, key string) (saga.Claim, string, error) {
	raw, err := json.Marshal(record{Status: "in_flight"})
	if err != nil {
		return "", "", err
	}

	set, err := s.client.SetNX(ctx, s.key(operation, key), raw, s.claimTTL).Result()
	if err != nil {
		return "", "", fmt.Errorf("claim %s/%s: %w", operation, key, err)
	}
	if set {
		return saga.ClaimFresh, "", nil
	}

	stored, err := s.client.Get(ctx, s.key(operation, key)).Result()
	if err != nil {
		// Expired between SETNX and GET; treat as a contended claim and let
		// the retry take it.
		if err == redis.Nil {
			return saga.ClaimInFlight, "", nil
		}
		return "", "", err
	}
	var rec record
	if err := json.Unmarshal([]byte(stored), &rec); err != nil {
		return "", "", fmt.Errorf("decode idempotency record %s/%s: %w", operation, key, err)
	}
	if rec.Status == "completed" {
		return saga.ClaimCompleted, rec.Result, nil
	}
	return saga.ClaimInFlight, "", nil
}

// Complete records the result of a finished side effect.
func (s *RedisStore) Complete(ctx context.Context, operation, key, result string) error {
	raw, err := json.Marshal(record{Status: "completed", Result: result})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(operation, key), raw, s.retention).Err()
}

// Release drops an in-flight claim. Completed records stay until their
// retention TTL expires.
func (s *RedisStore) Release(ctx context.Context, operation, key string) error {
	return s.release.Run(ctx, s.client, []string{s.key(operation, key)}).Err()
}
