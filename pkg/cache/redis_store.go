package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dakota-project/evalsched/pkg/evalcore"
)

// RedisConfig configures the optional shared-cache backend. Wiring the
// go-redis client here gives every interface instance that shares an
// interface_id a common cache without requiring them to run in the same
// process — the same client used elsewhere to share state across service
// instances.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// redisRecord is the JSON-serializable projection of a Pair stored in
// Redis. Only the response value vector is stored; gradients and Hessians
// are not. A minimal JSON shape is used since RedisStore is an optional
// secondary index, not the source of truth (the local in-memory Cache and
// the restart journal are).
type redisRecord struct {
	InterfaceID string    `json:"interface_id"`
	EvalID      int32     `json:"eval_id"`
	Canonical   string    `json:"fingerprint"`
	Values      []float64 `json:"values"`
}

// RedisStore is a shared-cache lookup backend consulted when a local
// Cache.Lookup misses: a hit here means a cooperating process already
// computed this exact fingerprint, saving a simulator invocation even
// across process boundaries.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore builds a RedisStore from cfg. It does not ping the server;
// connectivity failures surface as a miss from Lookup and as an ordinary
// error from Insert, not as a fatal error (a shared cache is an
// optimization, not a correctness requirement).
func NewRedisStore(cfg RedisConfig) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Lookup checks the shared store for fp, returning only the plain value
// vector (see redisRecord doc comment on scope).
func (s *RedisStore) Lookup(ctx context.Context, fp evalcore.Fingerprint) ([]float64, bool) {
	raw, err := s.client.Get(ctx, redisKey(fp)).Bytes()
	if err != nil {
		return nil, false
	}
	var rec redisRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return rec.Values, true
}

// Insert publishes p's value vector to the shared store.
func (s *RedisStore) Insert(ctx context.Context, p Pair) error {
	values := make([]float64, p.Resp.NumResponses())
	for i := range values {
		values[i] = p.Resp.Value(i)
	}
	rec := redisRecord{
		InterfaceID: p.InterfaceID,
		EvalID:      int32(p.EvalID),
		Canonical:   p.Fingerprint().Canonical,
		Values:      values,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cache: marshal redis record: %w", err)
	}
	return s.client.Set(ctx, redisKey(p.Fingerprint()), raw, s.ttl).Err()
}

// Close releases the underlying client connection.
func (s *RedisStore) Close() error { return s.client.Close() }

func redisKey(fp evalcore.Fingerprint) string {
	return fmt.Sprintf("evalsched:cache:%s:%d", fp.InterfaceID, fp.Key)
}
