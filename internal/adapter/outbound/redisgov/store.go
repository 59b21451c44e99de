// Package redisgov is the Redis-backed implementation of governance.Store.
package redisgov

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/governance"
)

const modeKey = "governance:mode"

// elevationMarker is the opaque sentinel value stored at an elevation key;
// only presence/absence is meaningful.
const elevationMarker = "1"

// Config mirrors goadesign-goa-ai's registry.Config: callers construct and
// own the *redis.Client so every governance/lease component shares one
// connection pool, per the shared-resource requirement on the state store.
type Config struct {
	Redis  *redis.Client
	Logger *slog.Logger
}

// Store implements governance.Store against Redis.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// New constructs a Store. Redis is required; there is no embedded fallback
// here (see internal/adapter/outbound/memory for the non-Redis option).
func New(cfg Config) (*Store, error) {
	if cfg.Redis == nil {
		return nil, errors.New("redisgov: Redis client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: cfg.Redis, logger: logger}, nil
}

// GetMode reads governance:mode, fail-safe to governance.DefaultMode on any
// store error, missing key, or unparseable value.
func (s *Store) GetMode(ctx context.Context) governance.Mode {
	val, err := s.client.Get(ctx, modeKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("governance: mode read failed, defaulting", "error", err)
		}
		return governance.DefaultMode
	}
	return governance.ParseMode(val)
}

// SetMode persists mode. Returns ok=false (logged) on store failure; it
// never silently succeeds on an unwritten value.
func (s *Store) SetMode(ctx context.Context, mode governance.Mode) bool {
	if !mode.IsValid() {
		s.logger.Warn("governance: refusing to persist invalid mode", "mode", mode)
		return false
	}
	if err := s.client.Set(ctx, modeKey, string(mode), 0).Err(); err != nil {
		s.logger.Error("governance: mode write failed", "error", err)
		return false
	}
	return true
}

// GrantElevation sets the elevation marker with a TTL of ttlSeconds.
func (s *Store) GrantElevation(ctx context.Context, key string, ttlSeconds int) error {
	if ttlSeconds <= 0 {
		return governance.ErrNonPositiveTTL
	}
	return s.client.Set(ctx, key, elevationMarker, time.Duration(ttlSeconds)*time.Second).Err()
}

// CheckElevation reports presence of the marker. Store errors are treated as
// "not elevated" (fail-closed), matching the lease/token fail-closed design.
func (s *Store) CheckElevation(ctx context.Context, key string) bool {
	err := s.client.Get(ctx, key).Err()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("governance: elevation check failed, treating as absent", "error", err)
		}
		return false
	}
	return true
}

// RevokeElevation deletes the marker. Idempotent: deleting an absent key is
// not an error.
func (s *Store) RevokeElevation(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

var _ governance.Store = (*Store)(nil)
