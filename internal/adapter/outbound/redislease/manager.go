// Package redislease is the Redis-backed implementation of lease.Manager.
package redislease

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/lease"
)

// consumeScript atomically decrements calls_remaining against the stored
// lease JSON, persisting the result under the key's remaining TTL, or
// deleting the key when exhausted. A plain GET-then-SET from Go would race:
// two concurrent consumers could both read calls_remaining=1 and both
// "succeed". This script is the compare-and-decrement the spec's
// concurrency model requires.
//
// KEYS[1] = lease key
// Returns: updated lease JSON on success, or the sentinel "" on absence
// (including a key whose TTL already lapsed), or "EXHAUSTED" if
// calls_remaining was already <= 0 before this call.
const consumeScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return ""
end
local ttl = redis.call("TTL", KEYS[1])
if ttl == -2 then
  return ""
end
local lease = cjson.decode(raw)
if lease.calls_remaining <= 0 then
  redis.call("DEL", KEYS[1])
  return "EXHAUSTED"
end
lease.calls_remaining = lease.calls_remaining - 1
local updated = cjson.encode(lease)
if lease.calls_remaining <= 0 then
  redis.call("DEL", KEYS[1])
else
  if ttl > 0 then
    redis.call("SETEX", KEYS[1], ttl, updated)
  else
    redis.call("SET", KEYS[1], updated, "KEEPTTL")
  end
end
return updated
`

// Config mirrors redisgov.Config: the caller owns a shared *redis.Client.
type Config struct {
	Redis  *redis.Client
	Logger *slog.Logger
}

// Manager implements lease.Manager against Redis.
type Manager struct {
	client   *redis.Client
	logger   *slog.Logger
	notifier *lease.Notifier
}

func New(cfg Config) (*Manager, error) {
	if cfg.Redis == nil {
		return nil, errors.New("redislease: Redis client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:   cfg.Redis,
		logger:   logger,
		notifier: lease.NewNotifier(logger),
	}, nil
}

func (m *Manager) RegisterNotificationCallback(fn lease.NotificationFunc) {
	m.notifier.Register(fn)
}

func (m *Manager) Grant(ctx context.Context, clientID, toolID string, ttlSeconds, callsRemaining int, modeAtIssue, capabilityToken string) (*lease.ToolLease, error) {
	if err := lease.ValidateGrantInputs(clientID, toolID, ttlSeconds, callsRemaining); err != nil {
		return nil, err
	}

	now := time.Now()
	l := &lease.ToolLease{
		ClientID:        clientID,
		ToolID:          toolID,
		GrantedAt:       now,
		ExpiresAt:       now.Add(time.Duration(ttlSeconds) * time.Second),
		CallsRemaining:  callsRemaining,
		ModeAtIssue:     modeAtIssue,
		CapabilityToken: capabilityToken,
	}

	raw, err := json.Marshal(l)
	if err != nil {
		return nil, nil
	}

	key := lease.LeaseKey(clientID, toolID)
	if err := m.client.Set(ctx, key, raw, time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
		m.logger.Error("lease: grant failed", "client_id", clientID, "tool_id", toolID, "error", err)
		return nil, nil
	}

	m.notifier.Emit(clientID)
	return l, nil
}

func (m *Manager) Validate(ctx context.Context, clientID, toolID string) (*lease.ToolLease, error) {
	if clientID == "" {
		return nil, nil
	}

	key := lease.LeaseKey(clientID, toolID)
	raw, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.logger.Warn("lease: validate read failed, failing closed", "error", err)
		}
		return nil, nil
	}

	var l lease.ToolLease
	if err := json.Unmarshal(raw, &l); err != nil {
		m.logger.Warn("lease: stored lease unparsable, failing closed", "error", err)
		return nil, nil
	}

	if l.IsExpired() {
		_ = m.client.Del(ctx, key).Err()
		return nil, nil
	}
	if !l.CanConsume() {
		return nil, nil
	}
	return &l, nil
}

func (m *Manager) Consume(ctx context.Context, clientID, toolID string) (*lease.ToolLease, error) {
	if clientID == "" {
		return nil, nil
	}

	key := lease.LeaseKey(clientID, toolID)
	result, err := m.client.Eval(ctx, consumeScript, []string{key}).Result()
	if err != nil {
		m.logger.Warn("lease: consume script failed, failing closed", "error", err)
		return nil, nil
	}

	s, _ := result.(string)
	switch s {
	case "", "EXHAUSTED":
		return nil, nil
	}

	var l lease.ToolLease
	if err := json.Unmarshal([]byte(s), &l); err != nil {
		m.logger.Warn("lease: consume result unparsable", "error", err)
		return nil, nil
	}

	if l.CallsRemaining <= 0 {
		m.notifier.Emit(clientID)
	}
	return &l, nil
}

func (m *Manager) Revoke(ctx context.Context, clientID, toolID string) (bool, error) {
	if clientID == "" {
		return false, nil
	}
	key := lease.LeaseKey(clientID, toolID)
	n, err := m.client.Del(ctx, key).Result()
	if err != nil {
		m.logger.Error("lease: revoke failed", "error", err)
		return false, nil
	}
	if n > 0 {
		m.notifier.Emit(clientID)
	}
	return n > 0, nil
}

func (m *Manager) PurgeExpired(ctx context.Context) (int, error) {
	var purged int
	iter := m.client.Scan(ctx, 0, "lease:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := m.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var l lease.ToolLease
		if err := json.Unmarshal(raw, &l); err != nil {
			continue
		}
		if l.IsExpired() {
			if err := m.client.Del(ctx, key).Err(); err == nil {
				purged++
			}
		}
	}
	if err := iter.Err(); err != nil {
		m.logger.Warn("lease: purge scan failed", "error", err)
	}
	return purged, nil
}

var _ lease.Manager = (*Manager)(nil)
