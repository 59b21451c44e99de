package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/lease"
)

// LeaseManager is an in-process lease.Manager for tests and single-process
// dev mode. Atomicity of Consume comes from holding the package mutex for
// the read-decrement-write sequence — the same linearizability guarantee
// the Redis Lua script gives in production, achieved here by a single Go
// mutex instead of a server-side script.
type LeaseManager struct {
	mu       sync.Mutex
	leases   map[string]*lease.ToolLease
	notifier *lease.Notifier
}

func NewLeaseManager() *LeaseManager {
	return &LeaseManager{
		leases:   make(map[string]*lease.ToolLease),
		notifier: lease.NewNotifier(nil),
	}
}

func (m *LeaseManager) RegisterNotificationCallback(fn lease.NotificationFunc) {
	m.notifier.Register(fn)
}

func (m *LeaseManager) Grant(_ context.Context, clientID, toolID string, ttlSeconds, callsRemaining int, modeAtIssue, capabilityToken string) (*lease.ToolLease, error) {
	if err := lease.ValidateGrantInputs(clientID, toolID, ttlSeconds, callsRemaining); err != nil {
		return nil, err
	}

	l := newLease(clientID, toolID, ttlSeconds, callsRemaining, modeAtIssue, capabilityToken)

	m.mu.Lock()
	m.leases[lease.LeaseKey(clientID, toolID)] = l
	m.mu.Unlock()

	m.notifier.Emit(clientID)
	cp := *l
	return &cp, nil
}

func (m *LeaseManager) Validate(_ context.Context, clientID, toolID string) (*lease.ToolLease, error) {
	if clientID == "" {
		return nil, nil
	}
	key := lease.LeaseKey(clientID, toolID)

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[key]
	if !ok {
		return nil, nil
	}
	if l.IsExpired() {
		delete(m.leases, key)
		return nil, nil
	}
	if !l.CanConsume() {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *LeaseManager) Consume(_ context.Context, clientID, toolID string) (*lease.ToolLease, error) {
	if clientID == "" {
		return nil, nil
	}
	key := lease.LeaseKey(clientID, toolID)

	m.mu.Lock()
	l, ok := m.leases[key]
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	if l.IsExpired() || l.CallsRemaining <= 0 {
		delete(m.leases, key)
		m.mu.Unlock()
		return nil, nil
	}

	l.CallsRemaining--
	exhausted := l.CallsRemaining <= 0
	if exhausted {
		delete(m.leases, key)
	}
	cp := *l
	m.mu.Unlock()

	if exhausted {
		m.notifier.Emit(clientID)
	}
	return &cp, nil
}

func (m *LeaseManager) Revoke(_ context.Context, clientID, toolID string) (bool, error) {
	if clientID == "" {
		return false, nil
	}
	key := lease.LeaseKey(clientID, toolID)

	m.mu.Lock()
	_, existed := m.leases[key]
	delete(m.leases, key)
	m.mu.Unlock()

	if existed {
		m.notifier.Emit(clientID)
	}
	return true, nil
}

func (m *LeaseManager) PurgeExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for key, l := range m.leases {
		if l.IsExpired() {
			delete(m.leases, key)
			purged++
		}
	}
	return purged, nil
}

func newLease(clientID, toolID string, ttlSeconds, callsRemaining int, modeAtIssue, capabilityToken string) *lease.ToolLease {
	l := &lease.ToolLease{
		ClientID:        clientID,
		ToolID:          toolID,
		CallsRemaining:  callsRemaining,
		ModeAtIssue:     modeAtIssue,
		CapabilityToken: capabilityToken,
	}
	now := time.Now()
	l.GrantedAt = now
	l.ExpiresAt = now.Add(time.Duration(ttlSeconds) * time.Second)
	return l
}

var _ lease.Manager = (*LeaseManager)(nil)
