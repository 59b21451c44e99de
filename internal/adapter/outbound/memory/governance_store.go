package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/governance"
)

// GovernanceStore is an in-process governance.Store for tests and
// single-process dev mode, following the mutex-guarded-map idiom of
// MemorySessionStore. TTL is enforced by lazy expiry check on read plus a
// background sweep, since there is no Redis TTL to rely on.
type GovernanceStore struct {
	mu   sync.RWMutex
	mode governance.Mode

	elevations map[string]time.Time // key -> expiry

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewGovernanceStore constructs an in-memory store starting at
// governance.DefaultMode (mirroring "absence" fail-safe behavior).
func NewGovernanceStore() *GovernanceStore {
	return &GovernanceStore{
		mode:       governance.DefaultMode,
		elevations: make(map[string]time.Time),
		stopChan:   make(chan struct{}),
	}
}

// StartCleanup launches a periodic sweep that drops expired elevation
// entries, mirroring MemorySessionStore.StartCleanup.
func (s *GovernanceStore) StartCleanup(ctx context.Context, interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

func (s *GovernanceStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.elevations {
		if now.After(exp) {
			delete(s.elevations, k)
		}
	}
}

// Stop halts the cleanup goroutine; safe to call multiple times.
func (s *GovernanceStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *GovernanceStore) GetMode(_ context.Context) governance.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.mode.IsValid() {
		return governance.DefaultMode
	}
	return s.mode
}

func (s *GovernanceStore) SetMode(_ context.Context, mode governance.Mode) bool {
	if !mode.IsValid() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	return true
}

func (s *GovernanceStore) GrantElevation(_ context.Context, key string, ttlSeconds int) error {
	if ttlSeconds <= 0 {
		return governance.ErrNonPositiveTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elevations[key] = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	return nil
}

func (s *GovernanceStore) CheckElevation(_ context.Context, key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.elevations[key]
	if !ok {
		return false
	}
	return time.Now().Before(exp)
}

func (s *GovernanceStore) RevokeElevation(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.elevations, key)
	return nil
}

var _ governance.Store = (*GovernanceStore)(nil)
