package lease

import (
	"log/slog"
	"sync"
)

// Notifier fans a list_changed event out to every registered callback,
// recovering individually so one panicking callback cannot prevent its
// siblings — or the triggering lease operation — from completing.
type Notifier struct {
	mu        sync.RWMutex
	callbacks []NotificationFunc
	logger    *slog.Logger
}

// NewNotifier constructs a Notifier. A nil logger falls back to slog.Default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{logger: logger}
}

func (n *Notifier) Register(fn NotificationFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks = append(n.callbacks, fn)
}

// Emit invokes every registered callback with clientID, recovering from any
// panic so the remaining callbacks still run.
func (n *Notifier) Emit(clientID string) {
	n.mu.RLock()
	callbacks := make([]NotificationFunc, len(n.callbacks))
	copy(callbacks, n.callbacks)
	n.mu.RUnlock()

	for _, cb := range callbacks {
		n.invokeSafely(cb, clientID)
	}
}

func (n *Notifier) invokeSafely(cb NotificationFunc, clientID string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("lease: notification callback panicked", "client_id", clientID, "panic", r)
		}
	}()
	cb(clientID)
}
