package lock

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Locker is a lease-based named lock shared by every server instance.
// A lease expires on its own if the holder never unlocks.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error
}

// Owner identifies this process as a lock holder.
func Owner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return host + "/" + uuid.NewString()[:8]
}

// Local only coordinates goroutines of one process.
type Local struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	leases map[string]time.Time
}

func NewLocal(clock clockwork.Clock) *Local {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Local{clock: clock, leases: make(map[string]time.Time)}
}

func (l *Local) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if until, ok := l.leases[name]; ok && now.Before(until) {
		return false, nil
	}
	l.leases[name] = now.Add(ttl)
	return true, nil
}

func (l *Local) Unlock(ctx context.Context, name string) error {
	l.mu.Lock()
	delete(l.leases, name)
	l.mu.Unlock()
	return nil
}
