package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/fundingarb/internal/domain"
)

// localLocker is the in-process LockManager used when Redis is not configured.
// The TTL is ignored; a lock is held until its unlock func runs.
type localLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ domain.LockManager = (*localLocker)(nil)

func newLocalLocker() *localLocker {
	return &localLocker{held: make(map[string]struct{})}
}

func (l *localLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, fmt.Errorf("executor: lock %q: %w", key, domain.ErrLockHeld)
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
