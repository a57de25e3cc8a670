package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"retailcore/backend/internal/store"
)

// rowLocks hands out one exclusive slot per row key. A slot is held by a
// single transaction until it commits or rolls back.
type rowLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newRowLocks() *rowLocks {
	return &rowLocks{slots: make(map[string]chan struct{})}
}

func (l *rowLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

func (l *rowLocks) acquire(ctx context.Context, key string, timeout time.Duration) error {
	s := l.slot(key)
	select {
	case s <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: waited %s for %s", store.ErrLockTimeout, timeout, key)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *rowLocks) release(key string) {
	<-l.slot(key)
}
