package memory

import (
	"context"
	"sync"
)

// Locker is an in-process keyed mutex satisfying app.Locker. Waiters give up when their
// context ends.
type Locker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]chan struct{})}
}

func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	for {
		l.mu.Lock()
		held, ok := l.locks[key]
		if !ok {
			done := make(chan struct{})
			l.locks[key] = done
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.locks, key)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-held:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
