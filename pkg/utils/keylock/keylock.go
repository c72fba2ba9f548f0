// Package keylock provides mutual exclusion per string key. Waiters on the
// same key are admitted in the order they called Acquire.
package keylock

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
)

type Locker struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func New() *Locker {
	return &Locker{tails: make(map[string]chan struct{})}
}

// Acquire blocks until the caller holds key. The returned release must be
// called exactly once. If ctx is done while waiting, Acquire returns its error
// and the slot is handed to the next waiter once the predecessor releases.
func (x *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	x.mu.Lock()
	prev := x.tails[key]
	done := make(chan struct{})
	x.tails[key] = done
	x.mu.Unlock()

	release := func() {
		close(done)
		x.mu.Lock()
		if x.tails[key] == done {
			delete(x.tails, key)
		}
		x.mu.Unlock()
	}

	if prev == nil {
		return onceFunc(release), nil
	}

	select {
	case <-prev:
		return onceFunc(release), nil
	case <-ctx.Done():
		go func() {
			<-prev
			release()
		}()
		return nil, goerr.Wrap(ctx.Err(), "canceled while waiting for lock", goerr.V("key", key))
	}
}

// Do runs fn while holding key
func (x *Locker) Do(ctx context.Context, key string, fn func() error) error {
	release, err := x.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func onceFunc(f func()) func() {
	var once sync.Once
	return func() { once.Do(f) }
}
