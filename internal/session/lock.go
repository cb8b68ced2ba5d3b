package session

import (
	"context"
	"sync"
)

// keyedMutex hands out one lock per session directory and forgets it once no
// goroutine holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

// refLock is a one-slot semaphore so waiters can give up on ctx.
type refLock struct {
	slot chan struct{}
	refs int
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &refLock{slot: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		k.forget(key, entry)
		return nil, ctx.Err()
	}
	return func() {
		<-entry.slot
		k.forget(key, entry)
	}, nil
}

func (k *keyedMutex) forget(key string, entry *refLock) {
	k.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
