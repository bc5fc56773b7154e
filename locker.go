package main

import (
	"context"
	"errors"
	"sync"
)

// keyedMutex hands out one exclusive lock per key. Entries are dropped when
// nobody holds or waits for them, so the map only grows with concurrency,
// not with the number of accounts or portfolios ever touched.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// maxCASRetries bounds optimistic retries when another writer sharing the
// store bumped a record's version between our read and write.
const maxCASRetries = 5

func retryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for range maxCASRetries {
		if err = fn(); !errors.Is(err, ErrVersionConflict) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
