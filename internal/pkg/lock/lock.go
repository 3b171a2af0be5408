// Package lock provides per-key mutual exclusion. The scheduler keys it by
// job name to forbid overlapping runs, and the pipeline keys it by fixture id
// to serialize the exists-check and insert of a tip.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned by LockContext when the wait exceeds its timeout.
var ErrLockTimeout = errors.New("lock acquisition timeout")

// keyMutex is reference counted so idle keys are dropped from the map.
// refs counts holders and waiters.
type keyMutex struct {
	mu   sync.Mutex
	refs int
}

// KeyLock provides independent mutexes per key.
type KeyLock[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyMutex
}

// New creates an empty KeyLock.
func New[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{locks: make(map[K]*keyMutex)}
}

// ref returns the mutex for key, creating it, and counts the caller.
func (l *KeyLock[K]) ref(key K) *keyMutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &keyMutex{}
		l.locks[key] = m
	}
	m.refs++
	return m
}

// unref drops the caller's reference and forgets idle keys.
func (l *KeyLock[K]) unref(key K) *keyMutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		return nil
	}
	m.refs--
	if m.refs <= 0 {
		delete(l.locks, key)
	}
	return m
}

// Lock blocks until the lock for key is held.
func (l *KeyLock[K]) Lock(key K) {
	l.ref(key).mu.Lock()
}

// Unlock releases the lock for key. Unlocking a key that is not held is a no-op.
func (l *KeyLock[K]) Unlock(key K) {
	if m := l.unref(key); m != nil {
		m.mu.Unlock()
	}
}

// TryLock acquires the lock for key without blocking.
// Returns true if the lock was acquired, false if another holder has it.
func (l *KeyLock[K]) TryLock(key K) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &keyMutex{}
		l.locks[key] = m
	}
	if !m.mu.TryLock() {
		return false
	}
	m.refs++
	return true
}

// LockContext waits for the lock until ctx is done or timeout elapses.
func (l *KeyLock[K]) LockContext(ctx context.Context, key K, timeout time.Duration) error {
	m := l.ref(key)

	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(done)
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-timeoutCtx.Done():
		// the waiter still owns a reference; release once it gets the mutex
		go func() {
			<-done
			l.Unlock(key)
		}()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrLockTimeout
	}
}

// WithLockContext runs fn while holding the lock for key. fn is not called
// if the lock cannot be acquired before ctx is done or timeout elapses.
func (l *KeyLock[K]) WithLockContext(ctx context.Context, key K, timeout time.Duration, fn func() error) error {
	if err := l.LockContext(ctx, key, timeout); err != nil {
		return err
	}
	defer l.Unlock(key)
	return fn()
}
