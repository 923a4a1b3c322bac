// Package asyncmu implements the dispatcher's single-holder exclusion
// primitive. Every mutation to dedup state, CGKA group state, outbox
// rows, the relay queue, and the fragment store happens while this lock
// is held. Unlike sync.Mutex, Lock takes a context: the lock is a
// buffered channel of capacity one, so acquiring it never blocks a
// goroutine that also needs to keep servicing ctx.Done(), which matters
// because holders routinely suspend on store I/O or decryption while
// holding it.
package asyncmu

import "context"

// Mutex is a non-blocking async mutex: ownership is a token passed
// through a channel, so Lock can be cancelled and Unlock can never
// panic on a double-release by a goroutine that isn't the holder (it
// simply returns the token, which the next Lock consumes).
type Mutex struct {
	ch chan struct{}
}

// New returns an unlocked Mutex.
func New() *Mutex {
	m := &Mutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// Lock acquires the mutex, blocking until it's available or ctx is
// done. On success the caller must call Unlock exactly once.
func (m *Mutex) Lock(ctx context.Context) error {
	select {
	case <-m.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	select {
	case m.ch <- struct{}{}:
	default:
		// Already unlocked; a caller that races Unlock without a
		// matching Lock is a programming error, not something to
		// panic the dispatcher over.
	}
}

// TryLock attempts to acquire the mutex without blocking, reporting
// whether it succeeded.
func (m *Mutex) TryLock() bool {
	select {
	case <-m.ch:
		return true
	default:
		return false
	}
}

// WithLock runs fn while holding the mutex, returning ctx.Err() instead
// of calling fn if the lock couldn't be acquired before ctx was done.
func (m *Mutex) WithLock(ctx context.Context, fn func() error) error {
	if err := m.Lock(ctx); err != nil {
		return err
	}
	defer m.Unlock()
	return fn()
}
