package asyncmu

import (
	"context"
	"testing"
	"time"
)

func TestWithLockSerializes(t *testing.T) {
	m := New()
	var counter int
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			_ = m.WithLock(context.Background(), func() error {
				counter++
				return nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}

func TestLockRespectsContextCancellation(t *testing.T) {
	m := New()
	if err := m.Lock(context.Background()); err != nil {
		t.Fatalf("initial lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Lock(ctx); err == nil {
		t.Fatalf("expected contended Lock to observe ctx cancellation")
	}
}

func TestTryLock(t *testing.T) {
	m := New()
	if !m.TryLock() {
		t.Fatalf("expected first TryLock to succeed")
	}
	if m.TryLock() {
		t.Fatalf("expected second TryLock to fail while held")
	}
	m.Unlock()
	if !m.TryLock() {
		t.Fatalf("expected TryLock to succeed after Unlock")
	}
}
