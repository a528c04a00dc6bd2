package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "txn_1")
			if err != nil {
				t.Errorf("Lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic increment; only safe if the lock serializes us.
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 increments, got %d", counter)
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := m.Lock(ctx, "txn_a")
	if err != nil {
		t.Fatalf("Lock(txn_a) failed: %v", err)
	}
	defer unlockA()

	// Holding txn_a must not block txn_b.
	done := make(chan struct{})
	go func() {
		unlockB, err := m.Lock(ctx, "txn_b")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on independent key blocked")
	}
}

func TestKeyedMutexContextCancellation(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "txn_1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := m.Lock(ctx, "txn_1"); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyedMutexReleaseAndReacquire(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "txn_1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	unlock()

	unlock2, err := m.Lock(ctx, "txn_1")
	if err != nil {
		t.Fatalf("re-Lock failed: %v", err)
	}
	unlock2()
}
