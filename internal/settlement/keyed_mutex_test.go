package settlement

import (
	"sync"
	"testing"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	km := newKeyedMutex()

	// Unsynchronized increments would race; each counter is only protected
	// by its key's lock.
	var aliceCount, bobCount int

	const n = 100
	var wg sync.WaitGroup
	wg.Add(2 * n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := km.Lock("alice")
			defer unlock()
			aliceCount++
		}()
		go func() {
			defer wg.Done()
			unlock := km.Lock("bob")
			defer unlock()
			bobCount++
		}()
	}
	wg.Wait()

	if aliceCount != n || bobCount != n {
		t.Fatalf("lost updates: alice=%d bob=%d", aliceCount, bobCount)
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	km := newKeyedMutex()

	unlock := km.Lock("alice")
	unlock()

	km.mu.Lock()
	defer km.mu.Unlock()
	if len(km.locks) != 0 {
		t.Fatalf("expected lock table drained, got %d entries", len(km.locks))
	}
}
