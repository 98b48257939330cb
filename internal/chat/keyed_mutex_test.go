package chat

import (
	"sync"
	"testing"
)

func TestKeyedMutex_SerializesPerKeyAndReleases(t *testing.T) {
	km := newKeyedMutex()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("room:1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
	if n := km.size(); n != 0 {
		t.Fatalf("size() = %d, want 0 after all unlocks", n)
	}

	// Distinct keys do not block each other.
	unlockA := km.Lock("a")
	unlockB := km.Lock("b")
	unlockB()
	unlockA()
}
