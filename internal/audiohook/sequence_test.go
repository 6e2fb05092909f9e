package audiohook

import (
	"sync"
	"testing"
)

func TestSequenceCounter_StartsAtOne(t *testing.T) {
	var counter SequenceCounter

	if got := counter.Current(); got != 0 {
		t.Errorf("Expected current 0 before first use, got %d", got)
	}

	for want := uint64(1); want <= 5; want++ {
		if got := counter.Next(); got != want {
			t.Errorf("Expected next %d, got %d", want, got)
		}
	}

	if got := counter.Current(); got != 5 {
		t.Errorf("Expected current 5, got %d", got)
	}
}

func TestSequenceCounter_NoGapsOrRepeats(t *testing.T) {
	var counter SequenceCounter

	const goroutines = 10
	const perGoroutine = 100

	var wg sync.WaitGroup
	results := make(chan uint64, goroutines*perGoroutine)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				results <- counter.Next()
			}
		}()
	}

	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for value := range results {
		if seen[value] {
			t.Errorf("Sequence number %d issued twice", value)
		}
		seen[value] = true
	}

	if len(seen) != goroutines*perGoroutine {
		t.Errorf("Expected %d distinct sequence numbers, got %d", goroutines*perGoroutine, len(seen))
	}

	for want := uint64(1); want <= goroutines*perGoroutine; want++ {
		if !seen[want] {
			t.Errorf("Sequence number %d was skipped", want)
		}
	}
}
