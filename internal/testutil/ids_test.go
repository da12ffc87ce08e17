package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceIDs_Increments(t *testing.T) {
	gen := NewSequenceIDs("sync")
	assert.Equal(t, "sync-1", gen.Next())
	assert.Equal(t, "sync-2", gen.Next())
}

func TestSequenceIDs_DefaultPrefix(t *testing.T) {
	gen := NewSequenceIDs("")
	assert.Equal(t, "round-1", gen.Next())
}

func TestSequenceIDs_ThreadSafe(t *testing.T) {
	gen := NewSequenceIDs("r")
	const numGoroutines = 100

	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			id := gen.Next()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, numGoroutines, "every id should be unique")
}
