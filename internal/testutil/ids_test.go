package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSequenceIDs_Counts(t *testing.T) {
	gen := NewSequenceIDs("img")

	assert.Equal(t, "img_1", gen.Generate(time.Time{}))
	assert.Equal(t, "img_2", gen.Generate(time.Time{}))
}

func TestSequenceIDs_DefaultPrefix(t *testing.T) {
	gen := NewSequenceIDs("")
	assert.Equal(t, "file_1", gen.Generate(time.Now()))
}

func TestSequenceIDs_ThreadSafe(t *testing.T) {
	gen := NewSequenceIDs("x")

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				id := gen.Generate(time.Time{})
				mu.Lock()
				assert.False(t, seen[id], "duplicate id %s", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1000)
}
