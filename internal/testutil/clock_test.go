package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicClock_StartsAtStart(t *testing.T) {
	clock := NewDeterministicClock(Epoch, time.Second)
	assert.Equal(t, Epoch, clock.Current())
}

func TestDeterministicClock_NowAdvancesByStep(t *testing.T) {
	clock := NewDeterministicClock(Epoch, time.Second)

	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Second), clock.Now())
	assert.Equal(t, Epoch.Add(2*time.Second), clock.Now())
	assert.Equal(t, Epoch.Add(3*time.Second), clock.Current())
}

func TestDeterministicClock_ZeroStepIsFrozen(t *testing.T) {
	clock := NewDeterministicClock(Epoch, 0)
	assert.Equal(t, clock.Now(), clock.Now())
}

func TestDeterministicClock_AdvanceAndReset(t *testing.T) {
	clock := NewDeterministicClock(Epoch, 0)

	clock.Advance(time.Hour)
	assert.Equal(t, Epoch.Add(time.Hour), clock.Now())

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock(Epoch, time.Millisecond)
	const numGoroutines = 50
	const callsPerGoroutine = 100

	var wg sync.WaitGroup
	results := make([][]time.Time, numGoroutines)
	for i := range numGoroutines {
		results[i] = make([]time.Time, callsPerGoroutine)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range callsPerGoroutine {
				results[i][j] = clock.Now()
			}
		}()
	}
	wg.Wait()

	seen := make(map[time.Time]bool)
	for _, row := range results {
		for _, ts := range row {
			require.False(t, seen[ts], "duplicate instant %v", ts)
			seen[ts] = true
		}
	}
	assert.Len(t, seen, numGoroutines*callsPerGoroutine)
}
