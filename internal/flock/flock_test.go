// ABOUTME: Tests for the guard-file lock.
// ABOUTME: Verifies mutual exclusion between goroutines and idempotent release.

package flock

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_MutualExclusion(t *testing.T) {
	guard := New(filepath.Join(t.TempDir(), "sub", ".guard"))

	const workers = 16
	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		counter sync.Mutex
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			unlock, err := guard.Lock()
			if !assert.NoError(t, err) {
				return
			}
			counter.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			counter.Unlock()

			counter.Lock()
			inside--
			counter.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestGuard_UnlockIsIdempotent(t *testing.T) {
	guard := New(filepath.Join(t.TempDir(), ".guard"))

	unlock, err := guard.Lock()
	require.NoError(t, err)
	unlock()
	unlock()

	unlock, err = guard.Lock()
	require.NoError(t, err)
	unlock()
	assert.FileExists(t, guard.Path())
}
