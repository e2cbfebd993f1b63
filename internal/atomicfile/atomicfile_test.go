// ABOUTME: Tests for atomic file replacement and exclusive creation.
// ABOUTME: Covers content, staging cleanup on failure, and first-writer-wins races.

package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFile_CreatesAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	require.NoError(t, WriteFile(path, []byte("one"), 0o644))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))

	require.NoError(t, WriteFile(path, []byte("two"), 0o644))
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	_, err = os.Stat(path + TempSuffix)
	assert.True(t, os.IsNotExist(err), "staging file must not remain")
}

func TestWriteFile_FailureKeepsOriginalAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	// A non-empty directory at the destination makes rename fail.
	path := filepath.Join(dir, "target")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "child"), 0o755))

	err := WriteFile(path, []byte("data"), 0o644)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWrite))

	_, statErr := os.Stat(path + TempSuffix)
	assert.True(t, os.IsNotExist(statErr), "staging file must be removed on failure")

	info, statErr := os.Stat(filepath.Join(path, "child"))
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}

func TestCreateExclusive_FirstWriterWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")

	created, err := CreateExclusive(path, []byte("first"), 0o600)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = CreateExclusive(path, []byte("second"), 0o600)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging files must not remain")
}

func TestCreateExclusive_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contested")

	const writers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			created, err := CreateExclusive(path, []byte("x"), 0o600)
			assert.NoError(t, err)
			if created {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners, "exactly one writer should create the file")
}
