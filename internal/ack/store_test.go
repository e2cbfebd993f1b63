// ABOUTME: Tests for the versioned pending-ack store.
// ABOUTME: Covers version bumps, stale writers, conflict replays and the attempt bound.

package ack

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coord/internal/atomicfile"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, maxAttempts int) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "pending_acks.json"), maxAttempts, discardLogger())
}

func entry(id string) PendingAck {
	return PendingAck{MsgID: id, SenderID: "planner", RecipientID: "reviewer"}
}

func ids(doc *Document) []string {
	out := make([]string, 0, len(doc.PendingAcks))
	for _, p := range doc.PendingAcks {
		out = append(out, p.MsgID)
	}
	return out
}

func TestStoreLoad_MissingFile(t *testing.T) {
	store := newTestStore(t, 3)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Version)
	assert.Empty(t, doc.PendingAcks)
}

func TestStoreCompareAndSwap_BumpsVersion(t *testing.T) {
	store := newTestStore(t, 3)

	doc := &Document{PendingAcks: []PendingAck{entry("a")}}
	require.NoError(t, store.CompareAndSwap(0, doc))
	assert.Equal(t, int64(1), doc.Version)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, []string{"a"}, ids(loaded))
}

func TestStoreCompareAndSwap_StaleWriterRejected(t *testing.T) {
	store := newTestStore(t, 3)
	require.NoError(t, store.CompareAndSwap(0, &Document{PendingAcks: []PendingAck{entry("a")}}))

	// A second writer that read version 0 must not overwrite version 1.
	err := store.CompareAndSwap(0, &Document{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionConflict))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(loaded))
}

func TestStoreUpdate_NoChangeSkipsWrite(t *testing.T) {
	store := newTestStore(t, 3)

	doc, err := store.Update(func(*Document) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Version)

	_, statErr := os.Stat(store.path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStoreUpdate_ReappliesAfterConflict(t *testing.T) {
	store := newTestStore(t, 5)
	_, err := store.Update(func(doc *Document) (bool, error) {
		doc.PendingAcks = []PendingAck{entry("a"), entry("b"), entry("c")}
		return true, nil
	})
	require.NoError(t, err)

	calls := 0
	doc, err := store.Update(func(doc *Document) (bool, error) {
		calls++
		if calls == 1 {
			// Another writer removes b after this mutation has read the document.
			_, err := store.Update(func(inner *Document) (bool, error) {
				return inner.Remove("b"), nil
			})
			require.NoError(t, err)
		}
		for i := range doc.PendingAcks {
			if doc.PendingAcks[i].MsgID == "a" {
				doc.PendingAcks[i].RetryCount++
			}
		}
		return true, nil
	})
	require.NoError(t, err)

	assert.Equal(t, 2, calls, "the mutation must be recomputed on a fresh read")
	assert.Equal(t, []string{"a", "c"}, ids(doc))
	assert.Equal(t, 1, doc.PendingAcks[0].RetryCount)
	assert.Equal(t, int64(3), doc.Version)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(loaded), "b must not be brought back")
}

func TestStoreUpdate_GivesUpAfterMaxAttempts(t *testing.T) {
	store := newTestStore(t, 3)

	calls := 0
	_, err := store.Update(func(doc *Document) (bool, error) {
		calls++
		_, err := store.Update(func(inner *Document) (bool, error) {
			inner.PendingAcks = append(inner.PendingAcks, entry(fmt.Sprintf("n%d", calls)))
			return true, nil
		})
		require.NoError(t, err)
		doc.PendingAcks = nil
		return true, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTooManyConflicts))
	assert.True(t, errors.Is(err, ErrVersionConflict))
	assert.Equal(t, 3, calls)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.PendingAcks, 3, "the losing writer must not clobber anything")
}

func TestStoreUpdate_MutateErrorAborts(t *testing.T) {
	store := newTestStore(t, 3)
	boom := errors.New("boom")

	_, err := store.Update(func(*Document) (bool, error) { return true, boom })
	assert.ErrorIs(t, err, boom)
}

func TestStoreUpdate_WriteFailureKeepsDocument(t *testing.T) {
	store := newTestStore(t, 3)
	_, err := store.Update(func(doc *Document) (bool, error) {
		doc.PendingAcks = []PendingAck{entry("a")}
		return true, nil
	})
	require.NoError(t, err)

	store.writeFile = func(string, []byte, os.FileMode) error {
		return fmt.Errorf("%w: disk full", atomicfile.ErrWrite)
	}
	_, err = store.Update(func(doc *Document) (bool, error) {
		doc.PendingAcks = nil
		return true, nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, atomicfile.ErrWrite))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, []string{"a"}, ids(loaded))
}

func TestStoreLoad_CorruptDocument(t *testing.T) {
	store := newTestStore(t, 3)
	require.NoError(t, os.WriteFile(store.path, []byte("{not json"), 0o644))

	_, err := store.Load()
	require.Error(t, err)
}

func TestStoreRoundTripsTimes(t *testing.T) {
	store := newTestStore(t, 3)
	sent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := entry("a")
	p.SentAt = sent
	p.NextRetryAt = sent.Add(time.Minute)

	_, err := store.Update(func(doc *Document) (bool, error) {
		doc.PendingAcks = append(doc.PendingAcks, p)
		return true, nil
	})
	require.NoError(t, err)

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded.PendingAcks, 1)
	assert.True(t, loaded.PendingAcks[0].SentAt.Equal(sent))
	assert.True(t, loaded.PendingAcks[0].NextRetryAt.Equal(sent.Add(time.Minute)))
}
