// ABOUTME: Tests for following the message log live.
// ABOUTME: Checks start offset, recipient filtering, duplicate suppression and clean shutdown.

package msglog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/coven-coord/internal/message"
)

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestWatch_DeliversNewMatchingMessagesOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := newTestLog(t)
	require.NoError(t, log.Append(newMessage(t, "planner", []string{"reviewer"}, message.TypeInfo, "before watch")))

	w, err := log.Watch(Filter{Recipient: "reviewer"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *message.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(m *message.Message) { got <- m })
	}()

	retried := newMessage(t, "planner", []string{"reviewer"}, message.TypeQuestion, "are you there?")
	require.NoError(t, log.Append(retried))
	require.NoError(t, log.Append(newMessage(t, "planner", []string{"tester"}, message.TypeInfo, "not for reviewer")))
	require.NoError(t, log.Append(retried))
	require.NoError(t, log.Append(newMessage(t, "tester", []string{message.Broadcast}, message.TypeCompleted, "done")))

	first := receive(t, got)
	assert.Equal(t, retried.ID, first.ID)
	second := receive(t, got)
	assert.Equal(t, "done", second.Content)

	select {
	case extra := <-got:
		t.Fatalf("unexpected extra message %q", extra.Content)
	case <-time.After(1500 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatch_LogCreatedAfterWatchStarts(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := newTestLog(t)
	_, err := os.Stat(log.Path())
	require.True(t, os.IsNotExist(err))

	w, err := log.Watch(Filter{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *message.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(m *message.Message) { got <- m })
	}()

	require.NoError(t, log.Append(newMessage(t, "planner", []string{"reviewer"}, message.TypeInfo, "hello")))
	assert.Equal(t, "hello", receive(t, got).Content)

	cancel()
	require.NoError(t, <-done)
}
