package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushAndPopAll(t *testing.T) {
	q := New(4)
	q.Push(1)
	q.Push(2)
	items := q.PopAll()
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0])
	assert.Equal(t, 2, items[1])
}

func TestTryPushRejectsWhenFull(t *testing.T) {
	q := New(1)
	assert.True(t, q.TryPush("a"))
	assert.False(t, q.TryPush("b"))
	assert.Equal(t, 1, q.Len())
}

func TestTryPopAllDrainsWithoutBlocking(t *testing.T) {
	q := New(4)
	assert.Nil(t, q.TryPopAll())
	q.Push("x")
	items := q.TryPopAll()
	require.Len(t, items, 1)
	assert.Equal(t, 0, q.Len())
}

func TestPopAllBlocksUntilPush(t *testing.T) {
	q := New(4)
	done := make(chan []interface{}, 1)
	go func() {
		done <- q.PopAll()
	}()

	select {
	case <-done:
		t.Fatal("PopAll returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	q.Push("late")
	select {
	case items := <-done:
		require.Len(t, items, 1)
		assert.Equal(t, "late", items[0])
	case <-time.After(time.Second):
		t.Fatal("PopAll never unblocked after Push")
	}
}

func TestCloseUnblocksPopAll(t *testing.T) {
	q := New(4)
	done := make(chan []interface{}, 1)
	go func() {
		done <- q.PopAll()
	}()

	q.Close()
	select {
	case items := <-done:
		assert.Nil(t, items)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock a pending PopAll")
	}
}

func TestPopNLeavesRemainderQueued(t *testing.T) {
	q := New(8)
	q.Push(1)
	q.Push(2)
	q.Push(3)

	items := q.PopN(2)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0])
	assert.Equal(t, 2, items[1])
	assert.Equal(t, 1, q.Len())

	rest := q.PopN(0)
	require.Len(t, rest, 1)
	assert.Equal(t, 3, rest[0])
}

func TestPushAllBlocksUntilRoom(t *testing.T) {
	q := New(1)
	q.Push("first")

	unblocked := make(chan struct{})
	go func() {
		q.Push("second")
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("Push returned while the queue was still full")
	case <-time.After(20 * time.Millisecond):
	}

	q.PopAll()
	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("Push never unblocked after room freed up")
	}
}
