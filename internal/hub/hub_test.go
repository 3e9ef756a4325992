// SPDX-License-Identifier: MIT

package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eclaw/clawd/internal/game"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestHub(maxViewers int) *Hub {
	return New(maxViewers, 100*time.Millisecond, time.Minute)
}

func recvFrame(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case data := <-s.Outbound():
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestRegisterCap(t *testing.T) {
	h := newTestHub(2)
	defer h.CloseAll()

	a, err := h.Register()
	require.NoError(t, err)
	_, err = h.Register()
	require.NoError(t, err)
	_, err = h.Register()
	require.ErrorIs(t, err, ErrHubFull)

	h.Unregister(a)
	_, err = h.Register()
	require.NoError(t, err)
	assert.Equal(t, 2, h.Count())
}

func TestBroadcastFansOut(t *testing.T) {
	h := newTestHub(10)
	defer h.CloseAll()

	a, err := h.Register()
	require.NoError(t, err)
	b, err := h.Register()
	require.NoError(t, err)

	h.Broadcast(game.Message{"type": "state_update", "state": "moving"})

	for _, s := range []*Session{a, b} {
		msg := recvFrame(t, s)
		assert.Equal(t, "state_update", msg["type"])
		assert.Equal(t, "moving", msg["state"])
	}
}

func TestSlowConsumerEvictedOthersUnaffected(t *testing.T) {
	h := newTestHub(10)
	defer h.CloseAll()

	slow, err := h.Register()
	require.NoError(t, err)
	fast, err := h.Register()
	require.NoError(t, err)

	// The fast consumer drains continuously.
	received := make(chan []byte, sessionBuffer*4)
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for {
			select {
			case data := <-fast.Outbound():
				received <- data
			case <-fast.Done():
				return
			}
		}
	}()

	// The slow consumer never reads: its buffer fills, then the next
	// broadcast evicts it.
	total := sessionBuffer + 1
	for i := 0; i < total; i++ {
		h.Broadcast(game.Message{"type": "queue_update", "seq": i})
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow consumer was not evicted")
	}
	assert.Equal(t, 1, h.Count())

	// Every broadcast reached the fast consumer, in order.
	require.Eventually(t, func() bool { return len(received) == total }, time.Second, 5*time.Millisecond)
	h.Unregister(fast)
	<-drainDone
	for i := 0; i < total; i++ {
		var msg map[string]any
		require.NoError(t, json.Unmarshal(<-received, &msg))
		assert.EqualValues(t, i, msg["seq"])
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	h := newTestHub(10)
	s, err := h.Register()
	require.NoError(t, err)

	h.Unregister(s)
	h.Unregister(s)
	assert.Equal(t, 0, h.Count())

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestRunKeepaliveAndShutdown(t *testing.T) {
	h := New(10, 100*time.Millisecond, 20*time.Millisecond)
	s, err := h.Register()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = h.Run(ctx)
	}()

	msg := recvFrame(t, s)
	assert.Equal(t, "keepalive", msg["type"])

	cancel()
	<-runDone
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown did not close sessions")
	}
}
