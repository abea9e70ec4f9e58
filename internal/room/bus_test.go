package room

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-listen/internal/protocol"
)

func TestRedisBus_PublishRun(t *testing.T) {
	_, rdb := newTestRedis(t)
	bus := NewRedisBus(rdb, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Delivery, 1)
	errc := make(chan error, 1)
	go func() { errc <- bus.Run(ctx, func(d Delivery) { got <- d }) }()
	<-bus.Ready()

	want := Delivery{Room: "room1", Exclude: "conn-a", Frame: json.RawMessage(`{"type":"chat-message"}`)}
	require.NoError(t, bus.Publish(ctx, want))

	select {
	case d := <-got:
		assert.Equal(t, want.Room, d.Room)
		assert.Equal(t, want.Exclude, d.Exclude)
		assert.JSONEq(t, string(want.Frame), string(d.Frame))
	case <-ctx.Done():
		t.Fatal("context ended")
	}

	cancel()
	assert.NoError(t, <-errc)
}

func TestRedisBus_RunAgainAfterStop(t *testing.T) {
	_, rdb := newTestRedis(t)
	bus := NewRedisBus(rdb, zap.NewNop())

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		got := make(chan Delivery, 16)
		errc := make(chan error, 1)
		go func() { errc <- bus.Run(ctx, func(d Delivery) { got <- d }) }()
		<-bus.Ready()

		// Ready stays closed after the first run, so wait for a delivery
		// to know this run is subscribed.
		require.Eventually(t, func() bool {
			if err := bus.Publish(ctx, Delivery{Room: "room1", Frame: json.RawMessage(`{}`)}); err != nil {
				return false
			}
			select {
			case <-got:
				return true
			case <-time.After(testTick):
				return false
			}
		}, testTimeout, testTick)

		cancel()
		require.NoError(t, <-errc)
	}
}

// Two relay instances sharing one Redis behave as a single room server.
func TestHub_AcrossInstances(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newInstance := func() (*Hub, *RedisBus) {
		bus := NewRedisBus(rdb, zap.NewNop())
		h := NewHub(Options{Store: NewRedisStore(rdb), Bus: bus})
		go h.Run(ctx)
		<-bus.Ready()
		return h, bus
	}
	h1, _ := newInstance()
	h2, _ := newInstance()

	a := newClient(h1, nil, "conn-a", nil, nil)
	b := newClient(h2, nil, "conn-b", nil, nil)
	h1.Register(a)
	h2.Register(b)

	join := func(h *Hub, c *Client, name string) {
		h.Dispatch(c, envelope(t, protocol.TypeJoinRoom, "room1", protocol.JoinPayload{Member: protocol.MemberInfo{Name: name}}))
	}

	var seenA, seenB []*protocol.Envelope
	collect := func() {
		seenA = append(seenA, frames(t, a)...)
		seenB = append(seenB, frames(t, b)...)
	}

	join(h1, a, "Alice")
	require.Eventually(t, func() bool { collect(); return len(seenA) == 1 }, testTimeout, testTick)

	join(h2, b, "Bob")
	require.Eventually(t, func() bool { collect(); return len(seenA) == 2 && len(seenB) == 1 }, testTimeout, testTick)
	assert.ElementsMatch(t, []string{"Alice", "Bob"}, memberNames(t, seenA[1]))
	assert.ElementsMatch(t, []string{"Alice", "Bob"}, memberNames(t, seenB[0]))

	h2.Dispatch(b, envelope(t, protocol.TypeSyncAction, "room1", protocol.SyncActionPayload{Action: protocol.ActionPause}))
	require.Eventually(t, func() bool { collect(); return len(seenA) == 3 }, testTimeout, testTick)
	assert.Equal(t, protocol.TypeSyncAction, seenA[2].Type)

	// The sender never sees its own relayed event.
	h1.Dispatch(a, &protocol.Envelope{Type: protocol.TypePing})
	require.Eventually(t, func() bool { collect(); return len(seenA) == 4 }, testTimeout, testTick)
	assert.Equal(t, protocol.TypePong, seenA[3].Type)
	assert.Len(t, seenB, 1)
}
