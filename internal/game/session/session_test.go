package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/arena/internal/game/rules"
	"github.com/cory-johannsen/arena/internal/protocol"
	"github.com/cory-johannsen/arena/internal/testutil"
)

func stateEnv(turn int) protocol.Envelope {
	return protocol.Envelope{RoomID: "r1", Payload: &protocol.StateUpdate{Turn: turn, Seat: rules.Seat0}}
}

func TestOutbox_Push(t *testing.T) {
	o := NewOutbox("test", 4)
	require.NoError(t, o.Push(stateEnv(1)))

	env := <-o.Events()
	assert.Equal(t, protocol.KindStateUpdate, env.Kind())
}

func TestOutbox_PushClosed(t *testing.T) {
	o := NewOutbox("test", 4)
	require.NoError(t, o.Close())
	assert.True(t, o.IsClosed())
	assert.ErrorIs(t, o.Push(stateEnv(1)), ErrOutboxClosed)
}

func TestOutbox_PushFull(t *testing.T) {
	o := NewOutbox("test", 1)
	require.NoError(t, o.Push(stateEnv(1)))
	assert.ErrorIs(t, o.Push(stateEnv(2)), ErrOutboxFull)
}

func TestOutbox_ResultUsesReservedCapacity(t *testing.T) {
	o := NewOutbox("test", 2)
	require.NoError(t, o.Push(stateEnv(1)))
	require.NoError(t, o.Push(stateEnv(2)))
	require.ErrorIs(t, o.Push(stateEnv(3)), ErrOutboxFull)

	result := protocol.Envelope{RoomID: "r1", Payload: &protocol.Result{Result: rules.Result{RoomID: "r1"}}}
	for i := 0; i < ResultReserve; i++ {
		require.NoError(t, o.Push(result), "result %d", i)
	}
	assert.ErrorIs(t, o.Push(result), ErrOutboxFull)
	assert.ErrorIs(t, o.Push(stateEnv(4)), ErrOutboxFull)

	kinds := []protocol.Kind{}
	for len(o.Events()) > 0 {
		kinds = append(kinds, (<-o.Events()).Kind())
	}
	assert.Equal(t, protocol.KindStateUpdate, kinds[0])
	assert.Equal(t, protocol.KindResult, kinds[len(kinds)-1])
	assert.Len(t, kinds, 2+ResultReserve)
}

func TestOutbox_CloseIdempotent(t *testing.T) {
	o := NewOutbox("test", 4)
	require.NoError(t, o.Close())
	require.NoError(t, o.Close())
	assert.True(t, o.IsClosed())
}

func TestSession_BindOnce(t *testing.T) {
	r := NewRegistry(4)
	sess := r.Add(testutil.NewMemTransport("a"))

	room, seat := sess.Binding()
	assert.Empty(t, room)
	assert.Equal(t, rules.NoSeat, seat)

	require.NoError(t, sess.Bind("r1", rules.Seat1, "Alice"))
	assert.ErrorIs(t, sess.Bind("r2", rules.Seat0, "Alice"), ErrAlreadyBound)

	room, seat = sess.Binding()
	assert.Equal(t, "r1", room)
	assert.Equal(t, rules.Seat1, seat)
	assert.Equal(t, "Alice", sess.Name())

	assert.False(t, sess.Unbind("r2"))
	assert.True(t, sess.Unbind("r1"))
	assert.False(t, sess.Unbind("r1"))
	require.NoError(t, sess.Bind("r2", rules.Seat0, "Alice"))
}

func TestSession_Observing(t *testing.T) {
	sess := NewRegistry(4).Add(testutil.NewMemTransport("a"))
	sess.Observe("b")
	sess.Observe("a")
	sess.Observe("a")
	assert.Equal(t, []string{"a", "b"}, sess.Observing())
	sess.StopObserving("a")
	assert.Equal(t, []string{"b"}, sess.Observing())
}

func TestSession_PumpWritesInOrderAndStopsOnClose(t *testing.T) {
	r := NewRegistry(8)
	tr := testutil.NewMemTransport("a")
	sess := r.Add(tr)

	for i := 1; i <= 3; i++ {
		require.NoError(t, sess.Send(stateEnv(i)))
	}
	done := make(chan error, 1)
	go func() { done <- sess.Pump(context.Background()) }()

	for i := 1; i <= 3; i++ {
		env := tr.Next(t, time.Second)
		assert.Equal(t, i, env.Payload.(*protocol.StateUpdate).Turn)
	}
	require.NoError(t, r.Remove(sess.ID))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pump did not exit after Remove")
	}
}

func TestSession_PumpReportsWriteFailure(t *testing.T) {
	r := NewRegistry(8)
	tr := testutil.NewMemTransport("a")
	sess := r.Add(tr)
	require.NoError(t, tr.Close())
	require.NoError(t, sess.Send(stateEnv(1)))

	err := sess.Pump(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), sess.ID)
}

func TestSession_PumpStopsOnCancel(t *testing.T) {
	sess := NewRegistry(8).Add(testutil.NewMemTransport("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, errors.Is(sess.Pump(ctx), context.Canceled))
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry(4)
	a := r.Add(testutil.NewMemTransport("a"))
	b := r.Add(testutil.NewMemTransport("b"))
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, r.Count())

	got, ok := r.Get(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)

	require.NoError(t, r.Remove(a.ID))
	assert.Error(t, r.Remove(a.ID))
	_, ok = r.Get(a.ID)
	assert.False(t, ok)
	assert.True(t, a.Outbox().IsClosed())
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_BroadcastSkipsFullOutboxes(t *testing.T) {
	r := NewRegistry(1)
	slow := r.Add(testutil.NewMemTransport("slow"))
	r.Add(testutil.NewMemTransport("fast"))
	require.NoError(t, slow.Send(stateEnv(0)))

	assert.Equal(t, 1, r.Broadcast(stateEnv(1)))
}

func TestRegistry_ConcurrentAddRemove(t *testing.T) {
	r := NewRegistry(4)
	const n = 100
	ids := make([]string, n)
	var wg sync.WaitGroup

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ids[i] = r.Add(testutil.NewMemTransport(fmt.Sprintf("c%d", i))).ID
		}(i)
	}
	wg.Wait()
	assert.Equal(t, n, r.Count())

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_ = r.Remove(ids[i])
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Count())
}

func TestPropertyRegistryCountMatchesLiveSessions(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewRegistry(2)
		live := map[string]bool{}
		var all []string
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(all) == 0 || rapid.Bool().Draw(t, "add") {
				id := r.Add(testutil.NewMemTransport("x")).ID
				live[id] = true
				all = append(all, id)
				continue
			}
			id := rapid.SampledFrom(all).Draw(t, "remove")
			err := r.Remove(id)
			if live[id] != (err == nil) {
				t.Fatalf("remove %s: live=%v err=%v", id, live[id], err)
			}
			delete(live, id)
		}
		if r.Count() != len(live) {
			t.Fatalf("count %d != live %d", r.Count(), len(live))
		}
	})
}
