package lobby_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/arena/internal/game/lobby"
	"github.com/cory-johannsen/arena/internal/game/reservation"
	"github.com/cory-johannsen/arena/internal/game/room"
	"github.com/cory-johannsen/arena/internal/game/rules"
	"github.com/cory-johannsen/arena/internal/game/session"
	"github.com/cory-johannsen/arena/internal/protocol"
	"github.com/cory-johannsen/arena/internal/testutil"
)

type fixture struct {
	lobby   *lobby.Lobby
	reg     *session.Registry
	resv    *reservation.Registry
	results chan rules.Result
}

func newFixture(t *testing.T, mutate func(*lobby.Config), plugins ...rules.Plugin) *fixture {
	t.Helper()
	if len(plugins) == 0 {
		plugins = []rules.Plugin{testutil.NewCounterPlugin()}
	}
	pr := rules.NewRegistry()
	for _, p := range plugins {
		require.NoError(t, pr.Register(p))
	}
	f := &fixture{
		reg:     session.NewRegistry(64),
		resv:    reservation.NewRegistry(),
		results: make(chan rules.Result, 16),
	}
	cfg := lobby.Config{
		Plugins:      pr,
		Reservations: f.resv,
		Logger:       zaptest.NewLogger(t),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	l, err := lobby.New(cfg)
	require.NoError(t, err)
	l.OnGameOver(func(res rules.Result) { f.results <- res })
	f.lobby = l
	return f
}

func (f *fixture) session() *session.Session {
	return f.reg.Add(testutil.NewMemTransport("mem"))
}

func (f *fixture) result(t *testing.T) rules.Result {
	t.Helper()
	select {
	case res := <-f.results:
		return res
	case <-time.After(time.Second):
		t.Fatal("no result")
		return rules.Result{}
	}
}

func TestNew_RequiresRegistries(t *testing.T) {
	_, err := lobby.New(lobby.Config{})
	assert.Error(t, err)
}

func TestJoinOrCreate_PairsSessions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b, c := f.session(), f.session(), f.session()

	ra, sa, err := f.lobby.JoinOrCreate(ctx, a, "counter", "Alice")
	require.NoError(t, err)
	assert.Equal(t, rules.Seat0, sa)
	rb, sb, err := f.lobby.JoinOrCreate(ctx, b, "counter", "Bob")
	require.NoError(t, err)
	assert.Equal(t, rules.Seat1, sb)
	assert.Same(t, ra, rb)
	assert.Equal(t, room.StateRunning, ra.State())

	rc, sc, err := f.lobby.JoinOrCreate(ctx, c, "counter", "Carol")
	require.NoError(t, err)
	assert.Equal(t, rules.Seat0, sc)
	assert.NotEqual(t, ra.ID(), rc.ID())
	assert.Len(t, f.lobby.Rooms(), 2)
}

func TestJoinOrCreate_Errors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.session()

	_, _, err := f.lobby.JoinOrCreate(ctx, a, "chess", "")
	assert.ErrorIs(t, err, lobby.ErrUnknownPlugin)

	_, _, err = f.lobby.JoinOrCreate(ctx, a, "counter", "")
	require.NoError(t, err)
	_, _, err = f.lobby.JoinOrCreate(ctx, a, "counter", "")
	assert.ErrorIs(t, err, lobby.ErrAlreadySeated)
}

// Scenario: Bob redeems first and waits; Alice's redemption starts the game.
func TestReservationScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	prep, err := f.lobby.PrepareGame(ctx, "counter", [2]string{"Alice", "Bob"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, f.resv.Pending())

	bob := f.session()
	r, seat, err := f.lobby.Redeem(ctx, bob, prep.Tokens[1])
	require.NoError(t, err)
	assert.Equal(t, rules.Seat1, seat)
	assert.Equal(t, prep.RoomID, r.ID())
	assert.Equal(t, room.StateOpen, r.State())

	alice := f.session()
	_, seat, err = f.lobby.Redeem(ctx, alice, prep.Tokens[0])
	require.NoError(t, err)
	assert.Equal(t, rules.Seat0, seat)
	assert.Equal(t, room.StateRunning, r.State())

	info := r.Info()
	assert.Equal(t, "Alice", info.Seats[0].Name)
	assert.Equal(t, "Bob", info.Seats[1].Name)

	_, _, err = f.lobby.Redeem(ctx, f.session(), prep.Tokens[0])
	assert.ErrorIs(t, err, reservation.ErrUnknownReservation)
}

func TestReservedRoomNotJoinable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	prep, err := f.lobby.PrepareGame(ctx, "counter", [2]string{}, false)
	require.NoError(t, err)

	r, _, err := f.lobby.JoinOrCreate(ctx, f.session(), "counter", "")
	require.NoError(t, err)
	assert.NotEqual(t, prep.RoomID, r.ID())
}

func TestRedeem_AlreadySeatedKeepsToken(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	prep, err := f.lobby.PrepareGame(ctx, "counter", [2]string{}, false)
	require.NoError(t, err)

	a := f.session()
	_, _, err = f.lobby.JoinOrCreate(ctx, a, "counter", "")
	require.NoError(t, err)
	_, _, err = f.lobby.Redeem(ctx, a, prep.Tokens[0])
	assert.ErrorIs(t, err, lobby.ErrAlreadySeated)
	assert.Equal(t, 2, f.resv.Pending())
}

func TestPrepareGame_UnknownPlugin(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.lobby.PrepareGame(context.Background(), "chess", [2]string{}, false)
	assert.ErrorIs(t, err, lobby.ErrUnknownPlugin)
	assert.Equal(t, 0, f.resv.Pending())
}

func TestPrepareGame_StartsPausedUntilResumed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	prep, err := f.lobby.PrepareGame(ctx, "counter", [2]string{}, true)
	require.NoError(t, err)
	a, b := f.session(), f.session()
	r, _, err := f.lobby.Redeem(ctx, a, prep.Tokens[0])
	require.NoError(t, err)
	_, _, err = f.lobby.Redeem(ctx, b, prep.Tokens[1])
	require.NoError(t, err)
	assert.Equal(t, room.StatePaused, r.State())

	require.NoError(t, f.lobby.Resume(prep.RoomID))
	assert.Equal(t, room.StateRunning, r.State())
	require.NoError(t, f.lobby.Pause(prep.RoomID))
	assert.Equal(t, room.StatePaused, r.State())
}

func TestRouteAction_ClosedIsDeterministic(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := f.session(), f.session()
	r, _, err := f.lobby.JoinOrCreate(ctx, a, "counter", "")
	require.NoError(t, err)
	_, _, err = f.lobby.JoinOrCreate(ctx, b, "counter", "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.lobby.RouteAction(ctx, a, "nope", rules.Seat0, testutil.Add(1)), lobby.ErrRoomNotFound)
	require.NoError(t, f.lobby.RouteAction(ctx, a, r.ID(), rules.Seat0, testutil.Add(1)))
	assert.ErrorIs(t, f.lobby.RouteAction(ctx, a, r.ID(), rules.Seat0, testutil.Add(1)), room.ErrNotYourTurn)

	require.NoError(t, f.lobby.RouteAction(ctx, b, r.ID(), rules.Seat1, testutil.Add(9)))
	res := f.result(t)
	assert.Equal(t, rules.CauseRuleViolation, res.Scores[1].Cause)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, f.lobby.RouteAction(ctx, a, r.ID(), rules.Seat0, testutil.Add(1)), room.ErrRoomClosed)
	}
	assert.ErrorIs(t, f.lobby.Observe(ctx, f.session(), r.ID()), room.ErrRoomClosed)
	assert.Empty(t, f.lobby.Rooms())

	got, ok := f.lobby.ClosedResult(r.ID())
	require.True(t, ok)
	assert.Equal(t, res, got)

	// participants are free to play again
	bound, _ := a.Binding()
	assert.Empty(t, bound)
	_, _, err = f.lobby.JoinOrCreate(ctx, a, "counter", "")
	assert.NoError(t, err)
}

func TestClosedRoomMemoryIsBounded(t *testing.T) {
	f := newFixture(t, func(c *lobby.Config) { c.ClosedRoomMemory = 1 })
	ctx := context.Background()
	first, err := f.lobby.PrepareGame(ctx, "counter", [2]string{}, false)
	require.NoError(t, err)
	second, err := f.lobby.PrepareGame(ctx, "counter", [2]string{}, false)
	require.NoError(t, err)

	_, err = f.lobby.Terminate(first.RoomID, "test")
	require.NoError(t, err)
	_, err = f.lobby.Terminate(second.RoomID, "test")
	require.NoError(t, err)

	assert.ErrorIs(t, f.lobby.Pause(second.RoomID), room.ErrRoomClosed)
	assert.ErrorIs(t, f.lobby.Pause(first.RoomID), lobby.ErrRoomNotFound)
}

func TestTerminate_RevokesTokens(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	prep, err := f.lobby.PrepareGame(ctx, "counter", [2]string{"Alice", "Bob"}, false)
	require.NoError(t, err)

	res, err := f.lobby.Terminate(prep.RoomID, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, rules.CauseTerminated, res.Scores[0].Cause)
	assert.Equal(t, "Alice", res.Scores[0].Name)
	assert.Equal(t, res, f.result(t))
	assert.Equal(t, 0, f.resv.Pending())

	_, _, err = f.lobby.Redeem(ctx, f.session(), prep.Tokens[0])
	assert.ErrorIs(t, err, reservation.ErrUnknownReservation)
	_, err = f.lobby.Terminate(prep.RoomID, "again")
	assert.ErrorIs(t, err, room.ErrRoomClosed)
	_, err = f.lobby.Terminate("missing", "")
	assert.ErrorIs(t, err, lobby.ErrRoomNotFound)
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b, obs := f.session(), f.session(), f.session()
	r, _, err := f.lobby.JoinOrCreate(ctx, a, "counter", "")
	require.NoError(t, err)
	_, _, err = f.lobby.JoinOrCreate(ctx, b, "counter", "")
	require.NoError(t, err)
	require.NoError(t, f.lobby.Observe(ctx, obs, r.ID()))

	f.lobby.Disconnect(obs)
	assert.Empty(t, obs.Observing())
	assert.Equal(t, 0, r.Info().Observers)

	f.lobby.Disconnect(b)
	res := f.result(t)
	assert.Equal(t, rules.CauseLeft, res.Scores[1].Cause)
	assert.Equal(t, rules.VerdictWin, res.Scores[0].Verdict)

	var results int
	for _, env := range drainAll(a) {
		if env.Kind() == protocol.KindResult {
			results++
		}
	}
	assert.Equal(t, 1, results)

	f.lobby.Disconnect(a)
	select {
	case extra := <-f.results:
		t.Fatalf("unexpected second result %s", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDisconnectFromOpenRoomKeepsItJoinable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.session()
	r, _, err := f.lobby.JoinOrCreate(ctx, a, "counter", "")
	require.NoError(t, err)
	f.lobby.Disconnect(a)

	b := f.session()
	r2, seat, err := f.lobby.JoinOrCreate(ctx, b, "counter", "")
	require.NoError(t, err)
	assert.Same(t, r, r2)
	assert.Equal(t, rules.Seat0, seat)
}

func TestPluginPolicyOverridesDefault(t *testing.T) {
	quick := &testutil.CounterPlugin{PluginID: "quick", Policy: &rules.TimeoutPolicy{Turn: 20 * time.Millisecond}}
	f := newFixture(t, nil, testutil.NewCounterPlugin(), quick)
	ctx := context.Background()

	for _, id := range []string{"counter", "quick"} {
		_, _, err := f.lobby.JoinOrCreate(ctx, f.session(), id, "")
		require.NoError(t, err)
		_, _, err = f.lobby.JoinOrCreate(ctx, f.session(), id, "")
		require.NoError(t, err)
	}
	res := f.result(t)
	assert.Equal(t, "quick", res.PluginID)
	assert.Equal(t, rules.CauseTimeout, res.Scores[0].Cause)
	assert.Len(t, f.lobby.Rooms(), 1)
}

func TestConcurrentJoinsNeverOverfillRooms(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	const n = 51
	var wg sync.WaitGroup
	errs := make(chan error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, _, err := f.lobby.JoinOrCreate(ctx, f.session(), "counter", fmt.Sprintf("p%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	bound, open := 0, 0
	for _, info := range f.lobby.Rooms() {
		seated := 0
		for _, s := range info.Seats {
			if s.Bound {
				seated++
			}
		}
		bound += seated
		if info.State == room.StateOpen {
			open++
			assert.Equal(t, 1, seated)
		} else {
			assert.Equal(t, 2, seated)
		}
	}
	assert.Equal(t, n, bound)
	assert.Equal(t, 1, open)
}

func drainAll(sess *session.Session) []protocol.Envelope {
	var out []protocol.Envelope
	for {
		select {
		case env := <-sess.Outbox().Events():
			out = append(out, env)
		default:
			return out
		}
	}
}
