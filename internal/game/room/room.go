// Package room implements the per-room turn state machine: seating, turn
// order, action dispatch, timeout supervision, pause/resume and result
// finalisation.
package room

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game/rules"
	"github.com/cory-johannsen/arena/internal/game/session"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/protocol"
)

var (
	// ErrRoomFull is returned by Join when both seats are taken.
	ErrRoomFull = errors.New("room full")
	// ErrRoomClosed is returned for any operation on a finished room.
	ErrRoomClosed = errors.New("room closed")
	// ErrNotYourTurn is returned when the acting seat is not the current seat.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrSeatMismatch is returned when the claimed seat is not the sender's.
	ErrSeatMismatch = errors.New("seat does not belong to sender")
	// ErrNotRunning is returned for actions while the room is open or paused.
	// It matches ErrNotYourTurn: no seat has the turn.
	ErrNotRunning = fmt.Errorf("room not running: %w", ErrNotYourTurn)
)

// WarningCode is the error code of the soft timeout warning.
const WarningCode = "turn_timeout_warning"

// State is the lifecycle position of a Room.
type State int

const (
	StateOpen State = iota
	StateRunning
	StatePaused
	StateOver
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateOver:
		return "over"
	default:
		return "unknown"
	}
}

// Config describes a room to create.
type Config struct {
	// ID must be unique among live rooms.
	ID     string
	Plugin rules.Plugin
	// Policy is the effective turn timeout policy.
	Policy rules.TimeoutPolicy
	// Reserved rooms are only joined through JoinSeat.
	Reserved bool
	// Names are the seat display names; empty entries get a default.
	Names [rules.Seats]string
	// StartPaused makes the room enter Paused instead of Running once full.
	StartPaused bool
	// OnOver is called exactly once, outside the room lock, with the result.
	OnOver func(*Room, rules.Result)
	Logger *zap.Logger
}

type seat struct {
	sess     *session.Session
	name     string
	left     bool
	violated bool
}

// Room is one hosted game. All methods are safe for concurrent use; every
// state transition happens under a single mutex that also guards the turn
// timer epoch.
type Room struct {
	id       string
	pluginID string
	reserved bool
	policy   rules.TimeoutPolicy
	onOver   func(*Room, rules.Result)
	logger   *zap.Logger
	created  time.Time

	mu          sync.Mutex
	state       State
	startPaused bool
	game        rules.Game
	seats       [rules.Seats]seat
	turn        int
	observers   map[string]*session.Session
	result      *rules.Result
	timer       TurnTimer
	epoch       uint64
	warned      bool
}

// New creates an Open room with a fresh game from cfg.Plugin.
//
// Precondition: cfg.ID must be non-empty and cfg.Plugin non-nil.
// Postcondition: Returns an Open room or the plugin's NewGame error.
func New(cfg Config) (*Room, error) {
	if cfg.ID == "" || cfg.Plugin == nil {
		return nil, fmt.Errorf("room: id and plugin are required")
	}
	game, err := cfg.Plugin.NewGame()
	if err != nil {
		return nil, fmt.Errorf("creating %s game: %w", cfg.Plugin.ID(), err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Room{
		id:          cfg.ID,
		pluginID:    cfg.Plugin.ID(),
		reserved:    cfg.Reserved,
		policy:      cfg.Policy,
		onOver:      cfg.OnOver,
		logger:      logger.With(zap.String("room", cfg.ID), zap.String("plugin", cfg.Plugin.ID())),
		created:     time.Now(),
		startPaused: cfg.StartPaused,
		game:        game,
		observers:   make(map[string]*session.Session),
	}
	for i := range r.seats {
		r.seats[i].name = cfg.Names[i]
		if r.seats[i].name == "" {
			r.seats[i].name = fmt.Sprintf("Player%d", i+1)
		}
	}
	observability.RecordRoomCreated(r.pluginID)
	return r, nil
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// PluginID returns the id of the rule plugin driving the room.
func (r *Room) PluginID() string { return r.pluginID }

// Reserved reports whether seats are assigned by reservation.
func (r *Room) Reserved() bool { return r.reserved }

// State returns the current lifecycle state.
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Result returns the final result once the room is Over.
func (r *Room) Result() (rules.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return rules.Result{}, false
	}
	return *r.result, true
}

// transition runs fn under the room lock and delivers a produced result
// to OnOver after unlocking.
func (r *Room) transition(fn func() (*rules.Result, error)) error {
	r.mu.Lock()
	res, err := fn()
	r.mu.Unlock()
	if res != nil && r.onOver != nil {
		r.onOver(r, *res)
	}
	return err
}

// Join seats sess in the first free seat of a join-or-create room.
//
// Precondition: sess must not be bound to another room.
// Postcondition: Returns the seat, or ErrRoomFull/ErrRoomClosed. The room
// starts once both seats are bound.
func (r *Room) Join(sess *session.Session, name string) (rules.Seat, error) {
	s := rules.NoSeat
	err := r.transition(func() (*rules.Result, error) {
		if r.state == StateOver {
			return nil, ErrRoomClosed
		}
		if r.state != StateOpen || r.reserved {
			return nil, ErrRoomFull
		}
		for i := range r.seats {
			if r.seats[i].sess == nil {
				s = rules.Seat(i)
				break
			}
		}
		if !s.Valid() {
			return nil, ErrRoomFull
		}
		if err := r.bindLocked(sess, s, name); err != nil {
			s = rules.NoSeat
			return nil, err
		}
		return nil, nil
	})
	return s, err
}

// JoinSeat binds sess to a specific seat, as granted by a reservation.
//
// Postcondition: Returns ErrRoomFull if seat is already bound, ErrRoomClosed
// once Over. The room starts once both seats are bound.
func (r *Room) JoinSeat(sess *session.Session, s rules.Seat) error {
	return r.transition(func() (*rules.Result, error) {
		if r.state == StateOver {
			return nil, ErrRoomClosed
		}
		if !s.Valid() || r.state != StateOpen || r.seats[s].sess != nil {
			return nil, ErrRoomFull
		}
		return nil, r.bindLocked(sess, s, "")
	})
}

// bindLocked binds sess to s; an empty name keeps the seat's current name.
func (r *Room) bindLocked(sess *session.Session, s rules.Seat, name string) error {
	if name == "" {
		name = r.seats[s].name
	}
	if err := sess.Bind(r.id, s, name); err != nil {
		return err
	}
	r.seats[s].sess = sess
	r.seats[s].name = name
	if _, ok := r.observers[sess.ID]; ok {
		delete(r.observers, sess.ID)
		sess.StopObserving(r.id)
	}
	r.logger.Info("seat bound",
		zap.String("session", sess.ID),
		zap.Stringer("seat", s),
		zap.String("name", r.seats[s].name),
	)
	_ = sess.Send(protocol.Envelope{RoomID: r.id, Payload: &protocol.Join{
		Plugin: r.pluginID,
		Name:   r.seats[s].name,
		Seat:   s,
	}})
	if r.seats[s.Other()].sess != nil {
		r.startLocked()
	}
	return nil
}

func (r *Room) startLocked() {
	if r.startPaused {
		r.state = StatePaused
		r.logger.Info("room full, waiting for resume")
		r.broadcastLocked(r.stateEnvelopeLocked())
		return
	}
	r.state = StateRunning
	r.logger.Info("room running")
	r.broadcastLocked(r.stateEnvelopeLocked())
	r.armLocked(r.policy.Turn)
}

// armLocked starts a fresh turn clock. Every call invalidates any earlier
// timer callback, including one already waiting for the lock.
func (r *Room) armLocked(d time.Duration) {
	r.epoch++
	r.warned = false
	if !r.policy.Enabled() {
		r.timer.Stop()
		return
	}
	epoch := r.epoch
	r.timer.Arm(d, func() { r.expire(epoch) })
}

func (r *Room) disarmLocked() {
	r.epoch++
	r.timer.Stop()
}

// expire handles a timer fire for the clock armed at epoch.
func (r *Room) expire(epoch uint64) {
	_ = r.transition(func() (*rules.Result, error) {
		if r.state != StateRunning || epoch != r.epoch {
			return nil, nil
		}
		s := r.game.CurrentSeat()
		if r.policy.Grace > 0 && !r.warned {
			observability.TurnTimeouts.WithLabelValues("soft").Inc()
			r.logger.Info("soft turn timeout", zap.Stringer("seat", s))
			r.epoch++
			r.warned = true
			if sess := r.seats[s].sess; sess != nil {
				_ = sess.Send(protocol.Envelope{RoomID: r.id, Payload: &protocol.Error{
					Code:    WarningCode,
					Message: fmt.Sprintf("%s has %s left to act", s, r.policy.Grace),
				}})
			}
			next := r.epoch
			r.timer.Arm(r.policy.Grace, func() { r.expire(next) })
			return nil, nil
		}
		observability.TurnTimeouts.WithLabelValues("hard").Inc()
		r.logger.Info("turn timed out", zap.Stringer("seat", s))
		return r.interruptLocked(s, rules.CauseTimeout, "turn timed out"), nil
	})
}

// HandleAction dispatches action for s on behalf of sess.
//
// Postcondition: on nil error the action was applied and the next turn
// clock is armed, or the room is Over. ErrRoomClosed, ErrNotRunning,
// ErrSeatMismatch and ErrNotYourTurn leave the room unchanged. A plugin
// rule violation ends the game with a loss for s and returns nil.
func (r *Room) HandleAction(sess *session.Session, s rules.Seat, action rules.Action) error {
	start := time.Now()
	defer func() { observability.ActionLatency.Observe(time.Since(start).Seconds()) }()

	return r.transition(func() (*rules.Result, error) {
		switch r.state {
		case StateOver:
			return nil, ErrRoomClosed
		case StateOpen, StatePaused:
			observability.ActionsHandled.WithLabelValues("rejected").Inc()
			return nil, ErrNotRunning
		}
		if !s.Valid() || r.seats[s].sess != sess {
			observability.ActionsHandled.WithLabelValues("rejected").Inc()
			return nil, ErrSeatMismatch
		}
		if s != r.game.CurrentSeat() {
			observability.ActionsHandled.WithLabelValues("rejected").Inc()
			return nil, ErrNotYourTurn
		}

		if err := r.game.Apply(s, action); err != nil {
			var iae *rules.InvalidActionError
			if !errors.As(err, &iae) {
				observability.ActionsHandled.WithLabelValues("error").Inc()
				return nil, fmt.Errorf("applying %q for %s: %w", action.Type, s, err)
			}
			observability.ActionsHandled.WithLabelValues("violation").Inc()
			r.logger.Info("rule violation", zap.Stringer("seat", s), zap.String("reason", iae.Reason))
			r.seats[s].violated = true
			var causes [rules.Seats]rules.Cause
			var reasons [rules.Seats]string
			causes[s] = rules.CauseRuleViolation
			reasons[s] = iae.Reason
			return r.finishLocked(s.Other(), causes, reasons), nil
		}

		observability.ActionsHandled.WithLabelValues("applied").Inc()
		r.turn++
		if out := r.game.CheckTerminal(nil); out != nil {
			r.broadcastLocked(r.stateEnvelopeLocked())
			return r.finishLocked(out.Winner, [rules.Seats]rules.Cause{}, [rules.Seats]string{out.Reason, out.Reason}), nil
		}
		r.broadcastLocked(r.stateEnvelopeLocked())
		r.armLocked(r.policy.Turn)
		return nil, nil
	})
}

// Pause freezes the turn clock and action acceptance. Pausing an Open room
// makes it start Paused once full.
func (r *Room) Pause() error {
	return r.transition(func() (*rules.Result, error) {
		switch r.state {
		case StateOver:
			return nil, ErrRoomClosed
		case StateOpen:
			r.startPaused = true
		case StateRunning:
			r.state = StatePaused
			r.disarmLocked()
			r.logger.Info("room paused")
			r.broadcastLocked(r.stateEnvelopeLocked())
		}
		return nil, nil
	})
}

// Resume re-arms a full turn clock for the seat whose turn it already was.
// Resuming an Open room clears a pending start-paused request.
func (r *Room) Resume() error {
	return r.transition(func() (*rules.Result, error) {
		switch r.state {
		case StateOver:
			return nil, ErrRoomClosed
		case StateOpen:
			r.startPaused = false
		case StatePaused:
			r.startPaused = false
			r.state = StateRunning
			r.logger.Info("room resumed")
			r.broadcastLocked(r.stateEnvelopeLocked())
			r.armLocked(r.policy.Turn)
		}
		return nil, nil
	})
}

// Terminate ends the room administratively. The plugin's own verdict on
// the current state wins; otherwise both seats draw with CauseTerminated.
func (r *Room) Terminate(reason string) error {
	return r.transition(func() (*rules.Result, error) {
		if r.state == StateOver {
			return nil, ErrRoomClosed
		}
		r.logger.Info("room terminated", zap.String("reason", reason))
		if out := r.game.CheckTerminal(nil); out != nil {
			return r.finishLocked(out.Winner, [rules.Seats]rules.Cause{}, [rules.Seats]string{out.Reason, out.Reason}), nil
		}
		return r.finishLocked(rules.NoSeat,
			[rules.Seats]rules.Cause{rules.CauseTerminated, rules.CauseTerminated},
			[rules.Seats]string{reason, reason}), nil
	})
}

// Leave handles the departure of sess. A seated player leaving a started
// or reserved room ends it with CauseLeft; leaving an Open join-or-create
// room frees the seat. Observers are simply unsubscribed.
func (r *Room) Leave(sess *session.Session) {
	_ = r.transition(func() (*rules.Result, error) {
		delete(r.observers, sess.ID)
		s := r.seatOfLocked(sess)
		if !s.Valid() || r.state == StateOver {
			return nil, nil
		}
		r.seats[s].left = true
		r.logger.Info("seat left", zap.String("session", sess.ID), zap.Stringer("seat", s), zap.Stringer("state", r.state))
		if r.state == StateOpen && !r.reserved {
			r.seats[s] = seat{name: fmt.Sprintf("Player%d", int(s)+1)}
			sess.Unbind(r.id)
			return nil, nil
		}
		return r.interruptLocked(s, rules.CauseLeft, "left the game"), nil
	})
}

func (r *Room) seatOfLocked(sess *session.Session) rules.Seat {
	for i := range r.seats {
		if r.seats[i].sess == sess {
			return rules.Seat(i)
		}
	}
	return rules.NoSeat
}

// interruptLocked ends the game because s left or timed out, giving the
// plugin first refusal on the outcome.
func (r *Room) interruptLocked(s rules.Seat, cause rules.Cause, reason string) *rules.Result {
	var causes [rules.Seats]rules.Cause
	var reasons [rules.Seats]string
	causes[s] = cause
	reasons[s] = reason
	winner := s.Other()
	if out := r.game.CheckTerminal(&rules.Interruption{Seat: s, Cause: cause}); out != nil {
		winner = out.Winner
		if out.Reason != "" {
			reasons = [rules.Seats]string{out.Reason, out.Reason}
		}
	}
	return r.finishLocked(winner, causes, reasons)
}

// finishLocked computes the result exactly once, moves to Over and
// delivers the result to seats and observers.
func (r *Room) finishLocked(winner rules.Seat, causes [rules.Seats]rules.Cause, reasons [rules.Seats]string) *rules.Result {
	if r.result != nil {
		return nil
	}
	r.disarmLocked()
	r.state = StateOver

	res := rules.Result{RoomID: r.id, PluginID: r.pluginID, Winner: winner}
	if !winner.Valid() {
		res.Winner = rules.NoSeat
	}
	for i := range res.Scores {
		s := rules.Seat(i)
		verdict := rules.VerdictDraw
		switch {
		case res.Winner == s:
			verdict = rules.VerdictWin
		case res.Winner.Valid():
			verdict = rules.VerdictLoss
		}
		res.Scores[i] = rules.Score{
			Name:    r.seats[i].name,
			Cause:   causes[i],
			Verdict: verdict,
			Points:  r.game.ScoreFor(s),
			Reason:  reasons[i],
		}
	}
	r.result = &res
	if c, ok := r.game.(io.Closer); ok {
		_ = c.Close()
	}
	observability.RecordGameFinished(r.pluginID, res.Regular())
	r.logger.Info("game over", zap.Stringer("result", res), zap.Int("turns", r.turn))
	r.broadcastLocked(protocol.Envelope{RoomID: r.id, Payload: &protocol.Result{Result: res}})
	return &res
}

// AddObserver subscribes sess to every broadcast and sends it the current
// state right away. A session holding a seat here already receives every
// broadcast; it only gets the state reply.
func (r *Room) AddObserver(sess *session.Session) error {
	return r.transition(func() (*rules.Result, error) {
		if r.state == StateOver {
			return nil, ErrRoomClosed
		}
		if r.seatOfLocked(sess).Valid() {
			_ = sess.Send(r.stateEnvelopeLocked())
			return nil, nil
		}
		r.observers[sess.ID] = sess
		sess.Observe(r.id)
		_ = sess.Send(r.stateEnvelopeLocked())
		return nil, nil
	})
}

// RemoveObserver unsubscribes sess.
func (r *Room) RemoveObserver(sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, sess.ID)
	sess.StopObserving(r.id)
}

// Participants returns the bound seat sessions and the observers.
func (r *Room) Participants() (seated, observers []*session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.seats {
		if st.sess != nil {
			seated = append(seated, st.sess)
		}
	}
	for _, o := range r.observers {
		observers = append(observers, o)
	}
	return seated, observers
}

func (r *Room) stateEnvelopeLocked() protocol.Envelope {
	current := rules.NoSeat
	if r.state == StateRunning || r.state == StatePaused {
		current = r.game.CurrentSeat()
	}
	return protocol.Envelope{RoomID: r.id, Payload: &protocol.StateUpdate{
		Turn:   r.turn,
		Seat:   current,
		Paused: r.state == StatePaused,
		State:  r.game.Snapshot(),
	}}
}

// broadcastLocked pushes env to seated players still present and to
// observers. Pushes never block; a failing recipient does not affect others.
func (r *Room) broadcastLocked(env protocol.Envelope) {
	for i := range r.seats {
		if r.seats[i].sess == nil || r.seats[i].left {
			continue
		}
		r.deliver(r.seats[i].sess, env)
	}
	ids := make([]string, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.deliver(r.observers[id], env)
	}
}

func (r *Room) deliver(sess *session.Session, env protocol.Envelope) {
	err := sess.Send(env)
	if err == nil {
		return
	}
	if env.Kind() == protocol.KindResult {
		r.logger.Warn("dropping result", zap.String("session", sess.ID), zap.Error(err))
		return
	}
	r.logger.Debug("dropping envelope", zap.String("session", sess.ID), zap.String("kind", string(env.Kind())), zap.Error(err))
}

// SeatInfo describes one seat for administrative listings.
type SeatInfo struct {
	Name     string
	Bound    bool
	Left     bool
	Violated bool
}

// Info is a point-in-time description of a room.
type Info struct {
	ID        string
	PluginID  string
	State     State
	Reserved  bool
	Turn      int
	Seats     [rules.Seats]SeatInfo
	Observers int
	Created   time.Time
}

// Info returns a snapshot of the room for listings.
func (r *Room) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := Info{
		ID:        r.id,
		PluginID:  r.pluginID,
		State:     r.state,
		Reserved:  r.reserved,
		Turn:      r.turn,
		Observers: len(r.observers),
		Created:   r.created,
	}
	for i, st := range r.seats {
		info.Seats[i] = SeatInfo{Name: st.name, Bound: st.sess != nil, Left: st.left, Violated: st.violated}
	}
	return info
}
