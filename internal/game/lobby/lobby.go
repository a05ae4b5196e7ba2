// Package lobby creates rooms, routes client requests to the room that owns
// them and retires rooms once their result has been delivered.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game/reservation"
	"github.com/cory-johannsen/arena/internal/game/room"
	"github.com/cory-johannsen/arena/internal/game/rules"
	"github.com/cory-johannsen/arena/internal/game/session"
	"github.com/cory-johannsen/arena/internal/observability"
)

var (
	// ErrRoomNotFound is returned for a room id that was never live here.
	ErrRoomNotFound = errors.New("room not found")
	// ErrUnknownPlugin is returned when no plugin is registered under the id.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrAlreadySeated is returned when a seated session asks for another seat.
	ErrAlreadySeated = errors.New("session already seated")
)

// DefaultClosedRoomMemory is used when Config.ClosedRoomMemory is not positive.
const DefaultClosedRoomMemory = 1024

// Config wires a Lobby to its collaborators.
type Config struct {
	Plugins      *rules.Registry
	Reservations *reservation.Registry
	// DefaultPolicy applies to plugins that do not declare their own.
	DefaultPolicy rules.TimeoutPolicy
	// ClosedRoomMemory bounds how many finished rooms still answer RoomClosed.
	ClosedRoomMemory int
	Logger           *zap.Logger
}

// Prepared describes a room declared through PrepareGame.
type Prepared struct {
	RoomID string
	Tokens [rules.Seats]string
}

// Lobby indexes live rooms.
//
// Lock order is lobby then room. The lobby lock is never held across a room
// operation that can finish the room, because the room reports its result
// back through onRoomOver.
type Lobby struct {
	plugins      *rules.Registry
	reservations *reservation.Registry
	policy       rules.TimeoutPolicy
	logger       *zap.Logger

	mu        sync.RWMutex
	rooms     map[string]*room.Room
	waiting   map[string]string // plugin id -> open join-or-create room id
	closed    *lru.Cache        // room id -> rules.Result
	listeners []func(rules.Result)
}

// New creates an empty Lobby.
//
// Precondition: cfg.Plugins and cfg.Reservations must be non-nil.
func New(cfg Config) (*Lobby, error) {
	if cfg.Plugins == nil || cfg.Reservations == nil {
		return nil, fmt.Errorf("lobby: plugins and reservations are required")
	}
	size := cfg.ClosedRoomMemory
	if size <= 0 {
		size = DefaultClosedRoomMemory
	}
	closed, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating closed room cache: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lobby{
		plugins:      cfg.Plugins,
		reservations: cfg.Reservations,
		policy:       cfg.DefaultPolicy,
		logger:       logger,
		rooms:        make(map[string]*room.Room),
		waiting:      make(map[string]string),
		closed:       closed,
	}, nil
}

// OnGameOver registers fn to receive every result after the room is retired.
func (l *Lobby) OnGameOver(fn func(rules.Result)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

func (l *Lobby) newRoomLocked(p rules.Plugin, reserved, paused bool, names [rules.Seats]string) (*room.Room, error) {
	policy := l.policy
	if own, ok := p.Timeouts(); ok {
		policy = own
	}
	r, err := room.New(room.Config{
		ID:          uuid.NewString(),
		Plugin:      p,
		Policy:      policy,
		Reserved:    reserved,
		Names:       names,
		StartPaused: paused,
		OnOver:      l.onRoomOver,
		Logger:      l.logger,
	})
	if err != nil {
		return nil, err
	}
	l.rooms[r.ID()] = r
	l.logger.Info("room created",
		zap.String("room", r.ID()),
		zap.String("plugin", p.ID()),
		zap.Bool("reserved", reserved),
		zap.Duration("turn_timeout", policy.Turn),
	)
	return r, nil
}

// JoinOrCreate seats sess in the open room waiting for pluginID, creating
// one when none is waiting.
//
// Postcondition: Returns the room and seat, ErrAlreadySeated or ErrUnknownPlugin.
func (l *Lobby) JoinOrCreate(ctx context.Context, sess *session.Session, pluginID, name string) (r *room.Room, seat rules.Seat, err error) {
	_, span := observability.StartSpan(ctx, "lobby.JoinOrCreate", trace.WithAttributes(
		attribute.String("arena.plugin", pluginID),
		attribute.String("arena.session", sess.ID),
	))
	defer func() { observability.EndSpan(span, err) }()

	if bound, _ := sess.Binding(); bound != "" {
		return nil, rules.NoSeat, ErrAlreadySeated
	}
	p, ok := l.plugins.Get(pluginID)
	if !ok {
		return nil, rules.NoSeat, fmt.Errorf("%w: %q", ErrUnknownPlugin, pluginID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.waiting[pluginID]; ok {
		if r = l.rooms[id]; r != nil {
			seat, err = r.Join(sess, name)
			switch {
			case err == nil:
				if r.State() != room.StateOpen {
					delete(l.waiting, pluginID)
				}
				return r, seat, nil
			case errors.Is(err, session.ErrAlreadyBound):
				return nil, rules.NoSeat, ErrAlreadySeated
			}
		}
		delete(l.waiting, pluginID)
	}

	r, err = l.newRoomLocked(p, false, false, [rules.Seats]string{})
	if err != nil {
		return nil, rules.NoSeat, err
	}
	seat, err = r.Join(sess, name)
	if err != nil {
		return nil, rules.NoSeat, err
	}
	l.waiting[pluginID] = r.ID()
	span.SetAttributes(attribute.String("arena.room", r.ID()))
	return r, seat, nil
}

// PrepareGame declares a reserved room and issues one token per seat.
// Empty names get the default seat names.
//
// Postcondition: Returns the room id and tokens, or ErrUnknownPlugin.
func (l *Lobby) PrepareGame(ctx context.Context, pluginID string, names [rules.Seats]string, paused bool) (prep Prepared, err error) {
	_, span := observability.StartSpan(ctx, "lobby.PrepareGame", trace.WithAttributes(attribute.String("arena.plugin", pluginID)))
	defer func() { observability.EndSpan(span, err) }()

	p, ok := l.plugins.Get(pluginID)
	if !ok {
		return Prepared{}, fmt.Errorf("%w: %q", ErrUnknownPlugin, pluginID)
	}

	l.mu.Lock()
	r, err := l.newRoomLocked(p, true, paused, names)
	l.mu.Unlock()
	if err != nil {
		return Prepared{}, err
	}
	tokens, err := l.reservations.Declare(r.ID(), names)
	if err != nil {
		_ = r.Terminate("reservation failure")
		return Prepared{}, err
	}
	return Prepared{RoomID: r.ID(), Tokens: tokens}, nil
}

// Redeem consumes token and binds sess to the reserved seat.
//
// Postcondition: the token is consumed whenever it was valid, even if the
// room has closed since.
func (l *Lobby) Redeem(ctx context.Context, sess *session.Session, token string) (r *room.Room, seat rules.Seat, err error) {
	_, span := observability.StartSpan(ctx, "lobby.Redeem", trace.WithAttributes(attribute.String("arena.session", sess.ID)))
	defer func() { observability.EndSpan(span, err) }()

	if bound, _ := sess.Binding(); bound != "" {
		return nil, rules.NoSeat, ErrAlreadySeated
	}
	claim, err := l.reservations.Redeem(token)
	if err != nil {
		return nil, rules.NoSeat, err
	}
	span.SetAttributes(attribute.String("arena.room", claim.RoomID))

	l.mu.Lock()
	defer l.mu.Unlock()
	r, err = l.lookupLocked(claim.RoomID)
	if err != nil {
		return nil, rules.NoSeat, err
	}
	if err := r.JoinSeat(sess, claim.Seat); err != nil {
		if errors.Is(err, session.ErrAlreadyBound) {
			return nil, rules.NoSeat, ErrAlreadySeated
		}
		return nil, rules.NoSeat, err
	}
	return r, claim.Seat, nil
}

// Room returns the live room with id, or ErrRoomClosed/ErrRoomNotFound.
func (l *Lobby) Room(id string) (*room.Room, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lookupLocked(id)
}

func (l *Lobby) lookupLocked(id string) (*room.Room, error) {
	if r, ok := l.rooms[id]; ok {
		return r, nil
	}
	if l.closed.Contains(id) {
		return nil, room.ErrRoomClosed
	}
	return nil, ErrRoomNotFound
}

// ClosedResult returns the result of a recently finished room.
func (l *Lobby) ClosedResult(id string) (rules.Result, bool) {
	v, ok := l.closed.Get(id)
	if !ok {
		return rules.Result{}, false
	}
	return v.(rules.Result), true
}

// RouteAction hands action to the room roomID on behalf of sess.
//
// Postcondition: errors concern the sender only; see room.Room.HandleAction.
func (l *Lobby) RouteAction(ctx context.Context, sess *session.Session, roomID string, seat rules.Seat, action rules.Action) (err error) {
	_, span := observability.StartSpan(ctx, "lobby.RouteAction", trace.WithAttributes(
		attribute.String("arena.room", roomID),
		attribute.String("arena.session", sess.ID),
		attribute.String("arena.action", action.Type),
		attribute.Int("arena.seat", int(seat)),
	))
	defer func() { observability.EndSpan(span, err) }()

	r, err := l.Room(roomID)
	if err != nil {
		return err
	}
	return r.HandleAction(sess, seat, action)
}

// Observe subscribes sess to roomID.
func (l *Lobby) Observe(ctx context.Context, sess *session.Session, roomID string) (err error) {
	_, span := observability.StartSpan(ctx, "lobby.Observe", trace.WithAttributes(attribute.String("arena.room", roomID)))
	defer func() { observability.EndSpan(span, err) }()

	r, err := l.Room(roomID)
	if err != nil {
		return err
	}
	return r.AddObserver(sess)
}

// Pause freezes roomID.
func (l *Lobby) Pause(roomID string) error {
	r, err := l.Room(roomID)
	if err != nil {
		return err
	}
	return r.Pause()
}

// Resume unfreezes roomID.
func (l *Lobby) Resume(roomID string) error {
	r, err := l.Room(roomID)
	if err != nil {
		return err
	}
	return r.Resume()
}

// Terminate force-ends roomID and returns its result.
func (l *Lobby) Terminate(roomID, reason string) (rules.Result, error) {
	r, err := l.Room(roomID)
	if err != nil {
		return rules.Result{}, err
	}
	if err := r.Terminate(reason); err != nil {
		return rules.Result{}, err
	}
	res, _ := r.Result()
	return res, nil
}

// Disconnect removes sess from its seat and from every room it observes.
func (l *Lobby) Disconnect(sess *session.Session) {
	if roomID, _ := sess.Binding(); roomID != "" {
		if r, err := l.Room(roomID); err == nil {
			r.Leave(sess)
		}
	}
	for _, roomID := range sess.Observing() {
		if r, err := l.Room(roomID); err == nil {
			r.RemoveObserver(sess)
		}
		sess.StopObserving(roomID)
	}
}

// onRoomOver retires r: it leaves the index, is remembered as closed, its
// unredeemed tokens are revoked and its participants are released.
func (l *Lobby) onRoomOver(r *room.Room, res rules.Result) {
	l.mu.Lock()
	delete(l.rooms, r.ID())
	if l.waiting[r.PluginID()] == r.ID() {
		delete(l.waiting, r.PluginID())
	}
	l.closed.Add(r.ID(), res)
	listeners := append([]func(rules.Result){}, l.listeners...)
	l.mu.Unlock()

	if n := l.reservations.Revoke(r.ID()); n > 0 {
		l.logger.Debug("revoked unredeemed reservations", zap.String("room", r.ID()), zap.Int("count", n))
	}
	seated, observers := r.Participants()
	for _, sess := range seated {
		sess.Unbind(r.ID())
	}
	for _, sess := range observers {
		sess.StopObserving(r.ID())
	}
	l.logger.Info("room retired", zap.String("room", r.ID()), zap.Stringer("result", res))
	for _, fn := range listeners {
		fn(res)
	}
}

// Rooms lists live rooms, oldest first.
func (l *Lobby) Rooms() []room.Info {
	l.mu.RLock()
	rooms := make([]*room.Room, 0, len(l.rooms))
	for _, r := range l.rooms {
		rooms = append(rooms, r)
	}
	l.mu.RUnlock()

	infos := make([]room.Info, 0, len(rooms))
	for _, r := range rooms {
		infos = append(infos, r.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Created.Equal(infos[j].Created) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Created.Before(infos[j].Created)
	})
	return infos
}
