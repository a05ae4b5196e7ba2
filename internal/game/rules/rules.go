// Package rules defines the contract between the hosting core and the
// swappable rule plugins that implement a concrete two-seat game.
//
// The core never inspects game state beyond this contract: it asks whose
// turn it is, hands opaque actions to Apply, and asks CheckTerminal and
// ScoreFor when a game may have ended.
package rules

import (
	"fmt"
	"strings"
	"time"
)

// Seats is the fixed number of player seats per room.
const Seats = 2

// Seat indexes one of the two player slots of a room.
type Seat int

const (
	// NoSeat marks an unbound session or a drawn game.
	NoSeat Seat = -1
	Seat0  Seat = 0
	Seat1  Seat = 1
)

// Valid reports whether s names one of the two player slots.
func (s Seat) Valid() bool {
	return s == Seat0 || s == Seat1
}

// Other returns the opposing seat.
//
// Precondition: s must be valid.
func (s Seat) Other() Seat {
	return 1 - s
}

// String returns "seat0", "seat1" or "none".
func (s Seat) String() string {
	if !s.Valid() {
		return "none"
	}
	return fmt.Sprintf("seat%d", int(s))
}

// Action is one move submitted by a seat. Type selects the variant the
// plugin dispatches on; Params carries JSON-model values (string, float64,
// bool, nil, []any, map[string]any).
type Action struct {
	Type   string
	Params map[string]any
}

// InvalidActionError is returned by Game.Apply when an action breaks the rules.
type InvalidActionError struct {
	Reason string
}

// Error implements error.
func (e *InvalidActionError) Error() string {
	return "invalid action: " + e.Reason
}

// Invalid builds an InvalidActionError with a formatted reason.
func Invalid(format string, args ...any) *InvalidActionError {
	return &InvalidActionError{Reason: fmt.Sprintf(format, args...)}
}

// Cause explains how a seat's game ended.
type Cause int

const (
	CauseRegular Cause = iota
	CauseLeft
	CauseRuleViolation
	CauseTimeout
	CauseTerminated
)

var causeNames = [...]string{"regular", "left", "rule_violation", "timeout", "terminated"}

// String returns the wire name of c.
func (c Cause) String() string {
	if c < 0 || int(c) >= len(causeNames) {
		return "unknown"
	}
	return causeNames[c]
}

// ParseCause is the inverse of Cause.String.
func ParseCause(s string) (Cause, error) {
	for i, name := range causeNames {
		if name == s {
			return Cause(i), nil
		}
	}
	return 0, fmt.Errorf("unknown cause %q", s)
}

// Verdict is the per-seat outcome of a finished game.
type Verdict int

const (
	VerdictWin Verdict = iota
	VerdictLoss
	VerdictDraw
)

var verdictNames = [...]string{"win", "loss", "draw"}

// String returns the wire name of v.
func (v Verdict) String() string {
	if v < 0 || int(v) >= len(verdictNames) {
		return "unknown"
	}
	return verdictNames[v]
}

// ParseVerdict is the inverse of Verdict.String.
func ParseVerdict(s string) (Verdict, error) {
	for i, name := range verdictNames {
		if name == s {
			return Verdict(i), nil
		}
	}
	return 0, fmt.Errorf("unknown verdict %q", s)
}

// Interruption tells CheckTerminal that the engine is about to end the game
// because Seat left or ran out of time. The plugin may answer with its own
// Outcome; a nil answer lets the engine apply its default forfeit.
type Interruption struct {
	Seat  Seat
	Cause Cause
}

// Outcome is a plugin's verdict on a finished game.
type Outcome struct {
	// Winner is the winning seat, or NoSeat for a draw.
	Winner Seat
	Reason string
}

// Score is the final record for one seat.
type Score struct {
	Name    string
	Cause   Cause
	Verdict Verdict
	Points  int
	Reason  string
}

// Result is the immutable final record of a room.
type Result struct {
	RoomID   string
	PluginID string
	Winner   Seat
	Scores   [Seats]Score
}

// Regular reports whether both seats finished by regular play.
func (r Result) Regular() bool {
	for _, s := range r.Scores {
		if s.Cause != CauseRegular {
			return false
		}
	}
	return true
}

// String summarises the result for logs.
func (r Result) String() string {
	parts := make([]string, 0, Seats)
	for i, s := range r.Scores {
		parts = append(parts, fmt.Sprintf("%s(%s)=%s/%s/%d", Seat(i), s.Name, s.Verdict, s.Cause, s.Points))
	}
	return strings.Join(parts, " ")
}

// TimeoutPolicy controls turn supervision. Turn is the time a seat has to
// act; Grace, when positive, adds one soft-timeout warning before the hard
// forfeit. A zero Turn disables supervision.
type TimeoutPolicy struct {
	Turn  time.Duration
	Grace time.Duration
}

// Enabled reports whether turns are supervised at all.
func (p TimeoutPolicy) Enabled() bool {
	return p.Turn > 0
}

// Plugin is a rule implementation the core can instantiate games from.
type Plugin interface {
	// ID is the identifier clients use to join or create rooms.
	ID() string
	// NewGame returns a fresh game state machine.
	NewGame() (Game, error)
	// Timeouts returns the plugin's own policy; ok=false selects the server default.
	Timeouts() (policy TimeoutPolicy, ok bool)
}

// Game is one running instance of a plugin's rules. Implementations need
// not be safe for concurrent use; the owning room serialises every call.
type Game interface {
	// CurrentSeat reports the seat expected to act next.
	CurrentSeat() Seat
	// Apply performs action for seat, returning *InvalidActionError on a
	// rule violation. On error the state must be left unchanged.
	Apply(seat Seat, action Action) error
	// CheckTerminal reports a final outcome, or nil while play continues.
	// in is nil for the check after a regular action.
	CheckTerminal(in *Interruption) *Outcome
	// ScoreFor reports the points awarded to seat.
	ScoreFor(seat Seat) int
	// Snapshot returns a JSON-model view of the state for broadcasting.
	Snapshot() map[string]any
}
