// Package testutil provides test helpers: a deterministic rule plugin, an
// in-memory transport and a framed TCP client.
package testutil

import (
	"math"

	"github.com/cory-johannsen/arena/internal/game/rules"
)

// CounterPlugin is a two-seat race to a target total.
//
// Actions:
//   - "add" with params {"n": 1..3} adds n and passes the turn.
//   - "again" keeps the turn without changing the total.
//
// The seat whose add reaches Target wins.
type CounterPlugin struct {
	PluginID string
	Target   int
	// Policy, when non-nil, overrides the server timeout policy.
	Policy *rules.TimeoutPolicy
	// OnInterrupt answers CheckTerminal for timeouts and departures.
	OnInterrupt func(rules.Interruption) *rules.Outcome
	// NewGameErr, when set, makes NewGame fail.
	NewGameErr error
}

// NewCounterPlugin returns a "counter" plugin with target 10.
func NewCounterPlugin() *CounterPlugin {
	return &CounterPlugin{PluginID: "counter", Target: 10}
}

// ID implements rules.Plugin.
func (p *CounterPlugin) ID() string { return p.PluginID }

// Timeouts implements rules.Plugin.
func (p *CounterPlugin) Timeouts() (rules.TimeoutPolicy, bool) {
	if p.Policy == nil {
		return rules.TimeoutPolicy{}, false
	}
	return *p.Policy, true
}

// NewGame implements rules.Plugin.
func (p *CounterPlugin) NewGame() (rules.Game, error) {
	if p.NewGameErr != nil {
		return nil, p.NewGameErr
	}
	target := p.Target
	if target <= 0 {
		target = 10
	}
	return &CounterGame{target: target, winner: rules.NoSeat, onInterrupt: p.OnInterrupt}, nil
}

// CounterGame is one counter race.
type CounterGame struct {
	target      int
	total       int
	seat        rules.Seat
	winner      rules.Seat
	added       [rules.Seats]int
	onInterrupt func(rules.Interruption) *rules.Outcome
}

// Total returns the running total.
func (g *CounterGame) Total() int { return g.total }

// CurrentSeat implements rules.Game.
func (g *CounterGame) CurrentSeat() rules.Seat { return g.seat }

// Apply implements rules.Game.
func (g *CounterGame) Apply(seat rules.Seat, action rules.Action) error {
	switch action.Type {
	case "add":
		n, ok := action.Params["n"].(float64)
		if !ok || n != math.Trunc(n) || n < 1 || n > 3 {
			return rules.Invalid("out of bounds")
		}
		g.total += int(n)
		g.added[seat] += int(n)
		if g.total >= g.target {
			g.winner = seat
			return nil
		}
		g.seat = seat.Other()
		return nil
	case "again":
		return nil
	default:
		return rules.Invalid("unknown action %q", action.Type)
	}
}

// CheckTerminal implements rules.Game.
func (g *CounterGame) CheckTerminal(in *rules.Interruption) *rules.Outcome {
	if in != nil {
		if g.onInterrupt != nil {
			return g.onInterrupt(*in)
		}
		return nil
	}
	if g.winner.Valid() {
		return &rules.Outcome{Winner: g.winner, Reason: "reached target"}
	}
	return nil
}

// ScoreFor implements rules.Game.
func (g *CounterGame) ScoreFor(seat rules.Seat) int {
	return g.added[seat]
}

// Snapshot implements rules.Game.
func (g *CounterGame) Snapshot() map[string]any {
	return map[string]any{
		"total":  float64(g.total),
		"target": float64(g.target),
	}
}

// Add builds an "add" action.
func Add(n int) rules.Action {
	return rules.Action{Type: "add", Params: map[string]any{"n": float64(n)}}
}
