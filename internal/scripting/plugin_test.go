package scripting_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/arena/internal/game/rules"
	"github.com/cory-johannsen/arena/internal/scripting"
)

func take(n int) rules.Action {
	return rules.Action{Type: "take", Params: map[string]any{"n": float64(n)}}
}

func loadNim(t *testing.T) *scripting.Plugin {
	t.Helper()
	p, err := scripting.LoadPlugin(filepath.Join("testdata", "nim.yaml"), 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p
}

func newNim(t *testing.T) rules.Game {
	t.Helper()
	g, err := loadNim(t).NewGame()
	require.NoError(t, err)
	return g
}

func writePlugin(t *testing.T, manifest, script string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "game.lua"), []byte(script), 0o600))
	path := filepath.Join(dir, "game.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))
	return path
}

func TestLoadPlugin_Manifest(t *testing.T) {
	p := loadNim(t)
	assert.Equal(t, "nim", p.ID())
	assert.Contains(t, p.Description(), "last stone")
	policy, ok := p.Timeouts()
	require.True(t, ok)
	assert.Equal(t, rules.TimeoutPolicy{Turn: 20 * time.Second, Grace: 5 * time.Second}, policy)
}

func TestLoadPlugin_NoTimeoutsUsesServerDefault(t *testing.T) {
	p, err := scripting.LoadPlugin(filepath.Join("testdata", "spin.yaml"), 0, nil)
	require.NoError(t, err)
	_, ok := p.Timeouts()
	assert.False(t, ok)
}

func TestLoadPlugin_MissingHook(t *testing.T) {
	path := writePlugin(t, "id: broken\nscript: game.lua\n", `
		function new_game() return {} end
		function current_seat(s) return 0 end
		function check_terminal(s, i) return nil end
	`)
	_, err := scripting.LoadPlugin(path, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply")
}

func TestLoadPlugin_SyntaxError(t *testing.T) {
	path := writePlugin(t, "id: broken\nscript: game.lua\n", `function new_game( return {} end`)
	_, err := scripting.LoadPlugin(path, 0, nil)
	assert.Error(t, err)
}

func TestLoadPlugin_BadCurrentSeat(t *testing.T) {
	path := writePlugin(t, "id: broken\nscript: game.lua\n", `
		function new_game() return {} end
		function current_seat(s) return 7 end
		function apply(s, seat, a) end
		function check_terminal(s, i) return nil end
	`)
	_, err := scripting.LoadPlugin(path, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "current_seat")
}

func TestLoadPlugin_InvalidManifest(t *testing.T) {
	path := writePlugin(t, "description: no id\ninstruction_limit: -1\n", "")
	_, err := scripting.LoadPlugin(path, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id must not be empty")
	assert.Contains(t, err.Error(), "script must not be empty")
	assert.Contains(t, err.Error(), "instruction_limit")
}

func TestLoadDir_SortedByFileName(t *testing.T) {
	plugins, err := scripting.LoadDir("testdata", 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, plugins, 2)
	assert.Equal(t, "nim", plugins[0].ID())
	assert.Equal(t, "spin", plugins[1].ID())
}

func TestLoadDir_SamplePlugins(t *testing.T) {
	plugins, err := scripting.LoadDir(filepath.Join("..", "..", "plugins"), 1000000, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotEmpty(t, plugins)
	for _, p := range plugins {
		g, err := p.NewGame()
		require.NoError(t, err, p.ID())
		assert.True(t, g.CurrentSeat().Valid(), p.ID())
	}
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := scripting.LoadDir(filepath.Join(t.TempDir(), "nope"), 0, nil)
	assert.Error(t, err)
}

func TestGame_InitialState(t *testing.T) {
	g := newNim(t)
	assert.Equal(t, rules.Seat0, g.CurrentSeat())
	assert.Equal(t, map[string]any{"pile": 15.0}, g.Snapshot())
	assert.Nil(t, g.CheckTerminal(nil))
}

func TestGame_ApplyPassesTurn(t *testing.T) {
	g := newNim(t)
	require.NoError(t, g.Apply(rules.Seat0, take(3)))
	assert.Equal(t, rules.Seat1, g.CurrentSeat())
	assert.Equal(t, map[string]any{"pile": 12.0}, g.Snapshot())
	assert.Equal(t, 3, g.ScoreFor(rules.Seat0))
	assert.Equal(t, 0, g.ScoreFor(rules.Seat1))
}

func TestGame_RuleViolationKeepsState(t *testing.T) {
	g := newNim(t)
	err := g.Apply(rules.Seat0, take(4))
	var invalid *rules.InvalidActionError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "take must be 1, 2 or 3 stones", invalid.Reason)
	assert.Equal(t, rules.Seat0, g.CurrentSeat())
	assert.Equal(t, map[string]any{"pile": 15.0}, g.Snapshot())
	assert.Equal(t, 0, g.ScoreFor(rules.Seat0))

	err = g.Apply(rules.Seat0, rules.Action{Type: "dance"})
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "unknown action dance", invalid.Reason)
}

func TestGame_PlayToRegularWin(t *testing.T) {
	g := newNim(t)
	seat := rules.Seat0
	for i := 0; i < 5; i++ {
		require.NoError(t, g.Apply(seat, take(3)))
		seat = seat.Other()
	}
	out := g.CheckTerminal(nil)
	require.NotNil(t, out)
	assert.Equal(t, rules.Seat0, out.Winner)
	assert.Equal(t, "took the last stone", out.Reason)
	assert.Equal(t, 9, g.ScoreFor(rules.Seat0))
	assert.Equal(t, 6, g.ScoreFor(rules.Seat1))
}

func TestGame_InterruptionFirstRefusal(t *testing.T) {
	g := newNim(t)
	assert.Nil(t, g.CheckTerminal(&rules.Interruption{Seat: rules.Seat0, Cause: rules.CauseTimeout}))

	seat := rules.Seat0
	for i := 0; i < 4; i++ {
		require.NoError(t, g.Apply(seat, take(3)))
		seat = seat.Other()
	}
	out := g.CheckTerminal(&rules.Interruption{Seat: rules.Seat0, Cause: rules.CauseTimeout})
	require.NotNil(t, out)
	assert.Equal(t, rules.Seat1, out.Winner)
	assert.Nil(t, g.CheckTerminal(&rules.Interruption{Seat: rules.Seat0, Cause: rules.CauseLeft}))
}

func TestGame_InstructionLimitIsNotViolation(t *testing.T) {
	p, err := scripting.LoadPlugin(filepath.Join("testdata", "spin.yaml"), 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	g, err := p.NewGame()
	require.NoError(t, err)

	err = g.Apply(rules.Seat0, rules.Action{Type: "spin"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, scripting.ErrInstructionLimit))
	var invalid *rules.InvalidActionError
	assert.False(t, errors.As(err, &invalid))
	assert.Equal(t, rules.Seat0, g.CurrentSeat())

	require.NoError(t, g.Apply(rules.Seat0, rules.Action{Type: "pass"}))
	assert.Equal(t, rules.Seat1, g.CurrentSeat())
}

func TestGame_IndependentInstances(t *testing.T) {
	p := loadNim(t)
	a, err := p.NewGame()
	require.NoError(t, err)
	b, err := p.NewGame()
	require.NoError(t, err)
	require.NoError(t, a.Apply(rules.Seat0, take(2)))
	assert.Equal(t, map[string]any{"pile": 13.0}, a.Snapshot())
	assert.Equal(t, map[string]any{"pile": 15.0}, b.Snapshot())
}

func TestGame_CloseKeepsCachedView(t *testing.T) {
	g := newNim(t)
	require.NoError(t, g.Apply(rules.Seat0, take(1)))
	closer, ok := g.(interface{ Close() error })
	require.True(t, ok)
	require.NoError(t, closer.Close())
	require.NoError(t, closer.Close())
	assert.Equal(t, rules.Seat1, g.CurrentSeat())
	assert.Equal(t, map[string]any{"pile": 14.0}, g.Snapshot())
	assert.Error(t, g.Apply(rules.Seat1, take(1)))
	assert.Nil(t, g.CheckTerminal(nil))
}

func TestGame_RegistersWithRules(t *testing.T) {
	reg := rules.NewRegistry()
	require.NoError(t, reg.Register(loadNim(t)))
	got, ok := reg.Get("nim")
	require.True(t, ok)
	assert.Equal(t, "nim", got.ID())
}

func TestProperty_PileNeverNegativeAndScoresSum(t *testing.T) {
	p := loadNim(t)
	rapid.Check(t, func(t *rapid.T) {
		g, err := p.NewGame()
		if err != nil {
			t.Fatalf("NewGame: %v", err)
		}
		defer g.(interface{ Close() error }).Close()
		for g.CheckTerminal(nil) == nil {
			seat := g.CurrentSeat()
			n := rapid.IntRange(0, 4).Draw(t, "n")
			before := g.Snapshot()["pile"].(float64)
			err := g.Apply(seat, take(n))
			if n < 1 || n > 3 || float64(n) > before {
				var invalid *rules.InvalidActionError
				if !errors.As(err, &invalid) {
					t.Fatalf("take(%d) on %v: expected violation, got %v", n, before, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("take(%d) on %v: %v", n, before, err)
			}
		}
		if got := g.ScoreFor(rules.Seat0) + g.ScoreFor(rules.Seat1); got != 15 {
			t.Fatalf("scores sum to %d, want 15", got)
		}
	})
}
