package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/game/rules"
)

// Hook names a plugin script may define. The first four are required.
const (
	HookNewGame       = "new_game"
	HookApply         = "apply"
	HookCurrentSeat   = "current_seat"
	HookCheckTerminal = "check_terminal"
	HookScoreFor      = "score_for"
	HookSnapshot      = "snapshot"
)

var requiredHooks = []string{HookNewGame, HookApply, HookCurrentSeat, HookCheckTerminal}

// Plugin is a rules.Plugin backed by a compiled Lua script.
type Plugin struct {
	manifest *Manifest
	proto    *lua.FunctionProto
	limit    int
	logger   *zap.Logger
}

// LoadPlugin loads the manifest at path and compiles its script.
// defaultLimit applies when the manifest sets no instruction_limit; zero
// leaves calls unbounded.
//
// Postcondition: the returned plugin can create a game, so a script that
// fails to define a required hook is rejected here.
func LoadPlugin(path string, defaultLimit int, logger *zap.Logger) (*Plugin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	proto, err := compile(m.Script)
	if err != nil {
		return nil, err
	}
	limit := m.InstructionLimit
	if limit == 0 {
		limit = defaultLimit
	}
	p := &Plugin{manifest: m, proto: proto, limit: limit, logger: logger.With(zap.String("plugin", m.ID))}

	g, err := p.newGame()
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", m.ID, err)
	}
	g.Close()
	return p, nil
}

// LoadDir loads every *.yaml and *.yml manifest in dir in name order.
func LoadDir(dir string, defaultLimit int, logger *zap.Logger) ([]*Plugin, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading plugin dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	plugins := make([]*Plugin, 0, len(names))
	for _, name := range names {
		p, err := LoadPlugin(filepath.Join(dir, name), defaultLimit, logger)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}

func compile(path string) (*lua.FunctionProto, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening script: %w", err)
	}
	defer f.Close()
	chunk, err := parse.Parse(f, path)
	if err != nil {
		return nil, fmt.Errorf("parsing script %s: %w", path, err)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, fmt.Errorf("compiling script %s: %w", path, err)
	}
	return proto, nil
}

// ID implements rules.Plugin.
func (p *Plugin) ID() string { return p.manifest.ID }

// Description returns the manifest's description.
func (p *Plugin) Description() string { return p.manifest.Description }

// Timeouts implements rules.Plugin.
func (p *Plugin) Timeouts() (rules.TimeoutPolicy, bool) { return p.manifest.Policy() }

// NewGame implements rules.Plugin. Every game runs in its own VM.
func (p *Plugin) NewGame() (rules.Game, error) {
	return p.newGame()
}

func (p *Plugin) newGame() (*Game, error) {
	L := NewSandboxedState(p.logger)
	g := &Game{L: L, limit: p.limit, logger: p.logger}

	if _, err := callLimited(L, p.limit, L.NewFunctionFromProto(p.proto)); err != nil {
		L.Close()
		return nil, fmt.Errorf("running script: %w", err)
	}
	for _, name := range requiredHooks {
		if _, ok := L.GetGlobal(name).(*lua.LFunction); !ok {
			L.Close()
			return nil, fmt.Errorf("script does not define %s()", name)
		}
	}

	state, err := callLimited(L, p.limit, L.GetGlobal(HookNewGame))
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("%s: %w", HookNewGame, err)
	}
	if err := g.commit(state); err != nil {
		L.Close()
		return nil, fmt.Errorf("%s: %w", HookNewGame, err)
	}
	return g, nil
}

// Game is one Lua-backed game. CurrentSeat and Snapshot are cached after
// every committed state so they never re-enter the VM.
type Game struct {
	L        *lua.LState
	limit    int
	logger   *zap.Logger
	state    lua.LValue
	seat     rules.Seat
	snapshot map[string]any
	closed   bool
}

// commit evaluates current_seat and snapshot against state and, when both
// succeed, makes state the game's state.
func (g *Game) commit(state lua.LValue) error {
	if _, ok := state.(*lua.LTable); !ok {
		return fmt.Errorf("state must be a table, got %s", state.Type())
	}
	seatVal, err := callLimited(g.L, g.limit, g.L.GetGlobal(HookCurrentSeat), state)
	if err != nil {
		return fmt.Errorf("%s: %w", HookCurrentSeat, err)
	}
	n, ok := seatVal.(lua.LNumber)
	if !ok || !rules.Seat(int(n)).Valid() || float64(n) != float64(int(n)) {
		return fmt.Errorf("%s returned %s, want 0 or 1", HookCurrentSeat, seatVal.String())
	}

	var snap map[string]any
	if fn, ok := g.L.GetGlobal(HookSnapshot).(*lua.LFunction); ok {
		v, err := callLimited(g.L, g.limit, fn, state)
		if err != nil {
			return fmt.Errorf("%s: %w", HookSnapshot, err)
		}
		snap, err = snapshotFromLua(v)
		if err != nil {
			return fmt.Errorf("%s: %w", HookSnapshot, err)
		}
	} else {
		snap, err = snapshotFromLua(state)
		if err != nil {
			return fmt.Errorf("state: %w", err)
		}
	}

	g.state = state
	g.seat = rules.Seat(int(n))
	g.snapshot = snap
	return nil
}

// CurrentSeat implements rules.Game.
func (g *Game) CurrentSeat() rules.Seat { return g.seat }

// Apply implements rules.Game. The hook receives a deep copy of the state,
// the seat and {type=..., params=...}. It may mutate the copy or return a
// new state table. Raising a Lua error rejects the action as a rule
// violation with the error's message as the reason.
//
// Postcondition: on any error the previous state is kept.
func (g *Game) Apply(seat rules.Seat, action rules.Action) error {
	if g.closed {
		return errors.New("game is closed")
	}
	work := deepCopy(g.L, g.state.(*lua.LTable))
	act := g.L.NewTable()
	act.RawSetString("type", lua.LString(action.Type))
	act.RawSetString("params", toLua(g.L, action.Params))

	ret, err := callLimited(g.L, g.limit, g.L.GetGlobal(HookApply), work, lua.LNumber(seat), act)
	if err != nil {
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && apiErr.Type == lua.ApiErrorRun {
			return rules.Invalid("%s", luaErrorMessage(apiErr))
		}
		return fmt.Errorf("%s: %w", HookApply, err)
	}
	next := lua.LValue(work)
	if _, ok := ret.(*lua.LTable); ok {
		next = ret
	}
	return g.commit(next)
}

// CheckTerminal implements rules.Game. The hook receives the state and,
// for interruptions, {seat=..., cause=...}; it returns nil while play
// continues or {winner=seat|nil, reason=...}. A nil or negative winner
// is a draw.
func (g *Game) CheckTerminal(in *rules.Interruption) *rules.Outcome {
	if g.closed {
		return nil
	}
	arg := lua.LValue(lua.LNil)
	if in != nil {
		t := g.L.NewTable()
		t.RawSetString("seat", lua.LNumber(in.Seat))
		t.RawSetString("cause", lua.LString(in.Cause.String()))
		arg = t
	}
	ret, err := callLimited(g.L, g.limit, g.L.GetGlobal(HookCheckTerminal), g.state, arg)
	if err != nil {
		g.logger.Warn("check_terminal failed", zap.Error(err))
		return nil
	}
	t, ok := ret.(*lua.LTable)
	if !ok {
		return nil
	}
	out := &rules.Outcome{Winner: rules.NoSeat}
	if n, ok := t.RawGetString("winner").(lua.LNumber); ok && rules.Seat(int(n)).Valid() {
		out.Winner = rules.Seat(int(n))
	}
	if r, ok := t.RawGetString("reason").(lua.LString); ok {
		out.Reason = string(r)
	}
	return out
}

// ScoreFor implements rules.Game. Without a score_for hook every seat
// scores 0.
func (g *Game) ScoreFor(seat rules.Seat) int {
	if g.closed {
		return 0
	}
	fn, ok := g.L.GetGlobal(HookScoreFor).(*lua.LFunction)
	if !ok {
		return 0
	}
	ret, err := callLimited(g.L, g.limit, fn, g.state, lua.LNumber(seat))
	if err != nil {
		g.logger.Warn("score_for failed", zap.Error(err), zap.Stringer("seat", seat))
		return 0
	}
	n, ok := ret.(lua.LNumber)
	if !ok {
		return 0
	}
	return int(n)
}

// Snapshot implements rules.Game.
func (g *Game) Snapshot() map[string]any { return g.snapshot }

// Close releases the VM. The cached seat and snapshot stay readable.
func (g *Game) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	g.L.Close()
	return nil
}

// luaErrorMessage extracts the message a script passed to error(). A
// string message loses the "chunk:line:" prefix Lua adds.
func luaErrorMessage(e *lua.ApiError) string {
	if s, ok := e.Object.(lua.LString); ok {
		msg := string(s)
		if i := strings.Index(msg, ": "); i >= 0 && strings.Contains(msg[:i], ":") {
			msg = msg[i+2:]
		}
		return msg
	}
	return e.Object.String()
}
