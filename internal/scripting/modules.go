package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules registers the arena.* helper table into L.
//
//	arena.other(seat)  -> the opposing seat
//	arena.copy(table)  -> a deep copy of table
//	arena.log.debug/info/warn(msg)
//
// Postcondition: arena global is defined in L.
func RegisterModules(L *lua.LState, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	arena := L.NewTable()
	L.SetField(arena, "other", L.NewFunction(luaOther))
	L.SetField(arena, "copy", L.NewFunction(luaCopy))
	L.SetField(arena, "seats", lua.LNumber(2))
	L.SetField(arena, "log", newLogModule(L, logger))
	L.SetGlobal("arena", arena)
}

func newLogModule(L *lua.LState, logger *zap.Logger) *lua.LTable {
	mod := L.NewTable()
	L.SetField(mod, "debug", L.NewFunction(func(L *lua.LState) int {
		logger.Debug(L.CheckString(1), zap.String("source", "lua"))
		return 0
	}))
	L.SetField(mod, "info", L.NewFunction(func(L *lua.LState) int {
		logger.Info(L.CheckString(1), zap.String("source", "lua"))
		return 0
	}))
	L.SetField(mod, "warn", L.NewFunction(func(L *lua.LState) int {
		logger.Warn(L.CheckString(1), zap.String("source", "lua"))
		return 0
	}))
	return mod
}

func luaOther(L *lua.LState) int {
	seat := L.CheckInt(1)
	if seat != 0 && seat != 1 {
		L.ArgError(1, "seat must be 0 or 1")
		return 0
	}
	L.Push(lua.LNumber(1 - seat))
	return 1
}

func luaCopy(L *lua.LState) int {
	L.Push(deepCopy(L, L.CheckTable(1)))
	return 1
}

// deepCopy copies nested tables; other values are shared.
func deepCopy(L *lua.LState, t *lua.LTable) *lua.LTable {
	out := L.NewTable()
	t.ForEach(func(k, v lua.LValue) {
		if sub, ok := v.(*lua.LTable); ok {
			v = deepCopy(L, sub)
		}
		out.RawSet(k, v)
	})
	return out
}
