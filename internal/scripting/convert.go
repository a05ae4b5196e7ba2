package scripting

import (
	"fmt"
	"math"

	lua "github.com/yuin/gopher-lua"
)

// maxDepth bounds table nesting when converting between Go and Lua.
const maxDepth = 32

// toLua converts a JSON-model value into a Lua value.
func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case float64:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case []any:
		t := L.CreateTable(len(x), 0)
		for _, e := range x {
			t.Append(toLua(L, e))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(x))
		for k, e := range x {
			t.RawSetString(k, toLua(L, e))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// fromLua converts a Lua value into a JSON-model value. A table whose keys
// are exactly 1..n becomes a []any; any other table becomes a
// map[string]any with stringified keys. Functions and userdata are dropped.
func fromLua(v lua.LValue) (any, error) {
	return fromLuaDepth(v, 0)
}

func fromLuaDepth(v lua.LValue, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("table nesting exceeds %d levels", maxDepth)
	}
	switch x := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(x), nil
	case lua.LString:
		return string(x), nil
	case lua.LNumber:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("number %v is not representable", f)
		}
		return f, nil
	case *lua.LTable:
		return tableFromLua(x, depth)
	default:
		return nil, nil
	}
}

func tableFromLua(t *lua.LTable, depth int) (any, error) {
	n := t.Len()
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			e, err := fromLuaDepth(t.RawGetInt(i), depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	}

	out := make(map[string]any, count)
	var firstErr error
	t.ForEach(func(k, e lua.LValue) {
		if firstErr != nil {
			return
		}
		val, err := fromLuaDepth(e, depth+1)
		if err != nil {
			firstErr = err
			return
		}
		out[k.String()] = val
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// snapshotFromLua converts v into the map form broadcast to clients.
func snapshotFromLua(v lua.LValue) (map[string]any, error) {
	raw, err := fromLua(v)
	if err != nil {
		return nil, err
	}
	switch x := raw.(type) {
	case map[string]any:
		return x, nil
	case nil:
		return map[string]any{}, nil
	default:
		return map[string]any{"state": x}, nil
	}
}
