//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule installs the `system` global table: clock helpers and
// leveled logging.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"datetime":     systemDatetime,
		"time_between": systemTimeBetween,
		"log": func(L *lua.LState) int {
			scriptLog(vm, e, L.CheckString(1), L.CheckString(2))
			return 0
		},
	})
	L.SetGlobal("system", mod)
}

var clock = time.Now

// system.datetime(component)
func systemDatetime(L *lua.LState) int {
	t := clock()
	component := L.CheckString(1)
	switch component {
	case "time_str":
		L.Push(lua.LString(t.Format("15:04:05")))
		return 1
	case "date_str":
		L.Push(lua.LString(t.Format("2006-01-02")))
		return 1
	}

	numeric := map[string]int64{
		"hour":      int64(t.Hour()),
		"minute":    int64(t.Minute()),
		"second":    int64(t.Second()),
		"weekday":   int64(t.Weekday()),
		"day":       int64(t.Day()),
		"month":     int64(t.Month()),
		"year":      int64(t.Year()),
		"timestamp": t.Unix(),
	}
	v, ok := numeric[component]
	if !ok {
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(lua.LNumber(v))
	return 1
}

// system.time_between(from_hour, to_hour) is true when the current hour is
// in [from, to). A range with from > to wraps past midnight.
func systemTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(clock().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}
