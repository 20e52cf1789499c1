// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"fmt"
	"strings"
)

// DebugLibraryName is the conventional identifier for the [debug library].
//
// [debug library]: https://www.lua.org/manual/5.4/manual.html#6.10
const DebugLibraryName = "debug"

// NewOpenDebug returns a [Function] that loads the standard debug library.
// The resulting function is intended to be used as an argument to [Require].
func NewOpenDebug() Function {
	return func(l *State) (int, error) {
		return 1, NewLib(l, map[string]Function{
			"getinfo":      debugGetInfo,
			"traceback":    debugTraceback,
			"sethook":      debugSetHook,
			"gethook":      debugGetHook,
			"getlocal":     debugGetLocal,
			"setlocal":     debugSetLocal,
			"getupvalue":   debugGetUpvalue,
			"setupvalue":   debugSetUpvalue,
			"getmetatable": debugGetMetatable,
			"setmetatable": debugSetMetatable,
		})
	}
}

// threadArg returns the thread named by arg, or l itself and arg unchanged
// if the argument at arg is not a thread.
func threadArg(l *State, arg int) (*State, int) {
	if l.Type(arg) == TypeThread {
		v, _, _ := l.valueByIndex(arg)
		return v.(*State), arg + 1
	}
	return l, arg
}

func debugGetInfo(l *State) (int, error) {
	thread, arg := threadArg(l, 1)
	what, err := OptString(l, arg+1, "nSluf")
	if err != nil {
		return 0, err
	}

	var d *Debug
	var fn value
	if l.Type(arg) == TypeNumber {
		level, err := CheckInteger(l, arg)
		if err != nil {
			return 0, err
		}
		d = thread.Info(int(level))
		if d == nil {
			l.PushNil()
			return 1, nil
		}
		idx := len(thread.callStack) - 1 - int(level)
		fn = thread.stack[thread.callStack[idx].functionIndex]
	} else {
		f, err := argFunction(l, arg)
		if err != nil {
			return 0, err
		}
		fn = f
		d = debugInfoFromFunction(f)
	}

	l.CreateTable(0, 12)
	if strings.ContainsRune(what, 'S') {
		l.PushString(d.Source)
		l.RawSetField(-2, "source")
		l.PushString(d.ShortSource)
		l.RawSetField(-2, "short_src")
		l.PushInteger(int64(d.LineDefined))
		l.RawSetField(-2, "linedefined")
		l.PushInteger(int64(d.LastLineDefined))
		l.RawSetField(-2, "lastlinedefined")
		l.PushString(d.What)
		l.RawSetField(-2, "what")
	}
	if strings.ContainsRune(what, 'l') {
		l.PushInteger(int64(d.CurrentLine))
		l.RawSetField(-2, "currentline")
	}
	if strings.ContainsRune(what, 'u') {
		l.PushInteger(int64(d.NumUpvalues))
		l.RawSetField(-2, "nups")
		l.PushInteger(int64(d.NumParams))
		l.RawSetField(-2, "nparams")
		l.PushBoolean(d.IsVararg)
		l.RawSetField(-2, "isvararg")
	}
	if strings.ContainsRune(what, 'n') {
		l.PushString(d.Name)
		l.RawSetField(-2, "name")
		l.PushString(d.NameWhat)
		l.RawSetField(-2, "namewhat")
	}
	if strings.ContainsRune(what, 't') {
		l.PushBoolean(d.IsTailCall)
		l.RawSetField(-2, "istailcall")
	}
	if strings.ContainsRune(what, 'f') {
		l.push(fn)
		l.RawSetField(-2, "func")
	}
	return 1, nil
}

// debugInfoFromFunction builds the static part of [Debug] for a function
// value that is not (necessarily) on any call stack.
func debugInfoFromFunction(f function) *Debug {
	d := &Debug{
		CurrentLine:     -1,
		LineDefined:     -1,
		LastLineDefined: -1,
	}
	switch f := f.(type) {
	case luaFunction:
		d.What = "Lua"
		if f.proto.IsMainChunk() {
			d.What = "main"
		}
		d.Source = string(f.proto.Source)
		d.ShortSource = f.proto.Source.String()
		d.LineDefined = f.proto.LineDefined
		d.LastLineDefined = f.proto.LastLineDefined
		d.NumUpvalues = uint8(len(f.upvalues))
		d.NumParams = f.proto.NumParams
		d.IsVararg = f.proto.IsVararg
	case goFunction:
		d.What = "Go"
		d.ShortSource = "[Go]"
		d.NumUpvalues = uint8(len(f.upvalues))
		d.IsVararg = true
	default:
		d.What = "?"
		d.ShortSource = "[?]"
	}
	return d
}

func debugTraceback(l *State) (int, error) {
	thread, arg := threadArg(l, 1)
	msg, err := OptString(l, arg, "")
	if err != nil {
		return 0, err
	}
	var sb strings.Builder
	if msg != "" {
		sb.WriteString(msg)
		sb.WriteString("\n")
	}
	sb.WriteString("stack traceback:")
	for level := 0; ; level++ {
		d := thread.Info(level)
		if d == nil {
			break
		}
		fmt.Fprintf(&sb, "\n\t%s:%d: in %s", d.ShortSource, d.CurrentLine, functionDescription(d))
	}
	l.PushString(sb.String())
	return 1, nil
}

func functionDescription(d *Debug) string {
	switch {
	case d.What == "main":
		return "main chunk"
	case d.What == "Go":
		if d.Name != "" {
			return fmt.Sprintf("function '%s'", d.Name)
		}
		return "?"
	case d.Name != "":
		return fmt.Sprintf("%s '%s'", orDefault(d.NameWhat, "function"), d.Name)
	default:
		return fmt.Sprintf("function <%s:%d>", d.ShortSource, d.LineDefined)
	}
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

func debugSetHook(l *State) (int, error) {
	thread, arg := threadArg(l, 1)
	if l.IsNoneOrNil(arg) {
		thread.SetHook(nil, 0, 0)
		return 0, nil
	}
	f, err := argFunction(l, arg)
	if err != nil {
		return 0, err
	}
	maskStr, err := CheckString(l, arg+1)
	if err != nil {
		return 0, err
	}
	count, err := OptInteger(l, arg+2, 0)
	if err != nil {
		return 0, err
	}
	var mask HookMask
	if strings.ContainsRune(maskStr, 'c') {
		mask |= HookCall
	}
	if strings.ContainsRune(maskStr, 'r') {
		mask |= HookReturn
	}
	if strings.ContainsRune(maskStr, 'l') {
		mask |= HookLine
	}
	if count > 0 {
		mask |= HookCount
	}
	thread.SetHook(f, mask, int(count))
	return 0, nil
}

func debugGetHook(l *State) (int, error) {
	thread, _ := threadArg(l, 1)
	f, mask, count := thread.Hook()
	if f == nil {
		l.PushNil()
	} else {
		l.push(f)
	}
	var maskStr strings.Builder
	if mask&HookCall != 0 {
		maskStr.WriteByte('c')
	}
	if mask&HookReturn != 0 {
		maskStr.WriteByte('r')
	}
	if mask&HookLine != 0 {
		maskStr.WriteByte('l')
	}
	l.PushString(maskStr.String())
	l.PushInteger(int64(count))
	return 3, nil
}

// levelFrame returns the call frame at the given debug level on thread,
// or nil if level is out of range.
func levelFrame(thread *State, level int) *callFrame {
	idx := len(thread.callStack) - 1 - level
	if idx < 0 || idx >= len(thread.callStack) {
		return nil
	}
	return &thread.callStack[idx]
}

func debugGetLocal(l *State) (int, error) {
	thread, arg := threadArg(l, 1)
	level, err := CheckInteger(l, arg)
	if err != nil {
		return 0, err
	}
	n, err := CheckInteger(l, arg+1)
	if err != nil {
		return 0, err
	}
	frame := levelFrame(thread, int(level))
	if frame == nil {
		return 0, NewArgError(l, arg, "level out of range")
	}
	pos := frame.registerStart() + int(n) - 1
	if n < 1 || pos < 0 || pos >= len(thread.stack) {
		l.PushNil()
		return 1, nil
	}
	name := thread.localVariableName(frame, pos)
	if name == "" {
		l.PushNil()
		return 1, nil
	}
	l.PushString(name)
	l.push(thread.stack[pos])
	return 2, nil
}

func debugSetLocal(l *State) (int, error) {
	thread, arg := threadArg(l, 1)
	level, err := CheckInteger(l, arg)
	if err != nil {
		return 0, err
	}
	n, err := CheckInteger(l, arg+1)
	if err != nil {
		return 0, err
	}
	if l.IsNone(arg + 2) {
		return 0, NewArgError(l, arg+2, "value expected")
	}
	newVal, _, err := l.valueByIndex(arg + 2)
	if err != nil {
		return 0, err
	}
	frame := levelFrame(thread, int(level))
	if frame == nil {
		return 0, NewArgError(l, arg, "level out of range")
	}
	pos := frame.registerStart() + int(n) - 1
	if n < 1 || pos < 0 || pos >= len(thread.stack) {
		l.PushNil()
		return 1, nil
	}
	name := thread.localVariableName(frame, pos)
	if name == "" {
		l.PushNil()
		return 1, nil
	}
	thread.stack[pos] = newVal
	l.PushString(name)
	return 1, nil
}

func debugGetUpvalue(l *State) (int, error) {
	f, err := argFunction(l, 1)
	if err != nil {
		return 0, err
	}
	n, err := CheckInteger(l, 2)
	if err != nil {
		return 0, err
	}
	upvalues := f.upvaluesSlice()
	if n < 1 || int(n) > len(upvalues) {
		l.PushNil()
		return 1, nil
	}
	l.PushString(upvalueName(f, int(n)))
	l.push(*l.resolveUpvalue(upvalues[n-1]))
	return 2, nil
}

func debugSetUpvalue(l *State) (int, error) {
	f, err := argFunction(l, 1)
	if err != nil {
		return 0, err
	}
	n, err := CheckInteger(l, 2)
	if err != nil {
		return 0, err
	}
	if l.IsNone(3) {
		return 0, NewArgError(l, 3, "value expected")
	}
	newVal, _, err := l.valueByIndex(3)
	if err != nil {
		return 0, err
	}
	upvalues := f.upvaluesSlice()
	if n < 1 || int(n) > len(upvalues) {
		l.PushNil()
		return 1, nil
	}
	*l.resolveUpvalue(upvalues[n-1]) = newVal
	l.PushString(upvalueName(f, int(n)))
	return 1, nil
}

func debugGetMetatable(l *State) (int, error) {
	if !l.Metatable(1) {
		l.PushNil()
	}
	return 1, nil
}

func debugSetMetatable(l *State) (int, error) {
	if l.IsNoneOrNil(2) {
		l.PushNil()
	} else {
		if l.Type(2) != TypeTable {
			return 0, NewArgError(l, 2, "nil or table expected")
		}
		l.PushValue(2)
	}
	if err := l.SetMetatable(1); err != nil {
		return 0, err
	}
	l.PushValue(1)
	return 1, nil
}
