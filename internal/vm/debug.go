// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"fmt"

	"luaforge.dev/lua/internal/code"
)

// HookMask is a bitmask of events that trigger a debug hook,
// set with [State.SetHook].
type HookMask int

// Hook event bits.
const (
	HookCall HookMask = 1 << iota
	HookReturn
	HookLine
	HookCount
	HookTailCall
)

// Debug holds information about a function or an activation record,
// as produced by [State.Info].
type Debug struct {
	// Name is a reasonable name for the function,
	// derived from how it was called.
	// If no name could be determined, Name is the empty string.
	Name string
	// NameWhat explains the Name field:
	// "global", "local", "method", "field", "upvalue", or the empty string.
	NameWhat string
	// What is "Lua" if the function is a Lua function,
	// "Go" if it is implemented in Go,
	// or "main" if it is the main chunk of a file.
	What string
	// Source is the source of the chunk that created the function.
	Source string
	// ShortSource is a printable version of Source for use in error messages.
	ShortSource string
	// CurrentLine is the line currently executing, or -1 if unavailable.
	CurrentLine int
	// LineDefined is the line where the function definition starts,
	// or -1 for Go functions.
	LineDefined int
	// LastLineDefined is the line where the function definition ends,
	// or -1 for Go functions.
	LastLineDefined int
	// NumUpvalues is the number of upvalues of the function.
	NumUpvalues uint8
	// NumParams is the number of fixed parameters of the function
	// (always 0 for Go functions).
	NumParams uint8
	// IsVararg is true if the function can accept a variable number of arguments.
	IsVararg bool
	// IsTailCall is true if this activation record was entered via a tail call,
	// meaning the caller's own activation record is no longer on the stack.
	IsTailCall bool
}

// Info returns debugging information about the activation record
// at the given stack level.
// Level 0 is the function currently running,
// level 1 is the function that called it, and so on.
// Info returns nil if level is deeper than the call stack.
func (l *State) Info(level int) *Debug {
	l.init()
	idx := len(l.callStack) - 1 - level
	if idx < 0 || idx >= len(l.callStack) {
		return nil
	}
	frame := &l.callStack[idx]
	d := &Debug{
		CurrentLine:     -1,
		LineDefined:     -1,
		LastLineDefined: -1,
		IsTailCall:      frame.isTailCall,
	}
	switch f := l.stack[frame.functionIndex].(type) {
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
		if frame.pc > 0 {
			d.CurrentLine = f.proto.LineInfo.At(frame.pc - 1)
		}
	case goFunction:
		d.What = "Go"
		d.Source = string(code.UnknownSource)
		d.ShortSource = "[Go]"
		d.NumUpvalues = uint8(len(f.upvalues))
		d.IsVararg = true
	default:
		d.What = "?"
		d.ShortSource = "[?]"
	}
	d.Name, d.NameWhat = l.funcNameFromCall(idx)
	return d
}

// funcNameFromCall inspects the activation record that called
// the function at callStack[idx] to guess a name for it,
// mirroring (a simplified version of) how the reference implementation's
// funcnamefromcode works.
func (l *State) funcNameFromCall(idx int) (name, what string) {
	if idx == 0 {
		return "", ""
	}
	caller := &l.callStack[idx-1]
	lf, ok := l.stack[caller.functionIndex].(luaFunction)
	if !ok || caller.pc == 0 {
		return "", ""
	}
	pc := caller.pc - 1
	if pc < 0 || pc >= len(lf.proto.Code) {
		return "", ""
	}
	switch i := lf.proto.Code[pc]; i.OpCode() {
	case code.OpCall, code.OpTailCall:
		return registerSourceName(lf.proto, pc, i.ArgA())
	default:
		return "", ""
	}
}

// registerSourceName walks backward from pc
// looking for the instruction that last assigned to register reg,
// returning a best-effort name for whatever was stored there.
func registerSourceName(proto *code.Prototype, pc int, reg uint8) (name, what string) {
	constantName := func(i code.Instruction, argIndex uint32) (string, bool) {
		if int64(argIndex) >= int64(len(proto.Constants)) {
			return "", false
		}
		k := proto.Constants[argIndex]
		if !k.IsString() {
			return "", false
		}
		s, _ := k.Unquoted()
		return s, true
	}

	for i := pc - 1; i >= 0; i-- {
		ins := proto.Code[i]
		switch ins.OpCode() {
		case code.OpJMP:
			continue
		}
		if ins.ArgA() != reg {
			continue
		}
		switch ins.OpCode() {
		case code.OpGetTabUp:
			if s, ok := constantName(ins, uint32(ins.ArgC())); ok {
				return s, "global"
			}
			return "", ""
		case code.OpGetField:
			if s, ok := constantName(ins, uint32(ins.ArgC())); ok {
				return s, "field"
			}
			return "", ""
		case code.OpSelf:
			if s, ok := constantName(ins, uint32(ins.ArgC())); ok {
				return s, "method"
			}
			return "", ""
		case code.OpGetUpval:
			if int(ins.ArgB()) < len(proto.Upvalues) {
				return proto.Upvalues[ins.ArgB()].Name, "upvalue"
			}
			return "", ""
		case code.OpMove:
			reg = ins.ArgB()
			continue
		case code.OpClosure, code.OpLoadK, code.OpLoadKX:
			return "", ""
		default:
			return "", ""
		}
	}
	return "", ""
}

// sourceLocation formats an error location for an instruction
// at the given program counter in proto, in "source:line" form.
func sourceLocation(proto *code.Prototype, pc int) string {
	line := 0
	if pc >= 0 {
		line = proto.LineInfo.At(pc)
	}
	return fmt.Sprintf("%s:%d", proto.Source.String(), line)
}

// functionLocation formats an error location for the definition
// of proto itself, in "source:lineDefined" form.
func functionLocation(proto *code.Prototype) string {
	return fmt.Sprintf("%s:%d", proto.Source.String(), proto.LineDefined)
}

// SetHook sets the debug hook function for l.
// f may be nil to disable hooks entirely.
// mask selects which events trigger the hook,
// and count sets the instruction interval for [HookCount].
func (l *State) SetHook(f value, mask HookMask, count int) {
	l.init()
	l.hookFunc = f
	l.hookMask = mask
	l.hookCount = count
	l.instCount = 0
}

// Hook returns the function and mask previously set by [State.SetHook].
func (l *State) Hook() (value, HookMask, int) {
	return l.hookFunc, l.hookMask, l.hookCount
}

func (l *State) canFireHook() bool {
	return l.hookFunc != nil && !l.inHook
}

func (l *State) runHook(event string, line int) {
	l.inHook = true
	defer func() { l.inHook = false }()
	savedTop := len(l.stack)
	_ = l.call(0, l.hookFunc, stringValue{s: event}, integerValue(line))
	l.setTop(savedTop)
}

func (l *State) fireCallHook() {
	if !l.canFireHook() {
		return
	}
	frame := l.frame()
	event := "call"
	if frame.isTailCall {
		if l.hookMask&HookTailCall == 0 {
			return
		}
		event = "tail call"
	} else if l.hookMask&HookCall == 0 {
		return
	}
	l.runHook(event, -1)
}

func (l *State) fireReturnHook() {
	if !l.canFireHook() || l.hookMask&HookReturn == 0 {
		return
	}
	l.runHook("return", -1)
}

// fireLineAndCountHooks is called once per decoded instruction,
// right after the program counter has been advanced.
func (l *State) fireLineAndCountHooks(proto *code.Prototype, frame *callFrame) {
	if !l.canFireHook() {
		return
	}
	if l.hookMask&HookCount != 0 && l.hookCount > 0 {
		l.instCount++
		if l.instCount >= l.hookCount {
			l.instCount = 0
			l.runHook("count", -1)
		}
	}
	if l.hookMask&HookLine != 0 {
		line := proto.LineInfo.At(frame.pc - 1)
		if line != frame.lastHookLine {
			frame.lastHookLine = line
			l.runHook("line", line)
		}
	}
}

func (l *State) localVariableName(frame *callFrame, i int) string {
	if start, end := frame.extraArgumentsRange(); start <= i && i < end {
		return "(vararg)"
	}
	registerStart := frame.registerStart()
	if i < registerStart {
		return ""
	}
	f, isLua := l.stack[frame.functionIndex].(luaFunction)
	if !isLua {
		return "(Go temporary)"
	}
	if i >= int(f.proto.MaxStackSize) {
		return ""
	}
	name := f.proto.LocalName(uint8(i), frame.pc)
	if name == "" {
		name = "(temporary)"
	}
	return name
}
