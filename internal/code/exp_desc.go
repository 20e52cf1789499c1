// Copyright (C) 1994-2024 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package code

import "math"

// exprDesc describes the location of the result of an expression.
type exprDesc struct {
	kind exprKind
	// bits is interpreted based on kind.
	bits uint64
	// strval stores the argument of [codeString].
	strval string

	// t is a patch list of "exit when true".
	t int
	// f is a patch list of "exit when false".
	f int
}

func newExpDesc(kind exprKind) exprDesc {
	return exprDesc{
		kind: kind,
		t:    noJump,
		f:    noJump,
	}
}

func voidExpDesc() exprDesc {
	return newExpDesc(exprKindVoid)
}

func codeString(s string) exprDesc {
	e := newExpDesc(exprKindKStr)
	e.strval = s
	return e
}

// newConstExpDesc returns an [exprDesc] for the k'th constant
// in the [Prototype] Constants table.
func newConstExpDesc(k int) exprDesc {
	e := newExpDesc(exprKindK)
	e.bits = uint64(k)
	return e
}

// newFloatConstExpDesc returns an [exprDesc] for a numerical floating point constant.
func newFloatConstExpDesc(f float64) exprDesc {
	e := newExpDesc(exprKindKFlt)
	e.bits = math.Float64bits(f)
	return e
}

// newIntConstExpDesc returns an [exprDesc] for a numerical integer constant.
func newIntConstExpDesc(i int64) exprDesc {
	e := newExpDesc(exprKindKInt)
	e.bits = uint64(i)
	return e
}

// newNonRelocExpDesc returns an [exprDesc] for a value in a fixed register.
func newNonRelocExpDesc(ridx regIndex) exprDesc {
	e := newExpDesc(exprKindNonReloc)
	e.bits = uint64(ridx)
	return e
}

// newLocalExpDesc returns an [exprDesc] for a local variable
// given the register index
// and the index in [parser].activeVars relative to [parser].firstLocal.
func newLocalExpDesc(ridx regIndex, vidx uint16) exprDesc {
	e := newExpDesc(exprKindLocal)
	e.bits = uint64(ridx) | uint64(vidx)<<8
	return e
}

func newUpvalExpDesc(idx upvalIndex) exprDesc {
	e := newExpDesc(exprKindUpval)
	e.bits = uint64(idx)
	return e
}

// newConstLocalExpDesc returns an [exprDesc] for a compile-time <const> variable
// given an absolute index in [parser].activeVars.
func newConstLocalExpDesc(i int) exprDesc {
	e := newExpDesc(exprKindConst)
	e.bits = uint64(i)
	return e
}

func newIndexedExpDesc(table, idx regIndex) exprDesc {
	e := newExpDesc(exprKindIndexed)
	e.bits = uint64(idx) | uint64(table)<<16
	return e
}

func newIndexUpExpDesc(table upvalIndex, constIndex uint16) exprDesc {
	e := newExpDesc(exprKindIndexUp)
	e.bits = uint64(constIndex) | uint64(table)<<16
	return e
}

func newIndexIExpDesc(table regIndex, i uint16) exprDesc {
	e := newExpDesc(exprKindIndexI)
	e.bits = uint64(i) | uint64(table)<<16
	return e
}

func newIndexStrExpDesc(table regIndex, constIndex uint16) exprDesc {
	e := newExpDesc(exprKindIndexStr)
	e.bits = uint64(constIndex) | uint64(table)<<16
	return e
}

func newJumpExpDesc(pc int) exprDesc {
	e := newExpDesc(exprKindJmp)
	e.bits = uint64(pc)
	return e
}

func newRelocExpDesc(pc int) exprDesc {
	e := newExpDesc(exprKindReloc)
	e.bits = uint64(pc)
	return e
}

func newCallExpDesc(pc int) exprDesc {
	e := newExpDesc(exprKindCall)
	e.bits = uint64(pc)
	return e
}

func newVarargExpDesc(pc int) exprDesc {
	e := newExpDesc(exprKindVararg)
	e.bits = uint64(pc)
	return e
}

func constToExp(v Value) exprDesc {
	if v.IsNil() {
		return newExpDesc(exprKindNil)
	}
	if v.IsString() {
		s, _ := v.Unquoted()
		return codeString(s)
	}
	if v.IsInteger() {
		i, _ := v.Int64(OnlyIntegral)
		return newIntConstExpDesc(i)
	}
	if f, ok := v.Float64(); ok {
		return newFloatConstExpDesc(f)
	}
	if b, ok := v.Bool(); ok {
		if b {
			return newExpDesc(exprKindTrue)
		} else {
			return newExpDesc(exprKindFalse)
		}
	}
	panic("unhandled Value type")
}

func (e exprDesc) hasJumps() bool {
	return e.t != e.f
}

func (e exprDesc) withJumpLists(from exprDesc) exprDesc {
	e.t = from.t
	e.f = from.f
	return e
}

// toValue returns the argument passed to
// [newFloatConstExpDesc], [newIntConstExpDesc], or [codeString]
// as a [Value].
// It also supports values from [newExpDesc]
// with kinds [exprKindNil], [exprKindFalse], or [exprKindTrue].
func (e exprDesc) toValue() (_ Value, ok bool) {
	if e.hasJumps() {
		return Value{}, false
	}
	switch e.kind {
	case exprKindNil:
		return Value{}, true
	case exprKindFalse:
		return BoolValue(false), true
	case exprKindTrue:
		return BoolValue(true), true
	case exprKindKInt:
		i, _ := e.intConstant()
		return IntegerValue(i), true
	case exprKindKFlt:
		f, _ := e.floatConstant()
		return FloatValue(f), true
	case exprKindKStr:
		return StringValue(e.strval), true
	default:
		return Value{}, false
	}
}

// isNumeral reports whether e
// was created from [newFloatConstExpDesc] or [newIntConstExpDesc]
// and does not have jumps.
func (e exprDesc) isNumeral() bool {
	return !e.hasJumps() && (e.kind == exprKindKInt || e.kind == exprKindKFlt)
}

// toNumeral returns the argument passed to
// [newFloatConstExpDesc] or [newIntConstExpDesc]
// as a [Value],
// as long as the expression does not have jumps.
func (e exprDesc) toNumeral() (_ Value, ok bool) {
	if !e.isNumeral() {
		return Value{}, false
	}
	return e.toValue()
}

// toSignedArg converts a numeral (see [exprDesc.isNumeral])
// into a signed argument (see [ToSignedArg]), if possible.
func (e exprDesc) toSignedArg() (arg uint8, isFloat bool, ok bool) {
	var i int64
	switch e.kind {
	case exprKindKInt:
		i, _ = e.intConstant()
	case exprKindKFlt:
		f, _ := e.floatConstant()
		i, ok = FloatToInteger(f, OnlyIntegral)
		if !ok {
			return 0, true, false
		}
		isFloat = true
	default:
		return 0, false, false
	}

	if e.hasJumps() {
		return 0, isFloat, false
	}
	arg, ok = ToSignedArg(i)
	return arg, isFloat, ok
}

// floatConstant returns the argument passed to [newFloatConstExpDesc].
func (e exprDesc) floatConstant() (_ float64, ok bool) {
	if e.kind != exprKindKFlt {
		return 0, false
	}
	return math.Float64frombits(e.bits), true
}

// intConstant returns the argument passed to [newIntConstExpDesc].
func (e exprDesc) intConstant() (_ int64, ok bool) {
	if e.kind != exprKindKInt {
		return 0, false
	}
	return int64(e.bits), true
}

// stringConstant returns the argument passed to [codeString].
func (e exprDesc) stringConstant() (_ string, ok bool) {
	if e.kind != exprKindKStr {
		return "", false
	}
	return e.strval, true
}

// constIndex returns the index in the [Prototype] Constants table.
// For [exprKindIndexUp] or [exprKindIndexStr],
// constIndex returns the table index constant.
func (e exprDesc) constIndex() int {
	switch e.kind {
	case exprKindK:
		return int(e.bits)
	case exprKindIndexUp, exprKindIndexStr:
		return int(e.bits & 0xffff)
	default:
		panic("constIndex not supported on expression")
	}
}

func (e exprDesc) register() regIndex {
	switch e.kind {
	case exprKindNonReloc, exprKindLocal:
		return regIndex(e.bits & 0xff)
	default:
		panic("register not supported on expression")
	}
}

// localIndex returns the index in the [parser] activeVars slice
// for a [newLocalExpDesc].
func (e exprDesc) localIndex(firstLocal int) int {
	if e.kind != exprKindLocal {
		panic("localIndex on non-local expression")
	}
	return firstLocal + int(e.bits>>8&0xffff)
}

// upvalIndex returns the upvalue index passed to [newUpvalExpDesc].
func (e exprDesc) upvalIndex() upvalIndex {
	if e.kind != exprKindUpval {
		panic("upvalIndex on non-upvalue expression")
	}
	return upvalIndex(e.bits)
}

// constLocalIndex returns the absolute index in the [parser] activeVars slice
// for a [newConstLocalExpDesc].
func (e exprDesc) constLocalIndex() int {
	if e.kind != exprKindConst {
		panic("constLocalIndex on non-<const> expression")
	}
	return int(e.bits)
}

// tableRegister returns the register holding the table in an index expression.
func (e exprDesc) tableRegister() regIndex {
	switch e.kind {
	case exprKindIndexed, exprKindIndexI, exprKindIndexStr:
		return regIndex(e.bits >> 16)
	default:
		panic("tableRegister on non-index expression")
	}
}

// tableUpvalue returns the table's upvalue index of the [exprKindIndexUp] expression.
func (e exprDesc) tableUpvalue() upvalIndex {
	if e.kind != exprKindIndexUp {
		panic("tableUpvalue on non-upvalue-index expression")
	}
	return upvalIndex(e.bits >> 16)
}

// indexRegister returns the table index register of the [exprKindIndexed] expression.
func (e exprDesc) indexRegister() regIndex {
	if e.kind != exprKindIndexed {
		panic("indexRegister on non-index expression")
	}
	return regIndex(e.bits)
}

// indexInt returns the constant integer of the [exprKindIndexI] expression.
func (e exprDesc) indexInt() int64 {
	if e.kind != exprKindIndexI {
		panic("indexInt on non-index expression")
	}
	return int64(e.bits & 0xffff)
}

// pc returns the index of the expression's instruction
// in the [Prototype] Code slice.
func (e exprDesc) pc() int {
	switch e.kind {
	case exprKindJmp, exprKindReloc, exprKindCall, exprKindVararg:
		return int(e.bits)
	default:
		panic("pc not supported on expression")
	}
}

type exprKind int

const (
	// when 'expdesc' describes the last expression of a list,
	// this kind means an empty list (so, no expression)
	exprKindVoid exprKind = iota
	// constant nil
	exprKindNil
	// constant true
	exprKindTrue
	// constant false
	exprKindFalse
	// constant in 'k'; info = index of constant in 'k'
	exprKindK
	// floating constant; nval = numerical float value
	exprKindKFlt
	// integer constant; ival = numerical integer value
	exprKindKInt
	// string constant; strval = TString address;
	// (string is fixed by the lexer)
	exprKindKStr
	// expression has its value in a fixed register;
	// info = result register
	exprKindNonReloc
	// local variable; var.ridx = register index;
	// var.vidx = relative index in 'actvar.arr'
	exprKindLocal
	// upvalue variable; info = index of upvalue in 'upvalues'
	exprKindUpval
	// compile-time <const> variable;
	// info = absolute index in 'actvar.arr'
	// TODO(now): Rename.
	exprKindConst
	// indexed variable;
	// ind.t = table register;
	// ind.idx = key's R index
	exprKindIndexed
	// indexed upvalue;
	// ind.t = table upvalue;
	// ind.idx = key's K index
	exprKindIndexUp
	// indexed variable with constant integer;
	// ind.t = table register;
	// ind.idx = key's value
	exprKindIndexI
	// indexed variable with literal string;
	// ind.t = table register;
	// ind.idx = key's K index
	exprKindIndexStr
	// expression is a test/comparison;
	// info = pc of corresponding jump instruction
	exprKindJmp
	// expression can put result in any register;
	// info = instruction pc
	exprKindReloc
	// expression is a function call; info = instruction pc
	exprKindCall
	// vararg expression; info = instruction pc
	exprKindVararg
)

func (k exprKind) isCompileTimeConstant() bool {
	return exprKindNil <= k && k <= exprKindKStr
}

func (k exprKind) isVar() bool {
	return exprKindLocal <= k && k <= exprKindIndexStr
}

func (k exprKind) isIndexed() bool {
	return exprKindIndexed <= k && k <= exprKindIndexStr
}

func (k exprKind) hasMultipleReturns() bool {
	return k == exprKindCall || k == exprKindVararg
}
