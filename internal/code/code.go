// Copyright (C) 1994-2024 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package code

import (
	"errors"
	"fmt"
	"math"
)

// Instruction emission and constant folding.
//
// Every instruction a [parser] appends to a function's code goes through
// one of the functions in this file: the low-level code/codeABC/codeABx
// family that just appends, and the higher-level codeArithmetic/codeOrder/
// codeEq/... family that first tries to fold constant operands or pick a
// cheaper immediate-operand opcode before falling back to a full binary-op
// instruction. Register lifetime (reserving, freeing, discharging an
// [exprDesc] into a register) also lives here, since most of these
// functions need to reserve a destination register for their result.

// code appends i to fs.Code, records its source line via
// [funcScope.saveLineInfo], and returns its program counter. Every other
// instruction-emitting function in this package ultimately funnels through
// here.
func (p *parser) code(fs *funcScope, i Instruction) int {
	fs.Code = append(fs.Code, i)
	fs.saveLineInfo(p.lastLine)
	return len(fs.Code) - 1
}

// codeNil loads nil into the n registers starting at from, merging into an
// immediately preceding OpLoadNil whose range overlaps or abuts this one
// rather than emitting a second instruction (so "local a; local b"
// compiles to a single OpLoadNil).
func (p *parser) codeNil(fs *funcScope, from regIndex, n uint8) {
	if previous := fs.previousInstruction(); previous != nil && previous.OpCode() == OpLoadNil {
		// Peephole optimization:
		// if the previous instruction is also OpLoadNil and ranges are compatible,
		// adjust range of previous instruction instead of emitting a new one.
		// (For instance, 'local a; local b' will generate a single opcode.)
		last := from + regIndex(n) - 1
		prevFrom := regIndex(previous.ArgA())
		prevLast := prevFrom + regIndex(previous.ArgB())
		if prevFrom <= from && from <= prevLast+1 || from <= prevFrom && prevFrom <= last+1 {
			newFrom := min(from, prevFrom)
			*previous = ABCInstruction(
				OpLoadNil,
				uint8(newFrom),
				uint8(max(last, prevLast)-newFrom),
				previous.ArgC(),
				previous.K(),
			)
			return
		}
	}

	// No optimization.
	p.code(fs, ABCInstruction(OpLoadNil, uint8(from), n-1, 0, false))
}

// codeJump emits an unconditional jump with no destination yet, returning
// its program counter so [funcScope.fixJump] or [funcScope.patchList] can
// fill it in once the target is known.
func (p *parser) codeJump(fs *funcScope) int {
	return p.code(fs, JInstruction(OpJMP, noJump))
}

// codeReturn emits a return of nret values starting at register first,
// using the dedicated OpReturn0/OpReturn1 opcodes for the common zero- and
// one-value cases instead of the general OpReturn. Panics if nret doesn't
// fit the instruction's operand, which would indicate a compiler bug rather
// than anything a Lua program can trigger.
func (p *parser) codeReturn(fs *funcScope, first regIndex, nret int) {
	b := nret + 1
	if !(0 <= b && b <= maxArgB) {
		panic("number of returns out of range")
	}
	op := OpReturn
	switch nret {
	case 0:
		op = OpReturn0
	case 1:
		op = OpReturn1
	}
	p.code(fs, ABCInstruction(op, uint8(first), uint8(b), 0, false))
}

// codeInt loads integer i into reg, using the compact OpLoadI immediate
// form when i fits in a signed Bx operand and falling back to the
// constant table otherwise.
func (p *parser) codeInt(fs *funcScope, reg regIndex, i int64) {
	if !fitsSignedBx(i) {
		k := fs.addConstant(IntegerValue(i))
		p.codeConstant(fs, reg, k)
		return
	}

	p.code(fs, ABxInstruction(OpLoadI, uint8(reg), int32(i)))
}

// codeFloat loads float f into reg. If f has an exact integer value that
// fits a signed Bx operand, it's loaded via the cheaper OpLoadF immediate
// (interpreted by the VM as that integer converted to float) instead of
// going through the constant table.
func (p *parser) codeFloat(fs *funcScope, reg regIndex, f float64) {
	if i := int64(f); float64(i) == f && fitsSignedBx(i) {
		p.code(fs, ABxInstruction(OpLoadF, uint8(reg), int32(i)))
		return
	}

	k := fs.addConstant(FloatValue(f))
	p.codeConstant(fs, reg, k)
}

// codeConstant loads the k'th entry of fs's constant table into reg, using
// OpLoadK when the index fits a Bx operand and OpLoadKX plus a trailing
// ExtraArgument instruction when it doesn't.
func (p *parser) codeConstant(fs *funcScope, reg regIndex, k int) int {
	if k > maxArgBx {
		pc := p.code(fs, ABxInstruction(OpLoadKX, uint8(reg), 0))
		p.code(fs, ExtraArgument(uint32(k)))
		return pc
	}
	return p.code(fs, ABxInstruction(OpLoadK, uint8(reg), int32(k)))
}

// codeStoreVariable emits whichever store instruction matches v's kind
// (OpMove into a local's register, OpSetUpval, or an indexed store), or
// leaves expr's result sitting in its evaluated register if v is a
// constant-folded local with nothing left to do. expr must not be reused
// afterward.
func (p *parser) codeStoreVariable(fs *funcScope, v, expr exprDesc) error {
	switch v.kind {
	case expressionKindLocal:
		p.freeExpression(fs, expr)
		_, err := p.toRegister(fs, expr, v.register())
		return err
	case expressionKindUpvalue:
		var e regIndex
		var err error
		expr, e, err = p.toAnyRegister(fs, expr)
		if err != nil {
			return err
		}
		p.code(fs, ABCInstruction(OpSetUpval, uint8(e), uint8(v.upvalIndex()), 0, false))
	case expressionKindIndexUpvalue:
		var err error
		expr, err = p.codeABRK(fs, OpSetTabUp, uint8(v.tableUpvalue()), uint8(v.constantIndex()), expr)
		if err != nil {
			return err
		}
	case expressionKindIndexInt:
		var err error
		expr, err = p.codeABRK(fs, OpSetI, uint8(v.tableRegister()), uint8(v.indexInt()), expr)
		if err != nil {
			return err
		}
	case expressionKindIndexString:
		var err error
		expr, err = p.codeABRK(fs, OpSetField, uint8(v.tableRegister()), uint8(v.constantIndex()), expr)
		if err != nil {
			return err
		}
	case expressionKindIndexed:
		var err error
		expr, err = p.codeABRK(fs, OpSetTable, uint8(v.tableRegister()), uint8(v.indexRegister()), expr)
		if err != nil {
			return err
		}
	default:
		p.freeExpression(fs, expr)
		return fmt.Errorf("invalid variable kind to store (%v)", v.kind)
	}

	p.freeExpression(fs, expr)
	return nil
}

// codeSelf appends an [OpSelf] instruction to fs.Code.
// This has the effect of converting expression e into "e:key(e,".
// Both e and key are invalid after a call to codeSelf.
// codeSelf implements the "obj:method(...)" call sugar, emitting an OpSelf
// that loads obj's method at one register and obj itself (as the implicit
// first argument) at the next. Returns the base register as a
// non-relocatable expression, matching what OpCall expects.
func (p *parser) codeSelf(fs *funcScope, e, key exprDesc) (exprDesc, error) {
	e, ereg, err := p.toAnyRegister(fs, e)
	if err != nil {
		return voidExpression(), err
	}
	p.freeExpression(fs, e)

	// Reserve registers for function and self produced by OpSelf.
	baseRegister := fs.firstFreeRegister
	if err := fs.reserveRegisters(2); err != nil {
		return voidExpression(), err
	}

	key, err = p.codeABRK(fs, OpSelf, uint8(baseRegister), uint8(ereg), key)
	if err != nil {
		return voidExpression(), err
	}
	p.freeExpression(fs, key)

	return nonRelocatableExpression(baseRegister), nil
}

// codeGoIfTrue compiles e for use as a condition that should fall through
// when true: a constant known to always be truthy needs no test at all, an
// existing conditional jump is negated in place, and anything else gets a
// fresh jumpOnCond. The resulting false-jump list absorbs this jump so a
// caller chaining conditions (e.g. an "and") can keep extending it.
func (p *parser) codeGoIfTrue(fs *funcScope, e exprDesc) (exprDesc, error) {
	e = p.dischargeVars(fs, e)
	var pc int
	switch e.kind {
	case expressionKindJump:
		pc = e.pc()
		if err := fs.negateCondition(pc); err != nil {
			return e, err
		}
	case expressionKindConstant, expressionKindFloatConstant, expressionKindIntConstant, expressionKindStringConstant, expressionKindTrue:
		// Always true; do nothing.
		pc = noJump
	default:
		var err error
		pc, err = p.jumpOnCond(fs, e, false)
		if err != nil {
			return e, err
		}
	}
	// Insert new jump in false list.
	var err error
	e.f, err = fs.concatJumpList(e.f, pc)
	if err != nil {
		return e, err
	}
	// True list jumps to here (to go through).
	if err := fs.patchToHere(e.t); err != nil {
		return e, err
	}
	e.t = noJump
	return e, nil
}

// codeGoIfFalse is [parser.codeGoIfTrue]'s mirror image: it compiles e to
// fall through when false, for chaining conditions like "or".
func (p *parser) codeGoIfFalse(fs *funcScope, e exprDesc) (exprDesc, error) {
	e = p.dischargeVars(fs, e)
	var pc int
	switch e.kind {
	case expressionKindJump:
		pc = e.pc()
	case expressionKindNil, expressionKindFalse:
		// Always false; do nothing.
		pc = noJump
	default:
		var err error
		pc, err = p.jumpOnCond(fs, e, true)
		if err != nil {
			return e, err
		}
	}
	// Insert new jump in true list.
	var err error
	e.t, err = fs.concatJumpList(e.t, pc)
	if err != nil {
		return e, err
	}
	// False list jumps to here (to go through).
	if err := fs.patchToHere(e.f); err != nil {
		return e, err
	}
	e.f = noJump
	return e, nil
}

// jumpOnCond emits a conditional jump taken when e's truthiness equals
// cond. An expression that is already the result of OpNot gets the not
// folded away by testing the opposite condition directly on its operand
// instead of leaving both instructions in the stream.
func (p *parser) jumpOnCond(fs *funcScope, e exprDesc, cond bool) (int, error) {
	if e.kind == expressionKindRelocatable {
		if ie := fs.Code[e.pc()]; ie.OpCode() == OpNot {
			// Remove previous OpNot.
			fs.removeLastInstruction()
			p.code(fs, ABCInstruction(OpTest, ie.ArgB(), 0, 0, !cond))
			return p.codeJump(fs), nil
		}
	}

	e, err := p.dischargeToAnyRegister(fs, e)
	if err != nil {
		return 0, err
	}
	p.freeExpression(fs, e)
	p.code(fs, ABCInstruction(OpTestSet, uint8(noRegister), uint8(e.register()), 0, cond))
	return p.codeJump(fs), nil
}

// codeNot compiles "not e". Constant and already-conditional expressions
// are negated without emitting any instruction; everything else gets an
// explicit OpNot. Either way, e's true/false jump lists are swapped and
// scrubbed of any register they'd have set, since a negated value can't
// usefully be both a boolean result and a short-circuit target.
func (p *parser) codeNot(fs *funcScope, e exprDesc) (exprDesc, error) {
	switch e.kind {
	case expressionKindNil, expressionKindFalse:
		e.kind = expressionKindTrue
	case expressionKindConstant, expressionKindFloatConstant, expressionKindIntConstant, expressionKindStringConstant, expressionKindTrue:
		e.kind = expressionKindFalse
	case expressionKindJump:
		if err := fs.negateCondition(e.pc()); err != nil {
			return e, err
		}
	case expressionKindRelocatable, expressionKindNonRelocatable:
		var err error
		e, err = p.dischargeToAnyRegister(fs, e)
		if err != nil {
			return e, err
		}
		pc := p.code(fs, ABCInstruction(OpNot, 0, uint8(e.register()), 0, false))
		e = relocatableExpression(pc).withJumpLists(e)
	default:
		return e, fmt.Errorf("internal error: codeNot: unhandled expression (%v)", e.kind)
	}

	e.t, e.f = e.f, e.t
	// Values are useless when negated.
	// Traverse the list of tests to ensure none of them produce a value.
	for _, list := range [...]int{e.f, e.t} {
		for ; list != noJump; list, _ = fs.jumpDestination(list) {
			fs.patchTestRegister(list, noRegister)
		}
	}

	return e, nil
}

// codeIndexed builds an indexed expression for "t[k]", picking the
// cheapest available addressing mode: a short-string key becomes an
// OpGetField/OpGetTabUp, a small non-negative integer key becomes
// OpGetI, and anything else falls back to a register-indexed OpGetTable.
// An upvalue table with a non-string key is first copied into a register,
// since OpGetTabUp only supports short-string keys.
func (p *parser) codeIndexed(fs *funcScope, t, k exprDesc) (exprDesc, error) {
	if t.hasJumps() {
		return voidExpression(), errors.New("internal error: codeIndexed: table expression has jumps")
	}

	if k.kind == expressionKindStringConstant {
		k = p.stringToConstantTable(fs, k)
	}
	isKstr := k.kind == expressionKindConstant &&
		!k.hasJumps() &&
		k.constantIndex() <= maxArgB &&
		fs.Constants[k.constantIndex()].isShortString()
	if t.kind == expressionKindUpvalue && !isKstr {
		// [OpGetTabUp] can only index short strings.
		// Copy the table from an upvalue to a register.
		var err error
		t, _, err = p.toAnyRegister(fs, t)
		if err != nil {
			return voidExpression(), err
		}
	}

	switch t.kind {
	case expressionKindUpvalue:
		return indexedUpvalueExpression(t.upvalIndex(), uint16(k.constantIndex())), nil
	case expressionKindLocal, expressionKindNonRelocatable:
		if isKstr {
			return indexStringExpression(t.register(), uint16(k.constantIndex())), nil
		} else if i, isInt := k.intConstant(); isInt && !k.hasJumps() && 0 <= i && i <= maxArgC {
			return indexIntExpression(t.register(), uint16(i)), nil
		} else {
			_, reg, err := p.toAnyRegister(fs, k)
			if err != nil {
				return voidExpression(), err
			}
			return indexedExpression(t.register(), reg), nil
		}
	default:
		return voidExpression(), fmt.Errorf("internal error: codeIndexed: unhandled table kind %v", t.kind)
	}
}

// codePrefix compiles a unary operator applied to e. Negation and bitwise
// complement are tried as constant folds first (by reusing the binary
// arithmetic folder against a synthetic zero operand) before falling back
// to an actual instruction; length and "not" have their own handling since
// neither is expressible as arithmetic against zero.
func (p *parser) codePrefix(fs *funcScope, operator unaryOp, e exprDesc, line int) (exprDesc, error) {
	e = p.dischargeVars(fs, e)
	switch operator {
	case unaryOpMinus, unaryOpBNot:
		fakeRHS := intConstantExpression(0)
		aop, _ := operator.toArithmetic()
		if e, folded := p.foldConstants(aop, e, fakeRHS); folded {
			return e, nil
		}
		fallthrough
	case unaryOpLen:
		op, _ := operator.toOpCode()
		return p.codeUnaryExpValue(fs, op, e, line)
	case unaryOpNot:
		return p.codeNot(fs, e)
	default:
		return voidExpression(), fmt.Errorf("internal error: codePrefix: unhandled operator %v", operator)
	}
}

// codeUnaryExpValue emits a register-form unary instruction (length or
// arithmetic negation/complement when no constant fold applied) against e.
func (p *parser) codeUnaryExpValue(fs *funcScope, op OpCode, e exprDesc, line int) (exprDesc, error) {
	e, r, err := p.toAnyRegister(fs, e)
	if err != nil {
		return e, err
	}
	p.freeExpression(fs, e)
	pc := p.code(fs, ABCInstruction(op, 0, uint8(r), 0, false))
	fs.fixLineInfo(line)
	return relocatableExpression(pc).withJumpLists(e), nil
}

// codeInfix readies the left operand v once operator has been seen but
// before the right operand is parsed: "and"/"or" start their short-circuit
// jump lists, concatenation forces v into a register, and arithmetic/
// comparison operators leave a numeral operand untouched in case it can
// later be folded or used as an immediate, discharging anything else to a
// register or RK slot. [parser.codePostfix] finishes the job once the
// right operand is available.
func (p *parser) codeInfix(fs *funcScope, operator binaryOp, v exprDesc) (exprDesc, error) {
	v = p.dischargeVars(fs, v)
	switch operator {
	case binaryOpAnd:
		return p.codeGoIfTrue(fs, v)
	case binaryOpOr:
		return p.codeGoIfFalse(fs, v)
	case binaryOpConcat:
		var err error
		v, _, err = p.toNextRegister(fs, v)
		return v, err
	case binaryOpAdd, binaryOpSub,
		binaryOpMul, binaryOpDiv, binaryOpIDiv, binaryOpMod,
		binaryOpPow,
		binaryOpBAnd, binaryOpBOr, binaryOpBXor,
		binaryOpShiftL, binaryOpShiftR:
		if v.isNumeral() {
			// Preserve numerals because they may be folded or used as an immediate operand.
			return v, nil
		}
		var err error
		v, _, err = p.toAnyRegister(fs, v)
		return v, err
	case binaryOpEq, binaryOpNE:
		if v.isNumeral() {
			// Preserve numerals because they may be used as an immediate operand.
			return v, nil
		}
		var err error
		v, _, _, err = p.toRK(fs, v)
		return v, err
	case binaryOpLT, binaryOpLE, binaryOpGT, binaryOpGE:
		if _, _, isSigned := v.toSignedArg(); isSigned {
			// Preserve numerals because they may be used as an immediate operand.
			return v, nil
		}
		var err error
		v, _, err = p.toAnyRegister(fs, v)
		return v, err
	default:
		return v, fmt.Errorf("internal error: codeInfix: unhandled operator %v", operator)
	}
}

// codePostfix emits the actual binary operation once both operands are
// known, always attempting constant folding first for arithmetic
// operators. "a > b" and "a >= b" are rewritten to "b < a" and "b <= a"
// since the instruction set only has less-than and less-equal comparisons.
// Must follow a matching [parser.codeInfix] call on the same operator.
func (p *parser) codePostfix(fs *funcScope, operator binaryOp, e1, e2 exprDesc, line int) (exprDesc, error) {
	e2 = p.dischargeVars(fs, e2)
	if operator, ok := operator.toArithmetic(); ok {
		if result, folded := p.foldConstants(operator, e1, e2); folded {
			return result, nil
		}
	}

	switch operator {
	case binaryOpAnd:
		if e1.t != noJump {
			return voidExpression(), errors.New("internal error: codePostfix: list should have been closed by codeInfix")
		}
		var err error
		e2.f, err = fs.concatJumpList(e2.f, e1.f)
		if err != nil {
			return voidExpression(), err
		}
		return e2, nil
	case binaryOpOr:
		if e1.t != noJump {
			return voidExpression(), errors.New("internal error: codePostfix: list should have been closed by codeInfix")
		}
		var err error
		e2.t, err = fs.concatJumpList(e2.t, e1.t)
		if err != nil {
			return voidExpression(), err
		}
		return e2, nil
	case binaryOpConcat:
		var err error
		e2, _, err = p.toNextRegister(fs, e2)
		if err != nil {
			return voidExpression(), err
		}
		p.codeConcat(fs, e1, e2, line)
		return e1, nil
	case binaryOpAdd, binaryOpMul:
		return p.codeCommutative(fs, operator, e1, e2, line)
	case binaryOpSub:
		result, err := p.finishBinaryExpNegated(fs, e1, e2, OpAddI, line, TagMethodSub)
		if err != nil {
			return voidExpression(), err
		}
		if result.kind != expressionKindVoid {
			return result, nil
		}
		fallthrough
	case binaryOpDiv, binaryOpIDiv, binaryOpMod, binaryOpPow:
		return p.codeArithmetic(fs, operator, e1, e2, false, line)
	case binaryOpBAnd, binaryOpBOr, binaryOpBXor:
		return p.codeBitwise(fs, operator, e1, e2, line)
	case binaryOpShiftL:
		if i1, ok := e1.intConstant(); ok && fitsSignedArg(i1) {
			// I << r2
			return p.codeBinaryExpImmediate(fs, OpSHLI, e2, e1, true, line, TagMethodSHL)
		}
		if result, err := p.finishBinaryExpNegated(fs, e1, e2, OpSHRI, line, TagMethodSHL); err != nil {
			return voidExpression(), err
		} else if result.kind != expressionKindVoid {
			return result, nil
		}
		return p.codeBinaryExp(fs, operator, e1, e2, line)
	case binaryOpShiftR:
		if i2, ok := e2.intConstant(); ok && fitsSignedArg(i2) {
			// r1 >> I
			return p.codeBinaryExpImmediate(fs, OpSHRI, e1, e2, false, line, TagMethodSHR)
		}
		return p.codeBinaryExp(fs, operator, e1, e2, line)
	case binaryOpEq, binaryOpNE:
		return p.codeEq(fs, operator, e1, e2)
	case binaryOpGT:
		// Convert "a > b" into "b < a".
		return p.codeOrder(fs, binaryOpLT, e2, e1)
	case binaryOpGE:
		// Convert "a >= b" into "b <= a".
		return p.codeOrder(fs, binaryOpLE, e2, e1)
	case binaryOpLT, binaryOpLE:
		return p.codeOrder(fs, operator, e1, e2)
	default:
		return voidExpression(), fmt.Errorf("internal error: codePostfix: unhandled operator %v", operator)
	}
}

// codeCommutative handles "+" and "*", where operand order doesn't affect
// the result: if the left side is a numeral, the operands are swapped so
// the constant ends up on the right, where [parser.codeBinaryExpImmediate]
// and the K-operand path look for it.
func (p *parser) codeCommutative(fs *funcScope, operator binaryOp, e1, e2 exprDesc, line int) (exprDesc, error) {
	// If first operand is a numeric constant,
	// change order of operands to try to use an immediate or K operator.
	flip := e1.isNumeral()
	if flip {
		e1, e2 = e2, e1
		flip = true
	}
	if i, isInt := e2.intConstant(); isInt && fitsSignedArg(i) && operator == binaryOpAdd {
		return p.codeBinaryExpImmediate(fs, OpAddI, e1, e2, flip, line, TagMethodAdd)
	}
	return p.codeArithmetic(fs, operator, e1, e2, flip, line)
}

// codeBitwise handles "&", "|", and "~": all three are commutative, so an
// integer-constant left operand is swapped to the right where it can be
// folded into the constant table and used as a K operand.
func (p *parser) codeBitwise(fs *funcScope, operator binaryOp, e1, e2 exprDesc, line int) (exprDesc, error) {
	// All operations are commutative,
	// so if first operand is a numeric constant,
	// change order of operands to try to use an immediate or K operator.
	flip := e1.kind == expressionKindIntConstant
	if flip {
		e1, e2 = e2, e1
	}
	if e2.kind == expressionKindIntConstant {
		if e2, _, ok := p.toConstantTable(fs, e2); ok {
			return p.codeBinaryExpConstant(fs, operator, e1, e2, flip, line)
		}
	}
	return p.codeBinaryExpNoConstants(fs, operator, e1, e2, flip, line)
}

// codeArithmetic handles "-", "/", "//", "%", and "^": a numeral right
// operand is moved into the constant table so it can be coded as a K
// operand instead of occupying a register.
func (p *parser) codeArithmetic(fs *funcScope, operator binaryOp, e1, e2 exprDesc, flip bool, line int) (exprDesc, error) {
	if e2.isNumeral() {
		if e2, _, ok := p.toConstantTable(fs, e2); ok {
			return p.codeBinaryExpConstant(fs, operator, e1, e2, flip, line)
		}
	}
	return p.codeBinaryExpNoConstants(fs, operator, e1, e2, flip, line)
}

// codeBinaryExpNoConstants restores operand order if it was flipped for
// commutativity and falls through to the plain register-register form.
func (p *parser) codeBinaryExpNoConstants(fs *funcScope, operator binaryOp, e1, e2 exprDesc, flip bool, line int) (exprDesc, error) {
	if flip {
		// Back to original order.
		e1, e2 = e2, e1
	}
	return p.codeBinaryExp(fs, operator, e1, e2, line)
}

// codeBinaryExp is the fallback path for a binary operator with no
// applicable immediate or constant-operand form: both operands end up in
// registers and the general two-register opcode plus its OpMMBin
// metamethod-fallback companion are emitted.
func (p *parser) codeBinaryExp(fs *funcScope, operator binaryOp, e1, e2 exprDesc, line int) (exprDesc, error) {
	op, ok := operator.toOpCode(OpAdd)
	if !ok {
		return voidExpression(), fmt.Errorf("internal error: codeBinaryExp: %v does not translate cleanly to OpCode", operator)
	}
	event, ok := operator.tagMethod()
	if !ok {
		return voidExpression(), fmt.Errorf("internal error: codeBinaryExp: %v does not have a TagMethod", operator)
	}
	if !e1.kind.isCompileTimeConstant() && e1.kind != expressionKindNonRelocatable && e1.kind != expressionKindRelocatable {
		return voidExpression(), fmt.Errorf("internal error: codeBinaryExp: left-side operand must be a constant or in a register")
	}

	e2, v2, err := p.toAnyRegister(fs, e2)
	if err != nil {
		return voidExpression(), err
	}
	return p.finishBinaryExpValue(fs, e1, e2, op, uint8(v2), false, line, OpMMBin, event)
}

// codeBinaryExpImmediate emits op with e2's integer constant packed
// directly into the signed B operand, skipping the constant table
// entirely. e2 must actually be a small-enough integer constant; callers
// are expected to have checked this before choosing the immediate path.
func (p *parser) codeBinaryExpImmediate(fs *funcScope, op OpCode, e1, e2 exprDesc, flip bool, line int, event TagMethod) (exprDesc, error) {
	i, ok := e2.intConstant()
	if !ok {
		return voidExpression(), fmt.Errorf("internal error: codeBinaryExpImmediate: right-side operand must be an immediate integer")
	}
	v2, ok := ToSignedArg(i)
	if !ok {
		return voidExpression(), fmt.Errorf("internal error: codeBinaryExpImmediate: right-side operand (%d) out of range", i)
	}
	return p.finishBinaryExpValue(fs, e1, e2, op, v2, flip, line, OpMMBinI, event)
}

// codeBinaryExpConstant emits the K-operand form of operator, referencing
// e2's slot in the constant table instead of a register.
func (p *parser) codeBinaryExpConstant(fs *funcScope, operator binaryOp, e1, e2 exprDesc, flip bool, line int) (exprDesc, error) {
	event, ok := operator.tagMethod()
	if !ok {
		return voidExpression(), fmt.Errorf("internal error: codeBinaryExpConstant: operator %v does not have a metamethod", operator)
	}
	if e2.kind != expressionKindConstant {
		return voidExpression(), fmt.Errorf("internal error: codeBinaryExpConstant: right-side operand must be a reference to the Constants table")
	}
	v2 := e2.constantIndex()
	op, ok := operator.toOpCode(OpAddK)
	if !ok {
		return voidExpression(), fmt.Errorf("internal error: codeBinaryExpConstant: %v does not translate cleanly to OpCode", operator)
	}
	return p.finishBinaryExpValue(fs, e1, e2, op, uint8(v2), flip, line, OpMMBinK, event)
}

// finishBinaryExpValue is the common tail shared by the immediate,
// constant, and register forms of a value-producing binary operator: it
// emits op itself followed by an mmop fallback instruction the VM uses to
// dispatch to event's metamethod if op's operand types didn't support the
// operation directly.
func (p *parser) finishBinaryExpValue(fs *funcScope, e1, e2 exprDesc, op OpCode, v2 uint8, flip bool, line int, mmop OpCode, event TagMethod) (exprDesc, error) {
	e1, v1, err := p.toAnyRegister(fs, e1)
	if err != nil {
		return voidExpression(), err
	}
	pc := p.code(fs, ABCInstruction(op, 0, uint8(v1), v2, false))
	p.freeExpressions(fs, e1, e2)
	fs.fixLineInfo(line)
	p.code(fs, ABCInstruction(mmop, uint8(v1), v2, uint8(event), flip))
	fs.fixLineInfo(line)
	return relocatableExpression(pc).withJumpLists(e1), nil
}

// finishBinaryExpNegated turns "a - k" into an OpAddI with -k as the
// immediate (and "a << k" into an OpSHRI by -k), since the instruction set
// has no dedicated immediate-subtract or immediate-shift-left opcode. The
// fallback metamethod instruction still records the un-negated k, since a
// metamethod expects to see the actual value the user wrote. Returns a
// void expression with a nil error, not an error, when k can't be negated
// within operand range, letting the caller fall back to the general path.
func (p *parser) finishBinaryExpNegated(fs *funcScope, e1, e2 exprDesc, op OpCode, line int, event TagMethod) (exprDesc, error) {
	i2, ok := e2.intConstant()
	if !ok || e2.hasJumps() {
		return voidExpression(), nil
	}
	v2, ok := ToSignedArg(i2)
	if !ok {
		return voidExpression(), nil
	}
	negV2, ok := ToSignedArg(-i2)
	if !ok {
		return voidExpression(), nil
	}
	const mmop = OpMMBinI
	result, err := p.finishBinaryExpValue(fs, e1, e2, op, negV2, false, line, mmop, event)
	if err != nil {
		return voidExpression(), err
	}
	// The metamethod must observe the original value.
	i := &fs.Code[len(fs.Code)-1]
	if i.OpCode() != mmop {
		panic("expected finishBinaryExpValue to end with metamethod instruction")
	}
	*i = ABCInstruction(mmop, i.ArgA(), v2, i.ArgC(), i.K())
	return result, nil
}

// codeConcat compiles "e1 .. e2". Because ".." is right-associative, a
// chain like "a .. b .. c" parses as "a .. (b .. c)" — when e2 is itself
// the immediately preceding OpConcat result sitting right after e1's
// register, the two concatenations are merged into one wider OpConcat
// instead of nesting two separate ones. e1 must already be register-
// resident; e2 is not usable after this call.
func (p *parser) codeConcat(fs *funcScope, e1, e2 exprDesc, line int) {
	r1 := e1.register()

	// For "(e1 .. e2.1 .. e2.2)"
	// (which is "(e1 .. (e2.1 .. e2.2))" because concatenation is right associative),
	// merge both [OpConcat] instructions.
	ie2 := fs.previousInstruction()
	if ie2 != nil && ie2.OpCode() == OpConcat && r1+1 == regIndex(ie2.ArgA()) {
		n := ie2.ArgB() // Number of elements concatenated in e2.
		p.freeExpression(fs, e2)
		*ie2 = ABCInstruction(OpConcat, uint8(r1), n+1, ie2.ArgC(), ie2.K())
		return
	}

	p.code(fs, ABCInstruction(OpConcat, uint8(r1), 2, 0, false))
	p.freeExpression(fs, e2)
	fs.fixLineInfo(line)
}

// codeOrder compiles "<" or "<=" (callers rewrite ">"/">=" before reaching
// here). A numeral on either side is coded as an immediate operand to
// OpLTI/OpLEI/OpGTI/OpGEI rather than occupying a register; the immediate
// forms swap which side the constant sits on because there's no "less than
// immediate, reversed" opcode, only a separate greater-than-immediate one.
func (p *parser) codeOrder(fs *funcScope, operator binaryOp, e1, e2 exprDesc) (exprDesc, error) {
	var op OpCode
	var r1 regIndex
	var b, c uint8
	if immediate, isFloat, ok := e2.toSignedArg(); ok {
		var err error
		e1, r1, err = p.toAnyRegister(fs, e1)
		if err != nil {
			return voidExpression(), err
		}
		b = immediate
		if isFloat {
			c = 1
		}
		op, _ = operator.toOpCode(OpLTI)
	} else if immediate, isFloat, ok = e1.toSignedArg(); ok {
		var err error
		e2, r1, err = p.toAnyRegister(fs, e2)
		if err != nil {
			return voidExpression(), err
		}
		b = immediate
		if isFloat {
			c = 1
		}
		switch operator {
		case binaryOpLT:
			op = OpGTI
		case binaryOpLE:
			op = OpGEI
		default:
			return voidExpression(), fmt.Errorf("internal error: codeOrder: unhandled operator %v", operator)
		}
	} else {
		var err error
		e1, r1, err = p.toAnyRegister(fs, e1)
		if err != nil {
			return voidExpression(), err
		}
		var r2 regIndex
		e2, r2, err = p.toAnyRegister(fs, e2)
		if err != nil {
			return voidExpression(), err
		}
		b = uint8(r2)
		op, _ = operator.toOpCode(OpLT)
	}

	p.freeExpressions(fs, e1, e2)
	p.code(fs, ABCInstruction(op, uint8(r1), b, c, true))
	pc := p.codeJump(fs)
	return jumpExpression(pc), nil
}

// codeEq compiles "==" or "~=". Constants and immediates are kept on the
// right side (swapping if the left side turned out to hold one), since
// OpEQI/OpEQK only compare a register against an immediate or constant in
// that order. e1 must already have been through [parser.codeInfix].
func (p *parser) codeEq(fs *funcScope, operator binaryOp, e1, e2 exprDesc) (exprDesc, error) {
	switch e1.kind {
	case expressionKindConstant, expressionKindIntConstant, expressionKindFloatConstant:
		// Swap constant/immediate to right side.
		e1, e2 = e2, e1
	case expressionKindNonRelocatable:
		// Fine as-is.
	default:
		return voidExpression(), fmt.Errorf("internal error: codeEq: left-side operand should have turned into a register or a constant (found %v)", e1.kind)
	}

	e1, r1, err := p.toAnyRegister(fs, e1)
	if err != nil {
		return voidExpression(), err
	}
	var op OpCode
	var b uint8
	var c uint8 // Not needed here, but kept for symmetry.
	if immediate, isFloat, isImmediate := e2.toSignedArg(); isImmediate {
		op = OpEQI
		b = immediate
		if isFloat {
			c = 1
		}
	} else {
		var k bool
		e2, b, k, err = p.toRK(fs, e2)
		if err != nil {
			return voidExpression(), err
		}
		if k {
			op = OpEQK
		} else {
			op = OpEQ
			// TODO(maybe): expToRK should have already converted to register.
			// Is this necessary?
			var r2 regIndex
			e2, r2, err = p.toAnyRegister(fs, e2)
			if err != nil {
				return voidExpression(), err
			}
			b = uint8(r2)
		}
	}

	p.freeExpressions(fs, e1, e2)
	p.code(fs, ABCInstruction(op, uint8(r1), b, c, operator == binaryOpEq))
	pc := p.codeJump(fs)
	return jumpExpression(pc).withJumpLists(e1), nil
}

// fieldsPerFlush is the number of list items to accumulate
// before an [OpSetList] [Instruction].
const fieldsPerFlush = 50

// codeSetList flushes toStore pending array-part values from the registers
// above base into the table at base, recording numElements as how many
// were already stored by a previous flush. When numElements exceeds what
// fits in OpSetList's C operand, the high bits spill into a trailing
// ExtraArgument instruction.
func (p *parser) codeSetList(fs *funcScope, base regIndex, numElements int, toStore int) error {
	switch {
	case toStore == MultiReturn:
		toStore = 0
	case toStore <= 0 || toStore > fieldsPerFlush:
		return fmt.Errorf("internal error: codeSetList: toStore out of range (%d)", toStore)
	}
	if numElements <= maxArgC {
		p.code(fs, ABCInstruction(OpSetList, uint8(base), uint8(toStore), uint8(numElements), false))
	} else {
		extra := numElements / (maxArgC + 1)
		numElements %= maxArgC + 1
		p.code(fs, ABCInstruction(OpSetList, uint8(base), uint8(toStore), uint8(numElements), true))
		p.code(fs, ExtraArgument(uint32(extra)))
	}
	// Free the registers used for list values.
	fs.firstFreeRegister = base + 1
	return nil
}

// foldConstants evaluates op on e1 and e2 directly via [Arithmetic] when
// both are numeral expressions, reporting false if either operand isn't a
// numeral or the operation would error (e.g. integer division by zero,
// which Lua still wants to fail at runtime rather than compile time).
func (p *parser) foldConstants(op ArithmeticOperator, e1, e2 exprDesc) (exprDesc, bool) {
	v1, ok := e1.toNumeral()
	if !ok {
		return voidExpression(), false
	}
	v2, ok := e2.toNumeral()
	if !ok {
		return voidExpression(), false
	}

	result, err := Arithmetic(op, v1, v2)
	if err != nil {
		return voidExpression(), false
	}
	if result.IsInteger() {
		i, _ := result.Int64(OnlyIntegral)
		return intConstantExpression(i), true
	}
	n, ok := result.Float64()
	if !ok {
		// Shouldn't occur, but coding defensively.
		return voidExpression(), false
	}
	if math.IsNaN(n) || n == 0 {
		// Don't fold numbers that have tricky equality properties.
		return voidExpression(), false
	}
	return floatConstantExpression(n), true
}

// toValue settles e into either a register or a constant, the two forms
// that don't need any further jump-list patching to read back.
func (p *parser) toValue(fs *funcScope, e exprDesc) (exprDesc, error) {
	if e.hasJumps() {
		e, _, err := p.toAnyRegister(fs, e)
		return e, err
	}
	return p.dischargeVars(fs, e), nil
}

// codeABRK settles e into a register or constant slot via [*parser.toRK]
// and emits op with that slot as the C argument, the K bit set to whichever
// form e ended up in.
func (p *parser) codeABRK(fs *funcScope, op OpCode, a, b uint8, e exprDesc) (exprDesc, error) {
	e, c, k, err := p.toRK(fs, e)
	if err != nil {
		return e, err
	}
	p.code(fs, ABCInstruction(op, a, b, c, k))
	return e, nil
}

// maxIndexRK is the maximum index that can be used
// as either a register index or a Constants table index.
const maxIndexRK = maxArgC

// toRK picks whichever of [*parser.toConstantTable] or [*parser.toAnyRegister]
// applies to e, giving callers that build an R/K-encoded instruction a single
// index plus the k bit that says which table it indexes into.
func (p *parser) toRK(fs *funcScope, e exprDesc) (_ exprDesc, c uint8, k bool, err error) {
	if e, c, ok := p.toConstantTable(fs, e); ok {
		return e, c, true, nil
	}
	e, reg, err := p.toAnyRegister(fs, e)
	return e, uint8(reg), false, err
}

// toConstantTable tries to turn e into an [expressionKindConstant] sitting at
// an R/K-addressable index, failing (ok false) for anything with pending
// jumps or without a compile-time value, or whose constant index lands past
// what the C operand field can encode.
func (p *parser) toConstantTable(fs *funcScope, e exprDesc) (_ exprDesc, idx uint8, ok bool) {
	if e.hasJumps() {
		return e, uint8(noRegister), false
	}
	v, ok := e.toValue()
	if !ok {
		return e, uint8(noRegister), false
	}
	// addConstant dedupes against fs's existing table, so this never adds
	// a second entry for a value already coded elsewhere in the function.
	k := fs.addConstant(v)
	if k > maxIndexRK {
		return e, uint8(noRegister), false
	}
	return constantTableExpression(k), uint8(k), true
}

// toAnyRegisterOrUpvalue leaves e alone if it's already a jump-free upvalue
// reference (assignment targets like OpSetUpval can address an upvalue
// directly), otherwise forces it into a register.
func (p *parser) toAnyRegisterOrUpvalue(fs *funcScope, e exprDesc) (exprDesc, error) {
	if e.kind == expressionKindUpvalue && !e.hasJumps() {
		return e, nil
	}
	e, _, err := p.toAnyRegister(fs, e)
	return e, err
}

// toAnyRegister settles e into whichever register is cheapest to reach,
// returning [expressionKindNonRelocatable] on success. If e is already
// sitting in a register with no outstanding jumps, that register is reused
// as-is. A register already holding jumps can only be reused in place if it
// isn't a local's register (overwriting a local's slot to carry a jump's
// boolean result would corrupt the variable), so locals fall through to
// toNextRegister instead.
func (p *parser) toAnyRegister(fs *funcScope, e exprDesc) (exprDesc, regIndex, error) {
	e = p.dischargeVars(fs, e)
	if e.kind == expressionKindNonRelocatable {
		if !e.hasJumps() {
			return e, e.register(), nil
		}
		if e.register() >= p.numVariablesInStack(fs) {
			e, err := p.toRegister(fs, e, e.register())
			if err != nil {
				return e, noRegister, err
			}
			return e, e.register(), nil
		}
	}
	return p.toNextRegister(fs, e)
}

// toNextRegister reserves a fresh register and settles e into it, returning
// [expressionKindNonRelocatable] on success. Unlike [*parser.toAnyRegister],
// this never reuses e's existing register, which matters when the caller
// needs the result to occupy a specific, newly allocated slot (e.g. building
// up an argument list where each expression needs its own register in
// order).
func (p *parser) toNextRegister(fs *funcScope, e exprDesc) (exprDesc, regIndex, error) {
	e = p.dischargeVars(fs, e)
	p.freeExpression(fs, e)
	reg, err := fs.reserveRegister()
	if err != nil {
		return e, noRegister, err
	}
	e, err = p.toRegister(fs, e, reg)
	return e, reg, err
}

// toRegister settles e into reg and then reconciles any jump lists attached
// to e so that every path that reaches this point leaves reg holding the
// same value. A bare comparison/test expression's jump is folded into its
// true-list rather than patched here directly; any jump list that still
// needs an explicit boolean (because it doesn't already flow through an
// OpTestSet) gets a short OpLFalseSkip/OpLoadTrue pair appended after the
// main code, with the false/true lists patched to jump into whichever half
// applies.
func (p *parser) toRegister(fs *funcScope, e exprDesc, reg regIndex) (exprDesc, error) {
	e = p.dischargeToRegister(fs, e, reg)

	if e.kind == expressionKindJump {
		// Expression is a test, so put this jump in 't' list.
		var err error
		e.t, err = fs.concatJumpList(e.t, e.pc())
		if err != nil {
			return e, err
		}
	}

	if e.hasJumps() {
		needValue := func(list int) bool {
			for ; list != noJump; list, _ = fs.jumpDestination(list) {
				i := fs.findJumpControl(list)
				if i.OpCode() != OpTestSet {
					return true
				}
			}
			return false
		}

		positionLoadFalse := noJump
		positionLoadTrue := noJump
		if needValue(e.t) || needValue(e.f) {
			fj := noJump
			if e.kind != expressionKindJump {
				fj = p.codeJump(fs)
			}
			fs.label()
			positionLoadFalse = p.code(fs, ABCInstruction(OpLFalseSkip, uint8(reg), 0, 0, false))
			fs.label()
			positionLoadTrue = p.code(fs, ABCInstruction(OpLoadTrue, uint8(reg), 0, 0, false))
			// Jump around these booleans if e is not a test.
			if err := fs.patchToHere(fj); err != nil {
				return e, err
			}
		}

		final := fs.label()
		if err := fs.patchList(e.f, final, reg, positionLoadFalse); err != nil {
			return e, err
		}
		if err := fs.patchList(e.t, final, reg, positionLoadTrue); err != nil {
			return e, err
		}
	}

	// We've removed jumps, so no jump lists.
	return nonRelocatableExpression(reg), nil
}

// dischargeToAnyRegister is the register-allocating half of settling an
// expression: anything other than [expressionKindNonRelocatable] gets a
// freshly reserved register and is routed through
// [*parser.dischargeToRegister]; an already-resident value is left where it
// is. Any jump lists on e survive the call.
func (p *parser) dischargeToAnyRegister(fs *funcScope, e exprDesc) (exprDesc, error) {
	if e.kind == expressionKindNonRelocatable {
		return e, nil
	}
	reg, err := fs.reserveRegister()
	if err != nil {
		return e, err
	}
	return p.dischargeToRegister(fs, e, reg), nil
}

// dischargeToRegister emits whatever instruction is needed to land e's value
// in reg, one case per expression kind: nil/true/false/constants each get
// their dedicated load instruction, a relocatable expression has its pending
// instruction's A argument patched to reg rather than emitting anything new,
// and a non-relocatable expression already elsewhere gets an explicit
// OpMove. A jump expression is passed through untouched, since it has no
// value of its own to discharge yet. Jump lists on e carry over to the
// result either way.
func (p *parser) dischargeToRegister(fs *funcScope, e exprDesc, reg regIndex) exprDesc {
	e = p.dischargeVars(fs, e)
	switch e.kind {
	case expressionKindNil:
		p.codeNil(fs, reg, 1)
	case expressionKindFalse:
		p.code(fs, ABCInstruction(OpLoadFalse, uint8(reg), 0, 0, false))
	case expressionKindTrue:
		p.code(fs, ABCInstruction(OpLoadTrue, uint8(reg), 0, 0, false))
	case expressionKindStringConstant:
		e = p.stringToConstantTable(fs, e)
		fallthrough
	case expressionKindConstant:
		p.codeConstant(fs, reg, e.constantIndex())
	case expressionKindFloatConstant:
		f, _ := e.floatConstant()
		p.codeFloat(fs, reg, f)
	case expressionKindIntConstant:
		i, _ := e.intConstant()
		p.codeInt(fs, reg, i)
	case expressionKindRelocatable:
		newInstruction, ok := fs.Code[e.pc()].WithArgA(uint8(reg))
		if !ok {
			panic("reloc points to an instruction without A argument")
		}
		fs.Code[e.pc()] = newInstruction
	case expressionKindNonRelocatable:
		if ereg := e.register(); reg != ereg {
			p.code(fs, ABCInstruction(OpMove, uint8(reg), uint8(ereg), 0, false))
		}
	case expressionKindJump:
		return e
	default:
		panic("unhandled expression kind")
	}
	return nonRelocatableExpression(reg).withJumpLists(e)
}

// dischargeVars resolves any expression that names a variable into the
// instruction or register that actually reads it: a <const> local becomes
// its known constant, a plain local becomes a non-relocatable register
// reference, and upvalues and indexing expressions each emit the
// appropriate Get instruction as a relocatable result. Everything else
// passes through unchanged. Jump lists on e carry over to the result.
func (p *parser) dischargeVars(fs *funcScope, e exprDesc) exprDesc {
	switch e.kind {
	case expressionKindConstLocal:
		k := p.activeVariables[e.constLocalIndex()].k
		return constantToExpression(k).withJumpLists(e)
	case expressionKindLocal:
		// Already in register? Becomes a non-relocatable value.
		return nonRelocatableExpression(e.register()).withJumpLists(e)
	case expressionKindUpvalue:
		// Move value to some (pending) register.
		addr := p.code(fs, ABCInstruction(OpGetUpval, 0, uint8(e.upvalIndex()), 0, false))
		return relocatableExpression(addr).withJumpLists(e)
	case expressionKindIndexUpvalue:
		addr := p.code(fs, ABCInstruction(OpGetTabUp, 0, uint8(e.tableUpvalue()), uint8(e.constantIndex()), false))
		return relocatableExpression(addr).withJumpLists(e)
	case expressionKindIndexInt:
		p.freeRegister(fs, e.tableRegister())
		addr := p.code(fs, ABCInstruction(OpGetI, 0, uint8(e.tableRegister()), uint8(e.indexInt()), false))
		return relocatableExpression(addr).withJumpLists(e)
	case expressionKindIndexString:
		p.freeRegister(fs, e.tableRegister())
		addr := p.code(fs, ABCInstruction(OpGetField, 0, uint8(e.tableRegister()), uint8(e.constantIndex()), false))
		return relocatableExpression(addr).withJumpLists(e)
	case expressionKindIndexed:
		p.freeRegisters(fs, e.tableRegister(), e.indexRegister())
		addr := p.code(fs, ABCInstruction(OpGetTable, 0, uint8(e.tableRegister()), uint8(e.indexRegister()), false))
		return relocatableExpression(addr).withJumpLists(e)
	}
	if e.kind == expressionKindVararg || e.kind == expressionKindCall {
		return p.setOneReturn(fs, e)
	}
	// There is one value available (somewhere).
	return e
}

// MultiReturn is the sentinel
// that indicates that an arbitrary number of result values are accepted.
const MultiReturn = -1

// setReturns patches e's call or vararg instruction to produce exactly
// nResults values (or [MultiReturn] worth, encoded as C=0), failing if e
// isn't one of those two multi-result expression kinds. A patched vararg
// also reserves the register its first result will land in, since unlike a
// call it doesn't already occupy one.
func (p *parser) setReturns(fs *funcScope, e exprDesc, nResults int) error {
	c := nResults + 1
	if !(0 <= c && c <= maxArgC) {
		return fmt.Errorf("internal error: number of results (%d) out of range for setReturns", nResults)
	}
	switch e.kind {
	case expressionKindCall:
		i := fs.Code[e.pc()]
		fs.Code[e.pc()] = ABCInstruction(
			i.OpCode(),
			i.ArgA(),
			i.ArgB(),
			uint8(c),
			i.K(),
		)
	case expressionKindVararg:
		i := fs.Code[e.pc()]
		fs.Code[e.pc()] = ABCInstruction(
			i.OpCode(),
			uint8(fs.firstFreeRegister),
			i.ArgB(),
			uint8(c),
			i.K(),
		)
		if err := fs.reserveRegisters(1); err != nil {
			return err
		}
	default:
		return fmt.Errorf("setReturns on %v", e.kind)
	}
	return nil
}

// setOneReturn narrows a call or vararg expression down to its first result.
// Calls are already coded to return one value by default, so a call
// expression just becomes a non-relocatable reference to its base register;
// a vararg's instruction gets its C argument set to 2 (one result) and
// becomes relocatable, since OpVararg is free to choose where that one
// result goes. Anything else passes through unchanged, already being
// single-valued.
func (p *parser) setOneReturn(fs *funcScope, e exprDesc) exprDesc {
	switch e.kind {
	case expressionKindCall:
		i := fs.Code[e.pc()]
		return nonRelocatableExpression(regIndex(i.ArgA())).withJumpLists(e)
	case expressionKindVararg:
		pc := e.pc()
		i := fs.Code[pc]
		fs.Code[pc] = ABCInstruction(i.OpCode(), i.ArgA(), i.ArgB(), 2, i.K())
		return relocatableExpression(pc).withJumpLists(e)
	default:
		return e
	}
}

// freeExpression releases e's register back to the pool if e occupies one of
// its own (a non-relocatable expression); other expression kinds either
// don't hold a register or hold a local's, which this leaves alone.
func (p *parser) freeExpression(fs *funcScope, e exprDesc) {
	if e.kind == expressionKindNonRelocatable {
		p.freeRegister(fs, e.register())
	}
}

// freeExpressions releases whichever of e1 and e2 hold their own registers.
// When both do, [*parser.freeRegisters] is used instead of two separate
// calls so they come back in descending order, matching the stack
// discipline the allocator expects.
func (p *parser) freeExpressions(fs *funcScope, e1, e2 exprDesc) {
	switch {
	case e1.kind == expressionKindNonRelocatable && e2.kind == expressionKindNonRelocatable:
		p.freeRegisters(fs, e1.register(), e2.register())
	case e1.kind == expressionKindNonRelocatable:
		p.freeRegister(fs, e1.register())
	case e2.kind == expressionKindNonRelocatable:
		p.freeRegister(fs, e2.register())
	}
}

// freeRegister pops reg back onto the free-register stack, provided it's an
// allocated temporary rather than a local's slot. Registers must be freed in
// the reverse order they were reserved; the panic catches a caller that
// violates that stack discipline rather than silently corrupting the
// allocator's bookkeeping.
func (p *parser) freeRegister(fs *funcScope, reg regIndex) {
	if reg >= p.numVariablesInStack(fs) {
		fs.firstFreeRegister--
		if reg != fs.firstFreeRegister {
			panic("freereg should be called on fs.firstFreeRegister+1")
		}
	}
}

// freeRegisters frees two registers in descending order, since
// [*parser.freeRegister] requires registers to come back in the reverse
// order they were reserved.
func (p *parser) freeRegisters(fs *funcScope, reg1, reg2 regIndex) {
	p.freeRegister(fs, max(reg1, reg2))
	p.freeRegister(fs, min(reg1, reg2))
}

// toConstant extracts e's compile-time value without touching fs's constant
// table, returning isConstant false for anything with jumps or without a
// known value at compile time. A <const> local resolves to the value it was
// initialized with.
func (p *parser) toConstant(e exprDesc) (_ Value, isConstant bool) {
	if e.hasJumps() {
		return Value{}, false
	}
	if e.kind == expressionKindConstLocal {
		return p.activeVariables[e.constLocalIndex()].k, true
	}
	return e.toValue()
}

// stringToConstantTable moves an inline string literal into fs's constant
// table, a step string literals need before they can participate in R/K
// indexing like any other constant.
func (p *parser) stringToConstantTable(fs *funcScope, e exprDesc) exprDesc {
	s, ok := e.stringConstant()
	if !ok {
		panic("stringToConstant must be called on expressionKindStringConstant")
	}
	k := fs.addConstant(StringValue(s))
	return constantTableExpression(k).withJumpLists(e)
}

// newTableInstructions builds the OpNewTable/ExtraArgument pair that
// allocates a table sized for arraySize array slots and hashSize hash
// slots. The hash size is rounded up to the next power of two and stored as
// its log2 plus one (0 means no hash part); the array size splits across the
// C argument and, when it overflows that field, an extra-argument word
// flagged by the instruction's k bit.
func newTableInstructions(ra regIndex, arraySize, hashSize int) [2]Instruction {
	var rb uint8
	if hashSize != 0 {
		rb = ceilLog2(uint(hashSize)) + 1
	}
	extra := uint32(arraySize / (maxArgC + 1))
	rc := uint8(arraySize % (maxArgC + 1))
	return [2]Instruction{
		ABCInstruction(OpNewTable, uint8(ra), rb, rc, extra > 0),
		ExtraArgument(extra),
	}
}

// ceilLog2 computes ceil(log2(x)).
func ceilLog2(x uint) uint8 {
	var l uint8
	x--
	for x >= 256 {
		l += 8
		x >>= 8
	}
	return l + log2Table[x]
}

// log2Table is a lookup table where log2Table[i] = ceil(log2(i + 1)).
var log2Table = [...]uint8{
	0, 1, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4, 4, 4, 4, 4, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5,
	6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6, 6,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
	8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
}
