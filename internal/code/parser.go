// Copyright (C) 1994-2024 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package code

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"luaforge.dev/lua/internal/lex"
)

// envName is the name of the implicit first upvalue of every main chunk.
//
// Equivalent to `LUA_ENV` in upstream Lua.
const envName = "_ENV"

// depthLimit is the maximum recursion depth for syntax constructs.
//
// Equivalent to `LUAI_MAXCCALLS` in upstream Lua.
const depthLimit = 200

var errDepthExceeded = errors.New("recursion depth exceeded")

// minStackSize is the initial stack size for any function.
// Registers zero and one are always valid.
const minStackSize = 2

// Parse converts a Lua source file into virtual machine bytecode.
func Parse(name Source, r io.ByteScanner) (*Prototype, error) {
	p := &parser{
		ls:       lex.NewScanner(r),
		lastLine: 1,
	}

	fs := p.openFunction(nil, &Prototype{
		Source:       name,
		MaxStackSize: minStackSize,
		Upvalues: []UpvalueDescriptor{
			{
				Name:    envName,
				InStack: true,
				Index:   0,
				Kind:    RegularVariable,
			},
		},
	})
	// Main function is always declared vararg.
	p.setVariadic(fs, 0)

	p.advance()
	if err := p.block(fs); err != nil {
		return nil, err
	}
	if p.curr.Kind != lex.ErrorToken {
		return nil, syntaxError(name, p.curr, "<eof> expected")
	}
	if p.err != nil && p.err != io.EOF {
		return nil, p.err
	}
	if err := p.closeFunction(fs); err != nil {
		return nil, err
	}

	return fs.Prototype, nil
}

// parser holds everything [Parse] needs to thread through the recursive
// descent: the token stream, the stack of locals and gotos shared across
// every nested function being compiled, and the recursion counter that
// guards against runaway nesting. Lexical analysis itself lives in
// [lex.Scanner]; parser only consumes tokens from it.
type parser struct {
	ls   *lex.Scanner
	curr lex.Token
	err  error
	next lex.Token
	// lastLine is the line number of the previous token.
	lastLine int

	depth int

	activeVariables []localVarInfo
	pendingGotos    []gotoLabel
	labels          []gotoLabel
}

// advance consumes the current token and pulls the next one into p.curr,
// preferring a token already buffered by [parser.peek] over scanning fresh.
func (p *parser) advance() {
	if p.next.Kind != lex.ErrorToken {
		p.lastLine = max(p.curr.Position.Line, 1)
		p.curr = p.next
		p.next = lex.Token{}
		return
	}

	if p.err == nil {
		p.lastLine = max(p.curr.Position.Line, 1)
		p.curr, p.err = p.ls.Scan()
	}
}

// peek scans one token ahead and caches it in p.next so a later [parser.advance]
// can pick it up without rescanning. Used by the handful of productions that
// can't decide how to parse the current token without knowing what follows it.
func (p *parser) peek() lex.Token {
	if p.next.Kind == lex.ErrorToken {
		p.next, p.err = p.ls.Scan()
	}
	return p.next
}

// functionBody parses a "funcbody" production.
// The closure value will be placed in the next available register.
//
//	funcbody ::= ‘(’ [parlist] ‘)’ block end
//
// It opens a nested [funcScope], parses the parameter list and body against
// it, then closes it and emits an OpClosure in the enclosing function that
// captures the finished prototype.
func (p *parser) functionBody(parent *funcScope, isMethod bool, funcStart lex.Position) (exprDesc, error) {
	fs := p.openFunction(parent, &Prototype{
		Source:      parent.Source,
		LineDefined: funcStart.Line,
	})

	paramStart := p.curr.Position
	if p.curr.Kind != lex.LParenToken {
		return voidExpression(), syntaxError(fs.Source, p.curr, "'(' expected")
	}
	p.advance()
	if isMethod {
		if _, err := p.newLocalVariable(fs, "self"); err != nil {
			return voidExpression(), err
		}
		p.adjustLocalVariables(fs, 1)
	}
	if err := p.parameterList(fs); err != nil {
		return voidExpression(), err
	}
	if err := p.checkMatch(fs, paramStart, lex.LParenToken, lex.RParenToken); err != nil {
		return voidExpression(), err
	}

	if err := p.block(fs); err != nil {
		return voidExpression(), err
	}
	fs.LastLineDefined = p.curr.Position.Line

	if err := p.checkMatch(fs, funcStart, lex.FunctionToken, lex.EndToken); err != nil {
		return voidExpression(), err
	}
	pc := p.code(parent, ABxInstruction(OpClosure, 0, int32(len(parent.Functions)-1)))
	closure, _, err := p.toNextRegister(parent, relocatableExpression(pc))
	if err != nil {
		return voidExpression(), err
	}
	if err := p.closeFunction(fs); err != nil {
		return voidExpression(), err
	}

	return closure, nil
}

// openFunction wraps a freshly allocated [Prototype] in a [funcScope] chained
// to prev, registers it as a child of prev in the enclosing function's
// Functions list, and enters the function's outermost block.
func (p *parser) openFunction(prev *funcScope, f *Prototype) *funcScope {
	fs := &funcScope{
		prev:      prev,
		Prototype: f,

		previousLine: f.LineDefined,
		firstLocal:   len(p.activeVariables),
		firstLabel:   len(p.labels),
	}
	if prev != nil {
		prev.Functions = append(prev.Functions, f)
	}
	p.enterBlock(fs, false)
	return fs
}

// enterBlock pushes a new [blockScope] onto fs, snapshotting the active
// variable count and goto/label list lengths so [parser.leaveBlock] can tell
// what the block introduced once it closes.
func (p *parser) enterBlock(fs *funcScope, isLoop bool) *blockScope {
	bl := &blockScope{
		isLoop:             isLoop,
		numActiveVariables: fs.numActiveVariables,
		firstLabel:         len(p.labels),
		firstGoto:          len(p.pendingGotos),
		upval:              false,
		insideTBC:          fs.blocks != nil && fs.blocks.insideTBC,
		prev:               fs.blocks,
	}
	fs.blocks = bl
	return bl
}

// closeFunction emits the implicit final return, closes the function's
// outermost block, and runs [funcScope.finish] to settle the prototype's
// constant and line-info tables before it can be handed to a caller.
func (p *parser) closeFunction(fs *funcScope) error {
	p.codeReturn(fs, p.numVariablesInStack(fs), 0)
	if err := p.leaveBlock(fs); err != nil {
		return err
	}
	if err := fs.finish(); err != nil {
		return err
	}
	// TODO(maybe): Clip arrays?
	return nil
}

// leaveBlock pops fs's innermost [blockScope], discarding the locals it
// declared and resolving any pending gotos that targeted labels inside it.
// A loop block also patches its break jumps to land just past the loop.
func (p *parser) leaveBlock(fs *funcScope) error {
	bl := fs.blocks
	// Get the level outside the block.
	stackLevel := p.registerLevel(fs, int(bl.numActiveVariables))
	// Remove block locals.
	p.removeVariables(fs, int(bl.numActiveVariables))
	hasClose := false
	if bl.isLoop {
		// Has to fix pending breaks.
		var err error
		hasClose, err = p.createLabel(fs, "break", 0, false)
		if err != nil {
			return err
		}
	}
	if !hasClose && bl.prev != nil && bl.upval {
		// Still needs a close.
		p.code(fs, ABCInstruction(OpClose, uint8(stackLevel), 0, 0, false))
	}
	fs.firstFreeRegister = stackLevel
	p.labels = slices.Delete(p.labels, bl.firstLabel, len(p.labels))
	fs.blocks = bl.prev
	if bl.prev != nil {
		// Nested block: updating pending gotos to enclosing block.
		p.moveGotosOut(fs, bl)
	} else if bl.firstGoto < len(p.pendingGotos) {
		// There are still pending gotos.
		gt := p.pendingGotos[bl.firstGoto]
		var msg string
		if gt.name == "break" {
			msg = fmt.Sprintf("break outside loop at %v", gt.position)
		} else {
			msg = fmt.Sprintf("no visible label '%s' for <goto> at %v", gt.name, gt.position)
		}
		return syntaxError(fs.Source, lex.Token{Position: p.curr.Position}, msg)
	}
	return nil
}

// moveGotosOut reattaches bl's still-unresolved gotos to the block
// enclosing bl, marking them as needing an OpClose if they cross out of
// bl's variable scope into one with open upvalues.
func (p *parser) moveGotosOut(fs *funcScope, bl *blockScope) {
	for i := bl.firstGoto; i < len(p.pendingGotos); i++ {
		gt := &p.pendingGotos[i]
		if p.registerLevel(fs, int(gt.numActiveVariables)) > p.registerLevel(fs, int(bl.numActiveVariables)) {
			// If we're leaving a variable scope, the jump may need a close.
			gt.close = gt.close || bl.upval
		}
		gt.numActiveVariables = bl.numActiveVariables
	}
}

// block parses a block production.
//
//	block ::= {stat} [retstat]
//
// It stops at the first token that cannot start another statement, or as
// soon as it hits a return, since a return can only appear last in a block.
func (p *parser) block(fs *funcScope) error {
	for !isBlockFollow(p.curr.Kind) && p.curr.Kind != lex.UntilToken {
		if p.curr.Kind == lex.ReturnToken {
			return p.statement(fs)
		}
		if err := p.statement(fs); err != nil {
			return err
		}
	}
	return nil
}

// statement dispatches on the current token to parse a single statement,
// then resets fs's free-register watermark back down to the last active
// variable so temporaries used while compiling the statement don't linger.
// The depth counter here is what ultimately enforces [depthLimit] against
// pathologically nested input.
func (p *parser) statement(fs *funcScope) error {
	p.depth++
	if p.depth > depthLimit {
		return errDepthExceeded
	}
	defer func() {
		p.depth--
	}()

	switch p.curr.Kind {
	case lex.SemiToken:
		p.advance()
	case lex.IfToken:
		if err := p.ifStatement(fs); err != nil {
			return err
		}
	case lex.WhileToken:
		if err := p.whileStatement(fs); err != nil {
			return err
		}
	case lex.DoToken:
		start := p.curr.Position
		p.advance()
		p.enterBlock(fs, false)
		if err := p.block(fs); err != nil {
			return err
		}
		if err := p.leaveBlock(fs); err != nil {
			return err
		}
		if err := p.checkMatch(fs, start, lex.DoToken, lex.EndToken); err != nil {
			return err
		}
	case lex.ForToken:
		if err := p.forStatement(fs); err != nil {
			return err
		}
	case lex.RepeatToken:
		if err := p.repeatStatement(fs); err != nil {
			return err
		}
	case lex.FunctionToken:
		if err := p.functionStatement(fs); err != nil {
			return err
		}
	case lex.LocalToken:
		p.advance()
		if p.curr.Kind == lex.FunctionToken {
			if err := p.localFunction(fs); err != nil {
				return err
			}
		} else {
			if err := p.localStatement(fs); err != nil {
				return err
			}
		}
	case lex.ReturnToken:
		p.advance()
		if err := p.returnStatement(fs); err != nil {
			return err
		}
	default:
		if err := p.exprStatement(fs); err != nil {
			return err
		}
	}

	// Free any temporary registers used in the statement.
	numVariablesInStack := p.numVariablesInStack(fs)
	if fs.firstFreeRegister > regIndex(fs.MaxStackSize) {
		return fmt.Errorf("internal error: after statement: first free register (%d) is greater than high watermark (%d)",
			fs.firstFreeRegister, fs.MaxStackSize)
	}
	if fs.firstFreeRegister < numVariablesInStack {
		return fmt.Errorf("internal error: after statement: first free register (%d) is less than variable stack (%d)",
			fs.firstFreeRegister, numVariablesInStack)
	}
	fs.firstFreeRegister = numVariablesInStack

	return nil
}

// ifStatement parses an "if" statement.
//
//	stmt ::= if exp then block {elseif exp then block} [else block] end | /* ... */
//
// Each clause's false branch jumps to the next elseif/else; the true
// branches all accumulate into escapeList, a jump chain patched to the
// statement's end once every clause has been parsed.
func (p *parser) ifStatement(fs *funcScope) error {
	start := p.curr.Position

	escapeList := noJump
	var err error
	escapeList, err = p.testThenBlock(fs, escapeList)
	if err != nil {
		return err
	}
	for p.curr.Kind == lex.ElseifToken {
		escapeList, err = p.testThenBlock(fs, escapeList)
		if err != nil {
			return err
		}
	}
	if p.curr.Kind == lex.ElseToken {
		p.advance()
		p.enterBlock(fs, false)
		if err := p.block(fs); err != nil {
			return err
		}
		if err := p.leaveBlock(fs); err != nil {
			return err
		}
	}
	if err := p.checkMatch(fs, start, lex.IfToken, lex.EndToken); err != nil {
		return err
	}
	// Patch escape list to statement end.
	if err := fs.patchToHere(escapeList); err != nil {
		return err
	}

	return nil
}

// testThenBlock parses one "if"/"elseif" condition and its "then" block.
// A body that is just a bare "break" is special-cased to compile the
// condition inverted and jump straight out of the loop, skipping the
// block machinery entirely.
func (p *parser) testThenBlock(fs *funcScope, escapeList int) (newEscapeList int, err error) {
	p.advance()
	condition, err := p.expression(fs)
	if err != nil {
		return escapeList, err
	}
	if p.curr.Kind != lex.ThenToken {
		return escapeList, syntaxError(fs.Source, p.curr, "'then' expected")
	}
	p.advance()

	var jf int
	if p.curr.Kind == lex.BreakToken {
		// Special case for body that only contains "break".
		start := p.curr.Position
		var err error
		condition, err = p.codeGoIfFalse(fs, condition)
		if err != nil {
			return escapeList, err
		}
		p.advance()
		// Must enter block before goto.
		p.enterBlock(fs, false)
		p.pendingGotos = append(p.pendingGotos, gotoLabel{
			name:               "break",
			position:           start,
			numActiveVariables: fs.numActiveVariables,
			pc:                 len(fs.Code),
		})
		for p.curr.Kind == lex.SemiToken {
			p.advance()
		}
		if isBlockFollow(p.curr.Kind) {
			err := p.leaveBlock(fs)
			return escapeList, err
		}
		// Must skip over "then" part if condition is false.
		jf = p.codeJump(fs)
	} else {
		var err error
		condition, err = p.codeGoIfTrue(fs, condition)
		if err != nil {
			return escapeList, err
		}
		p.enterBlock(fs, false)
		jf = condition.f
	}

	if err := p.block(fs); err != nil {
		return escapeList, err
	}
	if err := p.leaveBlock(fs); err != nil {
		return escapeList, err
	}
	if k := p.curr.Kind; k == lex.ElseToken || k == lex.ElseifToken {
		// Must jump over it.
		var err error
		escapeList, err = fs.concatJumpList(escapeList, p.codeJump(fs))
		if err != nil {
			return escapeList, err
		}
	}

	if err := fs.patchToHere(jf); err != nil {
		return escapeList, err
	}

	return escapeList, nil
}

// whileStatement parses a "while" statement.
//
//	stmt ::= while exp do block end | /* ... */
//
// The loop body jumps back to the condition test on completion, and the
// condition's false branch is patched to land right after the loop.
func (p *parser) whileStatement(fs *funcScope) error {
	start := p.curr.Position
	p.advance()

	whileInit := fs.label()
	exitCondition, err := p.loopCondition(fs)
	if err != nil {
		return err
	}
	p.enterBlock(fs, true)
	if p.curr.Kind != lex.DoToken {
		return syntaxError(fs.Source, p.curr, "'do' expected")
	}
	p.advance()

	p.enterBlock(fs, false)
	if err := p.block(fs); err != nil {
		return err
	}
	if err := p.leaveBlock(fs); err != nil {
		return err
	}

	if err := fs.patchList(p.codeJump(fs), whileInit, noRegister, whileInit); err != nil {
		return err
	}
	if err := p.checkMatch(fs, start, lex.WhileToken, lex.EndToken); err != nil {
		return err
	}
	if err := p.leaveBlock(fs); err != nil {
		return err
	}
	// False conditions finish the loop.
	if err := fs.patchToHere(exitCondition); err != nil {
		return err
	}

	return nil
}

// repeatStatement parses a "repeat" statement.
//
//	stmt ::= repeat block until exp | /* ... */
//
// Unlike while, the until condition can see locals declared in the body,
// so it's parsed inside the body's block before that block closes. If the
// body captured any of those locals as upvalues, an extra OpClose has to
// run on the normal exit path before the loop can actually leave.
func (p *parser) repeatStatement(fs *funcScope) error {
	start := p.curr.Position
	p.advance()

	repeatInit := fs.label()
	p.enterBlock(fs, true) // loop block
	scopeBlock := p.enterBlock(fs, false)
	if err := p.block(fs); err != nil {
		return err
	}
	if err := p.checkMatch(fs, start, lex.RepeatToken, lex.UntilToken); err != nil {
		return err
	}
	exitCondition, err := p.loopCondition(fs)
	if err != nil {
		return err
	}

	// Finish scope.
	if err := p.leaveBlock(fs); err != nil {
		return err
	}
	if scopeBlock.upval {
		exit := p.codeJump(fs)
		// Normal exit must jump over fix.
		if err := fs.patchToHere(exitCondition); err != nil {
			return err
		}
		// Repetition must close upvalues.
		p.code(fs, ABCInstruction(OpClose, uint8(p.registerLevel(fs, int(scopeBlock.numActiveVariables))), 0, 0, false))
		// Repeat after closing upvalues.
		exitCondition = p.codeJump(fs)
		// Normal exit comes to here.
		if err := fs.patchToHere(exit); err != nil {
			return err
		}
	}

	// Close the loop.
	if err := fs.patchList(exitCondition, repeatInit, noRegister, repeatInit); err != nil {
		return err
	}
	if err := p.leaveBlock(fs); err != nil {
		return err
	}

	return nil
}

// loopCondition parses the boolean expression guarding a while or repeat
// loop and returns the jump list to take when it evaluates false. A
// literal nil condition is treated the same as literal false.
func (p *parser) loopCondition(fs *funcScope) (int, error) {
	v, err := p.expression(fs)
	if err != nil {
		return noJump, err
	}
	if v.kind == expressionKindNil {
		// Falses are all equal here.
		v = constantToExpression(BoolValue(false)).withJumpLists(v)
	}
	v, err = p.codeGoIfTrue(fs, v)
	if err != nil {
		return noJump, err
	}
	return v.f, nil
}

// forStatement parses a "for" statement.
//
//	stmt ::= for Name ‘=’ exp ‘,’ exp [‘,’ exp] do block end |
//	         for namelist in explist do block end | /* ... */
//
// The token after the first name decides which form it is: '=' means a
// numeric for, ',' or 'in' means a generic for over an iterator.
func (p *parser) forStatement(fs *funcScope) error {
	if p.curr.Kind != lex.ForToken {
		return syntaxError(fs.Source, p.curr, "'for' expected")
	}
	start := p.curr.Position
	p.advance()

	p.enterBlock(fs, true) // Scope for loop and control variables.
	varName, err := p.name(fs)
	if err != nil {
		return err
	}
	switch p.curr.Kind {
	case lex.AssignToken:
		if err := p.forNumberStatement(fs, varName, start); err != nil {
			return err
		}
	case lex.CommaToken, lex.InToken:
		if err := p.forListStatement(fs, varName); err != nil {
			return err
		}
	default:
		return syntaxError(fs.Source, p.curr, "'=' or 'in' expected")
	}
	if err := p.checkMatch(fs, start, lex.ForToken, lex.EndToken); err != nil {
		return err
	}
	if err := p.leaveBlock(fs); err != nil {
		return err
	}
	return nil
}

// forNumberStatement parses the following production:
//
//	‘=’ exp ‘,’ exp [‘,’ exp] do block
//
// Evaluates initial, limit, and step (defaulting step to 1) into three
// hidden control registers ahead of the visible loop variable, then hands
// off to [parser.forBody] to emit the actual loop instructions.
func (p *parser) forNumberStatement(fs *funcScope, variableName string, start lex.Position) error {
	base := fs.firstFreeRegister
	for range 3 {
		if _, err := p.newLocalVariable(fs, "(for state)"); err != nil {
			return err
		}
	}
	if _, err := p.newLocalVariable(fs, variableName); err != nil {
		return err
	}

	// Parse initial value.
	if p.curr.Kind != lex.AssignToken {
		return syntaxError(fs.Source, p.curr, "'=' expected")
	}
	p.advance()
	e, err := p.expression(fs)
	if err != nil {
		return err
	}
	if _, _, err := p.toNextRegister(fs, e); err != nil {
		return err
	}

	// Parse limit.
	if p.curr.Kind != lex.CommaToken {
		return syntaxError(fs.Source, p.curr, "',' expected")
	}
	p.advance()
	e, err = p.expression(fs)
	if err != nil {
		return err
	}
	if _, _, err := p.toNextRegister(fs, e); err != nil {
		return err
	}

	// Parse optional step.
	if p.curr.Kind == lex.CommaToken {
		p.advance()
		e, err := p.expression(fs)
		if err != nil {
			return err
		}
		if _, _, err := p.toNextRegister(fs, e); err != nil {
			return err
		}
	} else {
		// Default step = 1.
		reg, err := fs.reserveRegister()
		if err != nil {
			return err
		}
		p.codeInt(fs, reg, 1)
	}

	// Control variables.
	p.adjustLocalVariables(fs, 3)

	return p.forBody(fs, base, start, 1, false)
}

// forListStatement parses a "for" statement of the following form:
//
//	namelist in explist do block
//
// The iterator, invariant state, and initial control value from explist
// fill three hidden registers, plus a fourth reserved for a to-be-closed
// value, ahead of the loop's visible variables.
func (p *parser) forListStatement(fs *funcScope, indexName string) error {
	const numControlVariables = 4

	numVariables := numControlVariables + 1
	base := fs.firstFreeRegister
	for range numControlVariables {
		if _, err := p.newLocalVariable(fs, "(for state)"); err != nil {
			return err
		}
	}

	// Declared variables.
	if _, err := p.newLocalVariable(fs, indexName); err != nil {
		return err
	}
	for p.curr.Kind == lex.CommaToken {
		p.advance()
		name, err := p.name(fs)
		if err != nil {
			return err
		}
		if _, err := p.newLocalVariable(fs, name); err != nil {
			return err
		}
		numVariables++
	}

	if p.curr.Kind != lex.InToken {
		return syntaxError(fs.Source, p.curr, "'in' expected")
	}
	start := p.curr.Position
	p.advance()

	numExpressions, lastExpression, err := p.expressionList(fs)
	if err != nil {
		return err
	}

	// Control variables.
	if err := p.adjustAssignment(fs, numControlVariables, numExpressions, lastExpression); err != nil {
		return err
	}
	p.adjustLocalVariables(fs, numControlVariables)
	// Last control variable must be closed.
	fs.markToBeClosed()

	// Ensure there is space to call the generator.
	if err := fs.checkStack(numControlVariables - 1); err != nil {
		return err
	}

	return p.forBody(fs, base, start, numVariables-numControlVariables, true)
}

// forBody emits the OpForPrep/OpForLoop pair (or their OpTForPrep/
// OpTForLoop counterparts for a generic for) bracketing the loop body,
// with base pointing at the first of the loop's hidden control registers.
func (p *parser) forBody(fs *funcScope, base regIndex, start lex.Position, numVariables int, isGeneric bool) error {
	forPrep, forLoop := OpForPrep, OpForLoop
	if isGeneric {
		forPrep, forLoop = OpTForPrep, OpTForLoop
	}

	if p.curr.Kind != lex.DoToken {
		return syntaxError(fs.Source, p.curr, "'do' expected")
	}
	p.advance()
	prep := p.code(fs, ABxInstruction(forPrep, uint8(base), 0))

	p.enterBlock(fs, false) // Scope for declared variables.
	p.adjustLocalVariables(fs, numVariables)
	if err := fs.reserveRegisters(numVariables); err != nil {
		return err
	}
	p.enterBlock(fs, false)
	if err := p.block(fs); err != nil {
		return err
	}
	if err := p.leaveBlock(fs); err != nil {
		return err
	}
	// End of scope for declared variables.
	if err := p.leaveBlock(fs); err != nil {
		return err
	}

	if err := p.fixForBodyJump(fs, prep, fs.label(), false); err != nil {
		return err
	}
	if isGeneric {
		p.code(fs, ABCInstruction(OpTForCall, uint8(base), 0, uint8(numVariables), false))
		fs.fixLineInfo(start.Line)
	}
	endFor := p.code(fs, ABxInstruction(forLoop, uint8(base), 0))
	if err := p.fixForBodyJump(fs, endFor, prep+1, true); err != nil {
		return err
	}
	fs.fixLineInfo(start.Line)

	return nil
}

// fixForBodyJump sets the offset of the "for" loop instruction
// (i.e. [OpForPrep], [OpForLoop], [OpTForPrep], or [OpTForLoop])
// at the given program counter (pc)
// to jump to the given destination.
// back must be true if this is a backward jump.
func (p *parser) fixForBodyJump(fs *funcScope, pc, dest int, back bool) error {
	jmp := &fs.Code[pc]
	offset := dest - (pc + 1)
	if back {
		offset = -offset
	}
	if offset > maxArgBx {
		return syntaxError(fs.Source, p.curr, "control structure too long")
	}
	*jmp = ABxInstruction(jmp.OpCode(), jmp.ArgA(), int32(offset))
	return nil
}

// functionStatement parses non-local function declarations.
//
//	stmt ::= function funcname funcbody | /* ... */
//
// A method definition (using ':') is sugar: [parser.functionBody] is told
// to inject an implicit "self" parameter, and the name is otherwise parsed
// the same as a field path.
func (p *parser) functionStatement(fs *funcScope) error {
	if p.curr.Kind != lex.FunctionToken {
		return syntaxError(fs.Source, p.curr, "'function' expected")
	}
	start := p.curr.Position
	p.advance()
	v, isMethod, err := p.functionName(fs)
	if err != nil {
		return err
	}
	b, err := p.functionBody(fs, isMethod, start)
	if err != nil {
		return err
	}
	if err := p.checkWritable(fs, v); err != nil {
		return err
	}
	if err := p.codeStoreVariable(fs, v, b); err != nil {
		return err
	}
	fs.fixLineInfo(start.Line)
	return nil
}

// functionName parses the "funcname" production.
//
//	funcname ::= Name {‘.’ Name} [‘:’ Name]
//
// Resolves the leading name as a variable, then walks any '.'-separated
// field path; a trailing ':' selects one more field and reports isMethod.
func (p *parser) functionName(fs *funcScope) (v exprDesc, isMethod bool, err error) {
	v, err = p.singleVariable(fs)
	if err != nil {
		return v, false, err
	}
	for p.curr.Kind == lex.DotToken {
		v, err = p.fieldSelector(fs, v)
		if err != nil {
			return v, false, err
		}
	}
	if p.curr.Kind == lex.ColonToken {
		isMethod = true
		v, err = p.fieldSelector(fs, v)
		if err != nil {
			return v, true, err
		}
	}
	return v, isMethod, nil
}

// localStatement parses local variable declarations.
//
//	stmt ::= local attnamelist [‘=’ explist] | /* ... */
//	attnamelist ::=  Name attrib {‘,’ Name attrib}
//
// Names are declared before the initializer list is parsed, matching Lua's
// rule that a local's own name isn't visible in its own initializer. A
// single <const> initialized to a literal is folded away entirely into a
// [CompileTimeConstant] rather than occupying a register; a <close>
// attribute marks the block as holding a to-be-closed variable and emits
// an OpTBC on that variable's register once the declaration is complete.
func (p *parser) localStatement(fs *funcScope) error {
	numVariables := 0
	var lastVarIndex int
	toClose := -1
	for {
		name, err := p.name(fs)
		if err != nil {
			return err
		}
		lastVarIndex, err = p.newLocalVariable(fs, name)
		if err != nil {
			return err
		}
		kind, err := p.localAttribute(fs)
		if err != nil {
			return err
		}
		p.describeLocalVar(fs, lastVarIndex).kind = kind
		if kind == ToClose {
			if toClose != -1 {
				const msg = "multiple to-be-closed variables in local list"
				return syntaxError(fs.Source, lex.Token{Position: p.curr.Position}, msg)
			}
			toClose = int(fs.numActiveVariables) + numVariables
		}
		numVariables++

		if p.curr.Kind != lex.CommaToken {
			break
		}
		p.advance()
	}

	numExpressions := 0
	lastExpression := voidExpression()
	if p.curr.Kind == lex.AssignToken {
		p.advance()
		var err error
		numExpressions, lastExpression, err = p.expressionList(fs)
		if err != nil {
			return err
		}
	}

	lastVar := p.describeLocalVar(fs, lastVarIndex)
	var isLastConst bool
	if numVariables == numExpressions && lastVar.kind == LocalConst {
		if lastVar.k, isLastConst = p.toConstant(lastExpression); isLastConst {
			lastVar.kind = CompileTimeConstant
			// Don't start the scope for the last variable,
			// but count it as an active variable.
			p.adjustLocalVariables(fs, numVariables-1)
			fs.numActiveVariables++
		}
	}
	if !isLastConst {
		if err := p.adjustAssignment(fs, numVariables, numExpressions, lastExpression); err != nil {
			return err
		}
		p.adjustLocalVariables(fs, numVariables)
	}

	if toClose != -1 {
		fs.markToBeClosed()
		r := p.registerLevel(fs, toClose)
		p.code(fs, ABCInstruction(OpTBC, uint8(r), 0, 0, false))
	}

	return nil
}

// localAttribute parses an "attrib" production.
//
//	attrib ::= [‘<’ Name ‘>’]
//
// Only "const" and "close" are recognized; anything else is a syntax error.
func (p *parser) localAttribute(fs *funcScope) (VariableKind, error) {
	if p.curr.Kind != lex.LessToken {
		return RegularVariable, nil
	}
	start := p.curr.Position
	p.advance()

	attr, err := p.name(fs)
	if err != nil {
		return 0, err
	}
	if err := p.checkMatch(fs, start, lex.LessToken, lex.GreaterToken); err != nil {
		return 0, err
	}

	switch attr {
	case "const":
		return LocalConst, nil
	case "close":
		return ToClose, nil
	default:
		msg := fmt.Sprintf("unknown attribute '%s'", attr)
		return 0, syntaxError(fs.Source, lex.Token{Position: p.curr.Position}, msg)
	}
}

// localFunction parses a local function declaration.
// The caller must have parsed the "local" token
// (i.e. the current token must be the "function" keyword).
//
//	stmt ::= local function Name funcbody | /* ... */
//
// The local is declared and given a register before the body is parsed, so
// the function can find itself by name for recursive calls.
func (p *parser) localFunction(fs *funcScope) error {
	start := p.curr.Position
	if p.curr.Kind != lex.FunctionToken {
		return syntaxError(fs.Source, p.curr, "'function' expected")
	}
	p.advance()
	name, err := p.name(fs)
	if err != nil {
		return err
	}

	// Begin scope for local variable.
	// The local variable will reference the next available register,
	// which will be filled in below.
	fvar := fs.numActiveVariables
	if _, err := p.newLocalVariable(fs, name); err != nil {
		return err
	}
	p.adjustLocalVariables(fs, 1)
	// Function will be placed in next register.
	if _, err := p.functionBody(fs, false, start); err != nil {
		return err
	}
	p.localDebugInfo(fs, int(fvar)).StartPC = len(fs.Code)

	return nil
}

// exprStatement parses a statement that begins with an expression
// (i.e. a function call or an assignment). A bare call is distinguished
// from the start of an assignment by whether '=' or ',' follows it; a
// bare call additionally has its result count patched down to zero, since
// as a statement its value is discarded.
func (p *parser) exprStatement(fs *funcScope) error {
	v, err := p.prefixExpression(fs)
	if err != nil {
		return err
	}
	switch p.curr.Kind {
	case lex.AssignToken, lex.CommaToken:
		return p.assignment(fs, assignTarget{v: v}, 1)
	default:
		// Function call.
		if v.kind != expressionKindCall {
			return syntaxError(fs.Source, p.curr, "syntax error")
		}
		i := &fs.Code[v.pc()]
		var ok bool
		*i, ok = i.WithArgC(1)
		if !ok {
			return fmt.Errorf("internal error: call expression references %v instruction", i.OpCode())
		}
		return nil
	}
}

type assignTarget struct {
	prev *assignTarget
	v    exprDesc
}

// assignment parses an assignment production after its first variable.
//
//	stat ::= varlist '=' explist | /* ... */
//	varlist ::= var {‘,’ var}
//
// assignTarget forms a linked list back through each already-parsed target
// on the left of the '=' so the whole chain can be validated and stored to
// once the right-hand expression list is known. Recurses once per comma.
func (p *parser) assignment(fs *funcScope, lhs assignTarget, numVariables int) error {
	if err := p.checkWritable(fs, lhs.v); err != nil {
		return err
	}
	switch p.curr.Kind {
	case lex.CommaToken:
		v, err := p.prefixExpression(fs)
		if err != nil {
			return err
		}
		nv := assignTarget{prev: &lhs, v: v}
		p.depth++
		if p.depth > depthLimit {
			return errDepthExceeded
		}
		err = p.assignment(fs, nv, numVariables+1)
		p.depth--
		if err != nil {
			return err
		}
	case lex.AssignToken:
		p.advance()
		numExpressions, last, err := p.expressionList(fs)
		if err != nil {
			return err
		}
		if numExpressions == numVariables {
			last = p.setOneReturn(fs, last) // close last expression
			return p.codeStoreVariable(fs, lhs.v, last)
		}
		if err := p.adjustAssignment(fs, numVariables, numExpressions, last); err != nil {
			return err
		}
	default:
		return syntaxError(fs.Source, p.curr, "'=' expected")
	}

	return p.codeStoreVariable(fs, lhs.v, nonRelocatableExpression(fs.firstFreeRegister-1))
}

// adjustAssignment reconciles a numExpressions-long right-hand side against
// a numVariables-long left-hand side: a trailing call or vararg expression
// is asked to produce exactly however many extra results are needed,
// otherwise missing variables are padded with nil and excess values are
// simply dropped from the free-register count.
func (p *parser) adjustAssignment(fs *funcScope, numVariables, numExpressions int, last exprDesc) error {
	needed := numVariables - numExpressions
	if last.kind.hasMultipleReturns() {
		extra := max(needed+1, 0)
		if err := p.setReturns(fs, last, extra); err != nil {
			return err
		}
	} else {
		if last.kind != expressionKindVoid {
			// Close last expression.
			var err error
			last, _, err = p.toNextRegister(fs, last)
			if err != nil {
				return err
			}
		}
		if needed > 0 {
			// Missing values; fill with nils.
			p.codeNil(fs, fs.firstFreeRegister, uint8(needed))
		}
	}
	if needed > 0 {
		if err := fs.reserveRegisters(needed); err != nil {
			return err
		}
	} else {
		// Remove extra values (this is a subtraction).
		fs.firstFreeRegister += regIndex(needed)
	}
	return nil
}

// parameterList parses a "parlist" production.
//
//	parlist ::= namelist [‘,’ ‘...’] | ‘...’
//
// Each fixed parameter becomes a local variable in its declared register
// slot; a trailing '...' calls [parser.setVariadic] instead of declaring
// another local.
func (p *parser) parameterList(fs *funcScope) error {
	var n uint8
	isVararg := false
	if p.curr.Kind != lex.RParenToken {
	list:
		for {
			switch p.curr.Kind {
			case lex.IdentifierToken:
				if _, err := p.newLocalVariable(fs, p.curr.Value); err != nil {
					return err
				}
				p.advance()
				n++
			case lex.VarargToken:
				p.advance()
				isVararg = true
				break list
			default:
				return syntaxError(fs.Source, p.curr, "<name> or '...' expected")
			}

			if p.curr.Kind != lex.CommaToken {
				break list
			}
			p.advance()
		}
	}

	p.adjustLocalVariables(fs, int(n))
	fs.NumParams = n
	if isVararg {
		p.setVariadic(fs, n)
	}
	if err := fs.reserveRegisters(int(fs.numActiveVariables)); err != nil {
		return err
	}

	return nil
}

// setVariadic marks the function as variadic and emits the OpVarargPrep
// that shuffles the fixed parameters down below any extra arguments
// supplied at the call site.
func (p *parser) setVariadic(fs *funcScope, numParams uint8) {
	fs.IsVararg = true
	p.code(fs, ABCInstruction(OpVarargPrep, numParams, 0, 0, false))
}

// returnStatement parses a return statement.
// The caller must have consumed the [lex.ReturnToken].
//
//	retstat ::= return [explist] [‘;’]
//
// A single-value return reuses whatever register already holds that
// value rather than copying it down; a multi-value tail call is rewritten
// in place from OpCall to OpTailCall when nothing in the current block
// still needs its own stack frame to run a to-be-closed finalizer.
func (p *parser) returnStatement(fs *funcScope) error {
	first := p.numVariablesInStack(fs)
	nret := 0
	if !isBlockFollow(p.curr.Kind) && p.curr.Kind != lex.UntilToken && p.curr.Kind != lex.SemiToken {
		var lastExpr exprDesc
		var err error
		nret, lastExpr, err = p.expressionList(fs)
		if err != nil {
			return err
		}
		switch {
		case lastExpr.kind.hasMultipleReturns():
			if err := p.setReturns(fs, lastExpr, multiReturn); err != nil {
				return err
			}
			if lastExpr.kind == expressionKindCall && nret == 1 && !fs.blocks.insideTBC {
				// Tail call.
				i := fs.Code[lastExpr.pc()]
				if regIndex(i.ArgA()) != p.numVariablesInStack(fs) {
					return fmt.Errorf("internal error: call-to-tailcall patching failed")
				}
				fs.Code[lastExpr.pc()] = ABCInstruction(OpTailCall, i.ArgA(), i.ArgB(), i.ArgC(), i.K())
			}
			nret = multiReturn
		case nret == 1:
			// Can use original slot.
			if _, first, err = p.toAnyRegister(fs, lastExpr); err != nil {
				return err
			}
		default:
			// Values must go to the top of the stack.
			if _, _, err := p.toNextRegister(fs, lastExpr); err != nil {
				return err
			}
			if got := int(fs.firstFreeRegister) - int(first); got != nret {
				return fmt.Errorf("internal error: retStat did not lay out values on stack correctly")
			}
		}
	}

	p.codeReturn(fs, first, nret)

	// Skip optional semicolon.
	if p.curr.Kind == lex.SemiToken {
		p.advance()
	}
	return nil
}

// expressionList parses one or more comma-separated expressions, discharging
// every expression but the last into its own register as it goes. The last
// expression is returned undischarged, since callers often want to adjust
// its result count (a trailing call or vararg) before committing it.
func (p *parser) expressionList(fs *funcScope) (n int, last exprDesc, err error) {
	n = 1
	last, err = p.expression(fs)
	if err != nil {
		return n, voidExpression(), err
	}
	for ; p.curr.Kind == lex.CommaToken; n++ {
		p.advance()
		if _, _, err := p.toNextRegister(fs, last); err != nil {
			return n, voidExpression(), err
		}
		last, err = p.expression(fs)
		if err != nil {
			return n, voidExpression(), err
		}
	}
	return n, last, nil
}

// expression parses a complete expression, i.e. a [parser.subExpression]
// with no enclosing operator limiting how far it can extend.
func (p *parser) expression(fs *funcScope) (exprDesc, error) {
	e, _, err := p.subExpression(fs, 0)
	return e, err
}

// subExpression implements Lua's precedence-climbing expression grammar: it
// parses a unary operator or simple expression, then keeps absorbing binary
// operators whose left binding power exceeds limit, recursing on the right
// operand with that operator's right binding power as the new limit. The
// returned operator, if not [binaryOpNone], is the one that stopped the
// loop because its precedence didn't clear limit, letting the caller (which
// is usually another subExpression frame one level up the operator stack)
// pick up from there.
func (p *parser) subExpression(fs *funcScope, limit int) (exprDesc, binaryOp, error) {
	p.depth++
	if p.depth > depthLimit {
		return voidExpression(), binaryOpNone, errDepthExceeded
	}
	defer func() {
		p.depth--
	}()

	var e exprDesc
	if uop, ok := unaryOpFromToken(p.curr.Kind); ok {
		line := p.curr.Position.Line
		p.advance()
		var err error
		e, _, err = p.subExpression(fs, unaryPrecedence)
		if err != nil {
			return voidExpression(), binaryOpNone, err
		}
		e, err = p.codePrefix(fs, uop, e, line)
		if err != nil {
			return voidExpression(), binaryOpNone, err
		}
	} else {
		var err error
		e, err = p.simpleExpression(fs)
		if err != nil {
			return voidExpression(), binaryOpNone, err
		}
	}

	// Expand while operators have priorities higher than limit.
	op, _ := binaryOpFromToken(p.curr.Kind)
	for op != binaryOpNone && int(operatorPrecedence[op].left) > limit {
		line := p.curr.Position.Line
		p.advance()
		var err error
		e, err = p.codeInfix(fs, op, e)
		if err != nil {
			return voidExpression(), binaryOpNone, err
		}
		// Read sub-expression with higher priority.
		var e2 exprDesc
		var nextOp binaryOp
		e2, nextOp, err = p.subExpression(fs, int(operatorPrecedence[op].right))
		if err != nil {
			return voidExpression(), binaryOpNone, err
		}
		e, err = p.codePostfix(fs, op, e, e2, line)
		if err != nil {
			return voidExpression(), binaryOpNone, err
		}
		op = nextOp
	}

	return e, op, nil
}

// prefixExpression parses a prefixexp production.
//
//	prefixexp ::= var | functioncall | ‘(’ exp ‘)’
//	functioncall ::=  prefixexp args | prefixexp ‘:’ Name args
//	var ::=  Name | prefixexp ‘[’ exp ‘]’ | prefixexp ‘.’ Name
//
// Parses a parenthesized expression or a bare name, then loops over any
// chain of '.', '[...]', ':name(...)'  or direct call suffixes that follow.
func (p *parser) prefixExpression(fs *funcScope) (exprDesc, error) {
	var v exprDesc
	switch p.curr.Kind {
	case lex.LParenToken:
		pos := p.curr.Position
		p.advance()
		var err error
		v, err = p.expression(fs)
		if err != nil {
			return voidExpression(), err
		}
		if err := p.checkMatch(fs, pos, lex.LParenToken, lex.RParenToken); err != nil {
			return voidExpression(), err
		}
		v = p.dischargeVars(fs, v)
	case lex.IdentifierToken:
		var err error
		v, err = p.singleVariable(fs)
		if err != nil {
			return voidExpression(), err
		}
	default:
		return voidExpression(), syntaxError(fs.Source, p.curr, "unexpected symbol")
	}

	for {
		switch p.curr.Kind {
		case lex.DotToken:
			var err error
			v, err = p.fieldSelector(fs, v)
			if err != nil {
				return voidExpression(), err
			}
		case lex.LBracketToken:
			pos := p.curr.Position
			var err error
			v, err = p.toAnyRegisterOrUpvalue(fs, v)
			if err != nil {
				return voidExpression(), err
			}
			p.advance()
			k, err := p.expression(fs)
			if err != nil {
				return voidExpression(), err
			}
			k, err = p.toValue(fs, k)
			if err != nil {
				return voidExpression(), err
			}
			if err := p.checkMatch(fs, pos, lex.LBracketToken, lex.RBracketToken); err != nil {
				return voidExpression(), err
			}
			v, err = p.codeIndexed(fs, v, k)
			if err != nil {
				return voidExpression(), err
			}
		case lex.ColonToken:
			p.advance()
			key, err := p.name(fs)
			if err != nil {
				return voidExpression(), err
			}
			v, err = p.codeSelf(fs, v, codeString(key))
			if err != nil {
				return voidExpression(), err
			}
			v, err = p.functionArguments(fs, v)
			if err != nil {
				return voidExpression(), err
			}
		case lex.LParenToken, lex.StringToken, lex.LBraceToken:
			var err error
			v, _, err = p.toNextRegister(fs, v)
			if err != nil {
				return voidExpression(), err
			}
			v, err = p.functionArguments(fs, v)
			if err != nil {
				return voidExpression(), err
			}
		default:
			return v, nil
		}
	}
}

// fieldSelector parses a production of:
//
//	'.' NAME | ':' NAME
//
// v must already be discharged to a register or upvalue before indexing it.
func (p *parser) fieldSelector(fs *funcScope, v exprDesc) (exprDesc, error) {
	v, err := p.toAnyRegisterOrUpvalue(fs, v)
	if err != nil {
		return voidExpression(), err
	}
	p.advance() // Skip the dot or colon.
	key, err := p.name(fs)
	if err != nil {
		return voidExpression(), err
	}
	return p.codeIndexed(fs, v, codeString(key))
}

// functionArguments parses an args production.
//
//	args ::=  ‘(’ [explist] ‘)’ | tableconstructor | LiteralString
//
// A bare string or table literal is wrapped as if it had been written
// inside parentheses, matching Lua's single-argument call sugar.
func (p *parser) functionArguments(fs *funcScope, f exprDesc) (exprDesc, error) {
	pos := p.curr.Position
	var args exprDesc
	switch p.curr.Kind {
	case lex.LParenToken:
		p.advance()
		if p.curr.Kind == lex.RParenToken {
			// Empty argument list.
			args = voidExpression()
		} else {
			var err error
			_, args, err = p.expressionList(fs)
			if err != nil {
				return voidExpression(), err
			}
			if args.kind.hasMultipleReturns() {
				if err := p.setReturns(fs, args, multiReturn); err != nil {
					return voidExpression(), err
				}
			}
		}
		if err := p.checkMatch(fs, pos, lex.LParenToken, lex.RParenToken); err != nil {
			return voidExpression(), err
		}
	case lex.LBraceToken:
		var err error
		args, err = p.constructor(fs)
		if err != nil {
			return voidExpression(), err
		}
	case lex.StringToken:
		args = codeString(p.curr.Value)
		p.advance()
	default:
		return voidExpression(), syntaxError(fs.Source, p.curr, "function arguments expected")
	}

	baseRegister := f.register()
	var numParams int
	if args.kind.hasMultipleReturns() {
		numParams = multiReturn
	} else {
		if args.kind != expressionKindVoid {
			// Close last argument.
			p.toNextRegister(fs, args)
		}
		numParams = int(fs.firstFreeRegister) - (int(baseRegister) + 1)
	}
	pc := p.code(fs, ABCInstruction(OpCall, uint8(baseRegister), uint8(numParams+1), 2, false))
	fs.fixLineInfo(pos.Line)
	// Call removes function and arguments and leaves one result
	// (unless changed later).
	fs.firstFreeRegister = baseRegister + 1

	return callExpression(pc), nil
}

// constructor parses a "tableconstructor" production.
//
//	tableconstructor ::= ‘{’ [fieldlist] ‘}’
//	fieldlist ::= field {fieldsep field} [fieldsep]
//
// The table-creation instructions are emitted up front with placeholder
// zero sizes and patched once the final array/hash element counts are
// known. Positional (array-part) fields are flushed to the table in
// batches of [fieldsPerFlush] via OpSetList rather than one OpSetField
// per element.
func (p *parser) constructor(fs *funcScope) (exprDesc, error) {
	start := p.curr.Position
	if p.curr.Kind != lex.LBraceToken {
		return voidExpression(), syntaxError(fs.Source, p.curr, "'{' expected")
	}

	// Add placeholder instructions for creating the table.
	// We will fill in the instructions later with a call to [setTableSize].
	pc := len(fs.Code)
	for _, i := range newTableInstructions(0, 0, 0) {
		p.code(fs, i)
	}

	tableRegister, err := fs.reserveRegister()
	if err != nil {
		return voidExpression(), err
	}
	tableExpression := nonRelocatableExpression(tableRegister)

	lastListItem := voidExpression()
	arraySize, hashSize, toStore := 0, 0, 0
	p.advance()
	if p.curr.Kind != lex.RBraceToken {
		for {
			if lastListItem.kind != expressionKindVoid {
				if _, _, err := p.toNextRegister(fs, lastListItem); err != nil {
					return voidExpression(), err
				}
				lastListItem = voidExpression()

				if toStore == fieldsPerFlush {
					if err := p.codeSetList(fs, tableRegister, arraySize, toStore); err != nil {
						return voidExpression(), err
					}
					arraySize += toStore
					toStore = 0
				}
			}

			switch p.curr.Kind {
			case lex.IdentifierToken:
				// Can either be an expression or a record field.
				if p.peek().Kind == lex.AssignToken {
					if err := p.recordField(fs, tableExpression); err != nil {
						return voidExpression(), err
					}
					hashSize++
				} else {
					var err error
					lastListItem, err = p.expression(fs)
					if err != nil {
						return voidExpression(), err
					}
					toStore++
				}
			case lex.LBracketToken:
				if err := p.recordField(fs, tableExpression); err != nil {
					return voidExpression(), err
				}
				hashSize++
			default:
				var err error
				lastListItem, err = p.expression(fs)
				if err != nil {
					return voidExpression(), err
				}
				toStore++
			}

			if p.curr.Kind != lex.CommaToken && p.curr.Kind != lex.SemiToken {
				break
			}
			p.advance()
		}
	}
	if err := p.checkMatch(fs, start, lex.LBraceToken, lex.RBraceToken); err != nil {
		return voidExpression(), err
	}

	if toStore > 0 {
		if lastListItem.kind.hasMultipleReturns() {
			if err := p.setReturns(fs, lastListItem, multiReturn); err != nil {
				return voidExpression(), err
			}
			if err := p.codeSetList(fs, tableRegister, arraySize, multiReturn); err != nil {
				return voidExpression(), err
			}
			// Do not count last expression (unknown number of elements).
			toStore--
		} else if lastListItem.kind != expressionKindVoid {
			if _, _, err := p.toNextRegister(fs, lastListItem); err != nil {
				return voidExpression(), err
			}
			if err := p.codeSetList(fs, tableRegister, arraySize, toStore); err != nil {
				return voidExpression(), err
			}
		}

		arraySize += toStore
		toStore = 0
	}

	// Go back and fill in the new table instructions.
	ilist := newTableInstructions(tableRegister, arraySize, hashSize)
	copy(fs.Code[pc:], ilist[:])

	return tableExpression, nil
}

// recordField parses a field production.
//
//	field ::= ‘[’ exp ‘]’ ‘=’ exp | Name ‘=’ exp | exp
//
// Registers used to evaluate the key and value are freed once the field is
// stored, so a constructor with many record fields doesn't exhaust the
// register file.
func (p *parser) recordField(fs *funcScope, table exprDesc) error {
	// Free temporary registers used.
	defer func(original regIndex) {
		fs.firstFreeRegister = original
	}(fs.firstFreeRegister)

	var key exprDesc
	switch p.curr.Kind {
	case lex.IdentifierToken:
		key = codeString(p.curr.Value)
		p.advance()
	case lex.LBracketToken:
		start := p.curr.Position
		p.advance()
		var err error
		key, err = p.expression(fs)
		if err != nil {
			return err
		}
		key, err = p.toValue(fs, key)
		if err != nil {
			return err
		}
		if err := p.checkMatch(fs, start, lex.LBracketToken, lex.RBracketToken); err != nil {
			return err
		}
	default:
		return syntaxError(fs.Source, p.curr, "name or '[' expected")
	}

	if p.curr.Kind != lex.AssignToken {
		return syntaxError(fs.Source, p.curr, "'=' expected")
	}
	p.advance()

	index, err := p.codeIndexed(fs, table, key)
	if err != nil {
		return err
	}
	value, err := p.expression(fs)
	if err != nil {
		return err
	}
	if err := p.codeStoreVariable(fs, index, value); err != nil {
		return err
	}
	return nil
}

// singleVariable parses an identifier and resolves it to a local, upvalue,
// or global. Globals don't get their own expression kind: Lua desugars
// them into an indexing operation on the _ENV upvalue, so an unresolved
// name here is rewritten into _ENV[name].
func (p *parser) singleVariable(fs *funcScope) (exprDesc, error) {
	varname, err := p.name(fs)
	if err != nil {
		return voidExpression(), err
	}
	// Find local variable.
	if v, err := p.resolveName(fs, varname, true); err != nil || v.kind != expressionKindVoid {
		return v, err
	}
	// Global name: rewrite into _ENV access.
	v, err := p.resolveName(fs, envName, true)
	if err != nil {
		return voidExpression(), err
	}
	if v.kind == expressionKindVoid {
		return voidExpression(), fmt.Errorf("internal error: %s does not exist", envName)
	}
	v, err = p.toAnyRegisterOrUpvalue(fs, v)
	if err != nil {
		return voidExpression(), err
	}
	k := codeString(varname)
	return p.codeIndexed(fs, v, k)
}

// resolveName searches fs's locals, then its already-captured upvalues,
// then recurses into the enclosing function scope. A name found as a local
// in some enclosing function is threaded back down as a new upvalue
// declaration in every function scope between there and fs. Returns a void
// expression, not an error, if the name isn't a local or upvalue anywhere.
func (p *parser) resolveName(fs *funcScope, name string, base bool) (exprDesc, error) {
	if fs == nil {
		return voidExpression(), nil
	}

	if v, ok := p.searchVariable(fs, name); ok {
		if v.kind == expressionKindLocal && !base {
			// Local will be used as an upvalue.
			fs.markUpvalue(v.localIndex(0))
		}
		return v, nil
	}
	// Not found as local at current level; try upvalues.
	if i, ok := fs.searchUpvalue(name); ok {
		return upvalueExpression(i), nil
	}

	// Not found? Try upper levels.
	v, err := p.resolveName(fs.prev, name, false)
	if err != nil {
		return voidExpression(), err
	}
	switch v.kind {
	case expressionKindLocal:
		if len(fs.Upvalues) >= maxUpvalues {
			return voidExpression(), fmt.Errorf("too many upvalues")
		}
		up := UpvalueDescriptor{
			Name:    name,
			Kind:    p.describeLocalVar(fs.prev, v.localIndex(0)).kind,
			Index:   uint8(v.register()),
			InStack: true,
		}
		fs.Upvalues = append(fs.Upvalues, up)
		return upvalueExpression(upvalIndex(len(fs.Upvalues) - 1)), nil
	case expressionKindUpvalue:
		if len(fs.Upvalues) >= maxUpvalues {
			return voidExpression(), fmt.Errorf("too many upvalues")
		}
		up := UpvalueDescriptor{
			Name:  name,
			Kind:  fs.prev.Upvalues[v.upvalIndex()].Kind,
			Index: uint8(v.upvalIndex()),
		}
		fs.Upvalues = append(fs.Upvalues, up)
		return upvalueExpression(upvalIndex(len(fs.Upvalues) - 1)), nil
	default:
		return v, nil
	}
}

// simpleExpression parses a literal, vararg, table constructor, anonymous
// function, or prefix expression: anything that can appear without an
// operator in front of it.
func (p *parser) simpleExpression(fs *funcScope) (exprDesc, error) {
	switch p.curr.Kind {
	case lex.NumeralToken:
		var e exprDesc
		if strings.Contains(p.curr.Value, ".") {
			f, err := strconv.ParseFloat(p.curr.Value, 64)
			if err != nil {
				return voidExpression(), err
			}
			e = floatConstantExpression(f)
		} else {
			i, err := strconv.ParseInt(p.curr.Value, 0, 64)
			if err != nil {
				return voidExpression(), err
			}
			e = intConstantExpression(i)
		}
		p.advance()
		return e, nil
	case lex.StringToken:
		e := codeString(p.curr.Value)
		p.advance()
		return e, nil
	case lex.NilToken:
		p.advance()
		return newExpressionDescriptor(expressionKindNil), nil
	case lex.TrueToken:
		p.advance()
		return newExpressionDescriptor(expressionKindTrue), nil
	case lex.FalseToken:
		p.advance()
		return newExpressionDescriptor(expressionKindFalse), nil
	case lex.VarargToken:
		if !fs.IsVararg {
			return voidExpression(), errors.New("cannot use '...' outside a vararg function")
		}
		p.advance()
		pc := p.code(fs, ABCInstruction(OpVararg, 0, 0, 1, false))
		return varargExpression(pc), nil
	case lex.LBraceToken:
		return p.constructor(fs)
	case lex.FunctionToken:
		start := p.curr.Position
		p.advance()
		return p.functionBody(fs, false, start)
	default:
		return p.prefixExpression(fs)
	}
}

// name verifies that the current token is an identifier, advances past it,
// and returns its text.
func (p *parser) name(fs *funcScope) (string, error) {
	if p.curr.Kind != lex.IdentifierToken {
		return "", syntaxError(fs.Source, p.curr, "name expected")
	}
	v := p.curr.Value
	p.advance()
	return v, nil
}

// checkMatch verifies that the current token is close and advances past
// it. On mismatch, the error names start's line if it differs from the
// current token's, so "expected X to close Y opened at line N" style
// messages are only shown when the delimiters span multiple lines.
func (p *parser) checkMatch(fs *funcScope, start lex.Position, open, close lex.TokenKind) error {
	if p.curr.Kind == close {
		p.advance()
		return nil
	}
	var msg string
	if p.curr.Position.Line == start.Line {
		msg = fmt.Sprintf("'%v' expected", close)
	} else {
		msg = fmt.Sprintf("'%v' expected (to close '%v' at %v)", close, open, start)
	}
	return syntaxError(fs.Source, p.curr, msg)
}

// newLocalVariable records a new local in p.activeVariables, the
// parser-wide stack shared across every nested function being compiled,
// and returns its index relative to fs's own first local. The variable
// isn't visible to name lookups until [parser.adjustLocalVariables] opens
// its scope.
func (p *parser) newLocalVariable(fs *funcScope, name string) (int, error) {
	if len(p.activeVariables)+1-fs.firstLocal > maxVariables {
		msg := fmt.Sprintf("too many local variables (limit is %d) in %s", maxVariables, functionLocation(fs))
		return -1, syntaxError(fs.Source, p.curr, msg)
	}
	p.activeVariables = append(p.activeVariables, localVarInfo{
		name: name,
		kind: RegularVariable,
	})
	return len(p.activeVariables) - 1 - fs.firstLocal, nil
}

// adjustLocalVariables opens the scope for the n most recently declared
// locals, assigning each the next stack register in order and appending
// its debug entry to fs.LocalVariables.
func (p *parser) adjustLocalVariables(fs *funcScope, n int) {
	registerLevel := p.numVariablesInStack(fs)
	for range n {
		vidx := int(fs.numActiveVariables)
		fs.numActiveVariables++
		v := p.describeLocalVar(fs, vidx)
		v.ridx = registerLevel
		registerLevel++

		fs.LocalVariables = append(fs.LocalVariables, LocalVariable{
			Name:    v.name,
			StartPC: len(fs.Code),
		})
		v.pidx = uint16(len(fs.LocalVariables) - 1)
	}
}

// searchVariable scans fs's active locals from innermost to outermost so a
// shadowing declaration wins, returning a constant-local expression for a
// folded <const> and a register-local expression otherwise.
func (p *parser) searchVariable(fs *funcScope, n string) (_ exprDesc, found bool) {
	for i := int(fs.numActiveVariables) - 1; i >= 0; i-- {
		vd := p.describeLocalVar(fs, i)
		if vd.name == n {
			if vd.kind == CompileTimeConstant {
				return constLocalExpression(fs.firstLocal + i), true
			}
			return localExpression(vd.ridx, uint16(i)), true
		}
	}
	return voidExpression(), false
}

// removeVariables pops locals down to toLevel active variables, stamping
// each departing local's debug EndPC and trimming them off the shared
// p.activeVariables stack.
func (p *parser) removeVariables(fs *funcScope, toLevel int) {
	removed := int(fs.numActiveVariables) - toLevel
	for int(fs.numActiveVariables) > toLevel {
		fs.numActiveVariables--
		if v := p.localDebugInfo(fs, int(fs.numActiveVariables)); v != nil {
			v.EndPC = len(fs.Code)
		}
	}
	p.activeVariables = p.activeVariables[:len(p.activeVariables)-removed]
}

// checkWritable rejects assignment to a <const> local, a constant-folded
// local, or an upvalue captured from one.
func (p *parser) checkWritable(fs *funcScope, e exprDesc) error {
	var varName string
	switch e.kind {
	case expressionKindConstLocal:
		varName = p.activeVariables[e.constLocalIndex()].name
	case expressionKindLocal:
		varDesc := p.describeLocalVar(fs, e.localIndex(0))
		if varDesc.kind == RegularVariable {
			return nil
		}
		varName = varDesc.name
	case expressionKindUpvalue:
		up := fs.Upvalues[e.upvalIndex()]
		if up.Kind == RegularVariable {
			return nil
		}
		varName = up.Name
	default:
		return nil
	}

	msg := fmt.Sprintf("attempt to assign to const variable '%s'", varName)
	return syntaxError(fs.Source, lex.Token{Position: p.curr.Position}, msg)
}

// localDebugInfo returns the LocalVariable debug entry for vidx, or nil if
// vidx names a compile-time constant, which has no stack presence to debug.
func (p *parser) localDebugInfo(fs *funcScope, vidx int) *LocalVariable {
	vd := p.describeLocalVar(fs, vidx)
	if vd.kind == CompileTimeConstant {
		// Constants don't have debug information.
		return nil
	}
	return &fs.LocalVariables[vd.pidx]
}

// registerLevel converts a count of active variables into the register
// number just past them, skipping over compile-time constants since they
// never occupy a register of their own.
func (p *parser) registerLevel(fs *funcScope, nvar int) regIndex {
	for nvar > 0 {
		nvar--
		prevVar := p.describeLocalVar(fs, nvar)
		if prevVar.kind != CompileTimeConstant {
			return prevVar.ridx + 1
		}
	}
	return 0
}

// numVariablesInStack is [parser.registerLevel] applied to all of fs's
// currently active variables, giving the first free register.
func (p *parser) numVariablesInStack(fs *funcScope) regIndex {
	return p.registerLevel(fs, int(fs.numActiveVariables))
}

// maxVariables is the maximum number of local variables per function.
//
// Equivalent to `MAXVARS` in upstream Lua.
const maxVariables = 200

// localVarInfo is a description of an active local variable.
type localVarInfo struct {
	name string
	kind VariableKind
	// ridx is the register holding the variable.
	ridx regIndex
	// pidx is the index of the variable in the Prototype's LocalVariables slice.
	pidx uint16
	// k is the constant value (if any).
	k Value
}

// describeLocalVar returns fs's i'th local, indexing into the shared
// p.activeVariables stack via fs.firstLocal.
func (p *parser) describeLocalVar(fs *funcScope, i int) *localVarInfo {
	return &p.activeVariables[fs.firstLocal+i]
}

// gotoLabel is a description of pending goto statements and label statements.
type gotoLabel struct {
	name string
	// pc is the position in code.
	pc int
	// position is the source position where the label appeared.
	position lex.Position
	// numActiveVariables is the number of active variables in that position.
	numActiveVariables uint8
	// close is the goto that escapes upvalues.
	close bool
}

// createLabel declares a label named name (also used for the implicit
// "break" target of a loop) at the current program counter, then resolves
// every pending goto in scope that was waiting on it. last should be true
// when the label is the final statement of its block, which changes which
// active-variable count gotos are checked against. The bool result reports
// whether an OpClose was emitted to unwind upvalues captured by the block
// the label is closing out.
func (p *parser) createLabel(fs *funcScope, name string, line int, last bool) (addedClose bool, err error) {
	n := fs.numActiveVariables
	if last {
		n = fs.blocks.numActiveVariables
	}
	p.labels = append(p.labels, gotoLabel{
		name:               name,
		position:           lex.Position{Line: line},
		numActiveVariables: n,
		pc:                 fs.label(),
	})
	needsClose, err := p.solveGotos(fs, &p.labels[len(p.labels)-1])
	if err != nil {
		return false, err
	}
	if !needsClose {
		return false, nil
	}
	p.code(fs, ABCInstruction(OpClose, uint8(p.numVariablesInStack(fs)), 0, 0, false))
	return true, nil
}

// solveGotos resolves every pending goto in the current block whose name
// matches the newly declared label lb, patching each one's jump and
// removing it from p.pendingGotos.
func (p *parser) solveGotos(fs *funcScope, lb *gotoLabel) (needsClose bool, err error) {
	for i := fs.blocks.firstGoto; i < len(p.pendingGotos); {
		if p.pendingGotos[i].name != lb.name {
			i++
			continue
		}
		needsClose = needsClose || p.pendingGotos[i].close
		// Will remove the i'th pending goto from the list.
		if err := p.solveGoto(fs, i, lb); err != nil {
			return needsClose, err
		}
	}
	return needsClose, nil
}

// solveGoto patches the pending goto at index g to jump to lb and removes
// it from p.pendingGotos. Jumping forward into the scope of a local that
// didn't exist at the goto site is a compile error, since the jump would
// otherwise skip that local's initialization.
func (p *parser) solveGoto(fs *funcScope, g int, lb *gotoLabel) error {
	gt := &p.pendingGotos[g]
	if gt.numActiveVariables < lb.numActiveVariables {
		// It entered a scope.
		varName := p.describeLocalVar(fs, int(gt.numActiveVariables)).name
		msg := fmt.Sprintf("<goto %s> at line %d jumps into the scope of local '%s'", gt.name, gt.position.Line, varName)
		return syntaxError(fs.Source, lex.Token{Position: p.curr.Position}, msg)
	}
	if err := fs.patchList(gt.pc, lb.pc, noRegister, lb.pc); err != nil {
		return syntaxError(fs.Source, p.curr, err.Error())
	}
	p.pendingGotos = slices.Delete(p.pendingGotos, g, g+1)
	return nil
}

// functionLocation names fs for use in error messages, e.g. when a
// function declares too many local variables.
func functionLocation(fs *funcScope) string {
	if fs.LineDefined == 0 {
		return "main function"
	}
	return fmt.Sprintf("function at line %d", fs.LineDefined)
}

// syntaxError formats msg with the source name, the offending token's
// position (if known), and the token's own text, matching the
// "source:line: message near token" shape Lua error messages use.
func syntaxError(source Source, token lex.Token, msg string) error {
	sb := new(strings.Builder)
	if source == "" {
		sb.WriteString("?")
	} else {
		sb.WriteString(source.String())
	}
	if token.Position.IsValid() {
		sb.WriteString(":")
		sb.WriteString(token.Position.String())
	}
	sb.WriteString(": ")
	sb.WriteString(msg)
	if token.Kind != lex.ErrorToken {
		sb.WriteString(" near ")
		sb.WriteString(token.String())
	}
	return errors.New(sb.String())
}

// isBlockFollow reports whether k is a token that cannot start a statement,
// meaning the block being parsed has ended. "until" is deliberately not
// included here since whether it terminates a block depends on context
// (repeat bodies allow it, do/while/for bodies don't), so callers check for
// it themselves alongside this.
func isBlockFollow(k lex.TokenKind) bool {
	return k == lex.ElseToken ||
		k == lex.ElseifToken ||
		k == lex.EndToken ||
		k == lex.ErrorToken
}
