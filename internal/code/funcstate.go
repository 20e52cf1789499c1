// Copyright (C) 1994-2024 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package code

import (
	"errors"
	"fmt"
)

// funcScope holds everything the compiler needs to know about the function
// currently being emitted: its register high-water mark, its block nesting,
// and the bookkeeping for line numbers and jump patching. One funcScope
// exists per nested Lua function (main chunk, and one per "function ... end"
// or literal encountered while compiling it), chained through prev so
// closures can resolve names in enclosing scopes.
//
// Corresponds to FuncState in the reference implementation.
type funcScope struct {
	*Prototype

	prev   *funcScope
	blocks *blockScope

	// lastTarget records the pc most recently returned by label, so
	// previousInstruction can tell whether a jump might target the
	// instruction it's about to hand back.
	lastTarget int
	// previousLine is the source line of the last instruction appended,
	// used to compute line deltas for new instructions.
	previousLine int
	// firstLocal and firstLabel index into the enclosing parser's
	// activeVars and labels slices: everything at or after these indices
	// belongs to this function, not an enclosing one.
	firstLocal int
	firstLabel int
	// numActiveVariables counts the locals currently in scope.
	numActiveVariables uint8
	// firstFreeRegister is the low end of the free register range; every
	// register below it is either a parameter, a local, or a value an
	// in-flight expression is relying on.
	firstFreeRegister regIndex
	// instructionsSinceLastAbsLineInfo throttles how often an absolute
	// line marker gets written; see saveLineInfo.
	instructionsSinceLastAbsLineInfo uint8
	// needClose becomes true once any code path requires closing
	// upvalues on the way out, forcing every OpReturn in the function to
	// carry that flag.
	needClose bool
}

// blockScope is one link in the chain of lexical blocks (loops, do...end,
// if bodies) currently open while compiling a function. Entering a block
// pushes one onto funcScope.blocks; leaving it pops.
//
// Corresponds to BlockCnt in the reference implementation.
type blockScope struct {
	prev       *blockScope
	firstLabel int
	firstGoto  int
	// numActiveVariables is the count of locals visible just outside this
	// block, i.e. what numActiveVariables reverts to on exit.
	numActiveVariables uint8

	upval     bool // a variable captured as an upvalue lives in this block
	isLoop    bool
	insideTBC bool // a to-be-closed local is live in this block
}

// finish runs a last pass over the finished function's instructions:
// widening OpReturn0/OpReturn1 back to OpReturn when the function needs to
// close upvalues or pass along varargs, and collapsing chains of jumps that
// target other jumps down to their final destination.
func (fs *funcScope) finish() error {
	for i, instruction := range fs.Code {
		if i > 0 && fs.Code[i-1].IsOutTop() != instruction.IsInTop() {
			return fmt.Errorf("internal error: instruction %d: %v follows %v",
				i, instruction.OpCode(), fs.Code[i-1].OpCode())
		}

		switch instruction.OpCode() {
		case OpReturn0, OpReturn1:
			if !(fs.needClose || fs.IsVararg) {
				break
			}
			instruction = ABCInstruction(
				OpReturn,
				instruction.ArgA(),
				instruction.ArgB(),
				instruction.ArgC(),
				instruction.K(),
			)
			fallthrough
		case OpReturn, OpTailCall:
			if fs.needClose {
				instruction, _ = instruction.WithK(true)
			}
			if fs.IsVararg {
				instruction, _ = instruction.WithArgC(fs.NumParams + 1)
			}
			fs.Code[i] = instruction
		case OpJmp:
			// Follow the chain of jumps-to-jumps to its end so the
			// instruction doesn't have to be re-walked at runtime.
			target := i
			for count := 0; count < 100; count++ {
				curr := fs.Code[target]
				if curr.OpCode() != OpJmp {
					break
				}
				target += int(curr.J()) + 1
			}
			if err := fs.fixJump(i, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// removeLastInstruction discards the instruction most recently appended to
// Code along with its line info entry.
func (fs *funcScope) removeLastInstruction() {
	fs.removeLastLineInfo()
	fs.Code = fs.Code[:len(fs.Code)-1]
}

// label returns the pc of the next instruction to be emitted, and records it
// as a potential jump target. Calling this before emitting a block of code
// that may be jumped into prevents previousInstruction from treating the
// first instruction of that block as fusable with whatever came before.
func (fs *funcScope) label() int {
	pc := len(fs.Code)
	fs.lastTarget = pc
	return pc
}

// saveLineInfo records the source line for the instruction just appended to
// Code. Most instructions only need the signed one-byte delta from the
// previous line, stored in LineInfo.rel; saveLineInfo instead emits an
// absolute entry in LineInfo.abs, marked by the sentinel value absMarker in
// rel, whenever the delta overflows a byte or too many instructions have
// passed since the last absolute entry (maxInstructionsWithoutAbsLineInfo
// bounds how far a debugger has to scan backward to find one).
func (fs *funcScope) saveLineInfo(line int) {
	const deltaLimit = 1 << 7
	delta := line - fs.previousLine
	absDelta := delta
	if delta < 0 {
		absDelta = -delta
	}

	pc := len(fs.Code) - 1 // last instruction coded

	if absDelta >= deltaLimit || fs.instructionsSinceLastAbsLineInfo >= maxInstructionsWithoutAbsLineInfo {
		fs.LineInfo.abs = append(fs.LineInfo.abs, absLinePoint{
			pc:   pc,
			line: line,
		})
		delta = int(absMarker)
		fs.instructionsSinceLastAbsLineInfo = 1
	} else {
		fs.instructionsSinceLastAbsLineInfo++
	}

	fs.LineInfo.rel = append(fs.LineInfo.rel, int8(delta))
	fs.previousLine = line
}

// removeLastLineInfo undoes the effect of the most recent saveLineInfo call,
// including rolling back any absolute entry it appended.
func (fs *funcScope) removeLastLineInfo() {
	lineInfo := &fs.LineInfo

	if lastDelta := lineInfo.rel[len(lineInfo.rel)-1]; lastDelta == absMarker {
		lineInfo.abs = lineInfo.abs[:len(lineInfo.abs)-1]
		// The entry that follows can no longer rely on an absolute
		// point nearby, so force it to write one of its own.
		fs.instructionsSinceLastAbsLineInfo = maxInstructionsWithoutAbsLineInfo + 1
	} else {
		fs.previousLine -= int(lastDelta)
		fs.instructionsSinceLastAbsLineInfo--
	}

	lineInfo.rel = lineInfo.rel[:len(lineInfo.rel)-1]
}

// fixLineInfo rewrites the line number attached to the last instruction
// appended, used when an instruction's natural line (e.g. the line of a
// closing "end") differs from where the compiler actually emitted it.
func (fs *funcScope) fixLineInfo(line int) {
	fs.removeLastLineInfo()
	fs.saveLineInfo(line)
}

// reserveRegister reserves the next free register and returns it.
func (fs *funcScope) reserveRegister() (regIndex, error) {
	if err := fs.checkStack(1); err != nil {
		return noRegister, err
	}
	reg := fs.firstFreeRegister
	fs.firstFreeRegister++
	return reg, nil
}

// reserveRegisters reserves the next n free registers.
func (fs *funcScope) reserveRegisters(n int) error {
	if err := fs.checkStack(n); err != nil {
		return err
	}
	fs.firstFreeRegister += regIndex(n)
	return nil
}

// checkStack verifies the function's register file can grow by n more
// registers without exceeding maxRegisters, and raises Prototype.MaxStackSize
// to cover the new high-water mark if so.
func (fs *funcScope) checkStack(n int) error {
	newStack := int(fs.firstFreeRegister) + n
	if newStack <= int(fs.MaxStackSize) {
		return nil
	}
	if newStack > maxRegisters {
		return errors.New("function or expression needs too many registers")
	}
	fs.MaxStackSize = uint8(newStack)
	return nil
}

// concatJumpList appends jump list l2 onto the end of jump list l1 by
// walking l1 to its tail and linking it to l2. Either list may be noJump,
// in which case the other is returned unchanged.
func (fs *funcScope) concatJumpList(l1, l2 int) (int, error) {
	switch {
	case l2 == noJump:
		return l1, nil
	case l1 == noJump:
		return l2, nil
	default:
		list := l1
		for {
			next, ok := fs.jumpDestination(list)
			if !ok {
				break
			}
			list = next
		}
		err := fs.fixJump(list, l2)
		return l1, err
	}
}

// patchList walks a jump list, redirecting every jump in it: jumps that also
// need to deposit a value (OpTestSet) go to vtarget and get reg patched in
// as their destination register, everything else goes to dtarget. Passing
// noRegister for reg suppresses the value-producing behavior, degrading
// those jumps to plain OpTest.
func (fs *funcScope) patchList(list, vtarget int, reg regIndex, dtarget int) error {
	if vtarget > len(fs.Code) || dtarget > len(fs.Code) {
		return errors.New("patchList target cannot be a forward address")
	}

	for list != noJump {
		next, hasNext := fs.jumpDestination(list)

		var target int
		if fs.patchTestRegister(list, reg) {
			target = vtarget
		} else {
			target = dtarget
		}
		if err := fs.fixJump(list, target); err != nil {
			return err
		}

		if !hasNext {
			break
		}
		list = next
	}
	return nil
}

// patchToHere patches every jump in list to target the next instruction to
// be emitted.
func (fs *funcScope) patchToHere(list int) error {
	here := fs.label()
	return fs.patchList(list, here, noRegister, here)
}

// patchTestRegister adjusts the OpTestSet instruction controlling the jump
// at node so its result lands in reg, or demotes it to a valueless OpTest
// when reg is noRegister. Returns false without modifying anything if the
// controlling instruction isn't an OpTestSet to begin with.
func (fs *funcScope) patchTestRegister(node int, reg regIndex) bool {
	i := fs.findJumpControl(node)
	if i.OpCode() != OpTestSet {
		return false
	}
	if reg != noRegister && reg != regIndex(i.ArgB()) {
		*i = ABCInstruction(OpTestSet, uint8(reg), i.ArgB(), i.ArgC(), i.K())
	} else {
		*i = ABCInstruction(OpTest, i.ArgB(), 0, 0, i.K())
	}
	return true
}

// jumpDestination resolves the pc a jump instruction at pc lands on. A jump
// that targets itself (offset == noJump) marks the end of a jump list rather
// than an actual cycle, which is reported via ok == false.
func (fs *funcScope) jumpDestination(pc int) (newPC int, ok bool) {
	offset := fs.Code[pc].J()
	if offset == noJump {
		return noJump, false
	}
	return pc + 1 + int(offset), true
}

// findJumpControl returns the instruction that decides whether the jump at
// pc is taken: the jump itself if unconditional, or the comparison/test
// immediately before it when the jump is conditional on one.
func (fs *funcScope) findJumpControl(pc int) *Instruction {
	if pc < 1 || !fs.Code[pc-1].OpCode().IsTest() {
		return &fs.Code[pc]
	}
	return &fs.Code[pc-1]
}

// fixJump sets the jump instruction at pc to branch to dest, failing if dest
// is unreachable from pc within a single signed jump offset.
func (fs *funcScope) fixJump(pc int, dest int) error {
	jmp := &fs.Code[pc]
	offset := dest - (pc + 1)
	if dest == noJump {
		return errors.New("invalid jump destination")
	}
	if !(-offsetJ <= offset && offset <= maxJArg-offsetJ) {
		return errors.New("control structure too long")
	}
	op := jmp.OpCode()
	if op != OpJmp {
		return fmt.Errorf("fixJump called on %v", op)
	}
	*jmp = JInstruction(op, int32(offset))
	return nil
}

// negateCondition flips the sense of the comparison controlling the jump at
// pc, turning "jump if true" into "jump if false" and vice versa.
func (fs *funcScope) negateCondition(pc int) error {
	i := fs.findJumpControl(pc)
	op := i.OpCode()
	if !op.IsTest() || op == OpTestSet || op == OpTest {
		return fmt.Errorf("instruction at %d is not a comparison (got %v)", pc, op)
	}
	var ok bool
	*i, ok = i.WithK(!i.K())
	if !ok {
		return fmt.Errorf("instruction at %d (%v) does not have K argument", pc, op)
	}
	return nil
}

// previousInstruction returns the last instruction appended to Code, unless
// something between then and now might have jumped to it — in which case
// folding a new instruction into it could silently change what that jump
// lands on, so previousInstruction returns nil instead.
func (fs *funcScope) previousInstruction() *Instruction {
	if len(fs.Code) == 0 || fs.lastTarget >= len(fs.Code) {
		return nil
	}
	return &fs.Code[len(fs.Code)-1]
}

// searchUpvalue looks up an already-declared upvalue by name.
func (fs *funcScope) searchUpvalue(name string) (i upvalIndex, found bool) {
	upvals := fs.Upvalues
	upvals = upvals[:min(len(upvals), maxUpvalues)]
	for i := range upvals {
		if upvals[i].Name == name {
			return upvalIndex(i), true
		}
	}
	return 0, false
}

// markUpvalue flags the block that owns the local at the given activeVars
// level as containing a captured variable, and marks the enclosing function
// as needing to close upvalues on return.
func (fs *funcScope) markUpvalue(level int) {
	bl := fs.blocks
	for int(bl.numActiveVariables) > level {
		bl = bl.prev
	}
	bl.upval = true
	fs.needClose = true
}

// markToBeClosed flags the current block as holding a to-be-closed local,
// which like markUpvalue forces the function to close on every return path.
func (fs *funcScope) markToBeClosed() {
	fs.blocks.upval = true
	fs.blocks.insideTBC = true
	fs.needClose = true
}
