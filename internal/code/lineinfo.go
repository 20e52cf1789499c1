// Copyright (C) 1994-2024 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package code

import (
	"cmp"
	"fmt"
	"io"
	"iter"
	"slices"
)

const maxInstructionsWithoutAbsLineInfo = 128

const (
	// lineInfoRelativeLimit is the maximum value permitted
	// in elements of the rel slice of [LineInfo].
	lineInfoRelativeLimit = 1<<7 - 1

	// absMarker is the mark for entries in the rel slice of [LineInfo]
	// that have absolute information in the abs slice.
	absMarker int8 = -lineInfoRelativeLimit - 1
)

// LineInfo maps each instruction's program counter to the source line that
// produced it. The zero value is an empty sequence.
//
// Most instructions sit within 127 lines of the one before them, so the
// representation favors that case: rel holds a signed one-byte delta per
// instruction, and abs holds the (rare) full line number for instructions
// whose delta didn't fit, or that are too far from the last full entry.
type LineInfo struct {
	rel []int8
	abs []absLinePoint
}

type absLinePoint struct {
	pc   int
	line int
}

// CollectLineInfo collects values from seq into a new [LineInfo] and returns it.
func CollectLineInfo(seq iter.Seq[int]) LineInfo {
	var info LineInfo
	var w lineDeltaWriter
	for line := range seq {
		rel := w.next(line)
		info.rel = append(info.rel, rel)
		if rel == absMarker {
			info.abs = append(info.abs, absLinePoint{
				pc:   len(info.rel) - 1,
				line: line,
			})
		}
	}
	return info
}

// Len returns the number of line numbers in the sequence.
func (info LineInfo) Len() int {
	return len(info.rel)
}

// All returns an iterator over the sequence's line numbers.
// (The index is the instruction address.)
func (info LineInfo) All() iter.Seq2[int, int] {
	return func(yield func(int, int) bool) {
		absIndex := 0
		curr := 0
		for pc, delta := range info.rel {
			if delta != absMarker {
				curr += int(delta)
			} else {
				if info.abs[absIndex].pc != pc {
					panic("corrupted LineInfo")
				}
				curr = info.abs[absIndex].line
				absIndex++
			}

			if !yield(pc, curr) {
				return
			}
		}
	}
}

// At returns the line number of the instruction at index i.
// It panics if i < 0 or i >= info.Len().
func (info LineInfo) At(i int) int {
	if i < 0 || i >= info.Len() {
		panic("index out of range")
	}

	absIndex, ok := slices.BinarySearchFunc(info.abs, i, func(a absLinePoint, pc int) int {
		return cmp.Compare(a.pc, pc)
	})
	if !ok {
		// Binary search finds next largest, so go back one.
		absIndex--
	}

	currPC := 0
	lineno := 0
	if absIndex >= 0 {
		currPC = info.abs[absIndex].pc + 1 // Skip absMarker.
		lineno = info.abs[absIndex].line
	}

	for ; currPC <= i; currPC++ {
		delta := info.rel[currPC]
		if delta == absMarker {
			// Search through info.abs should have brought us to closest absMarker + 1.
			panic("corrupted LineInfo")
		}
		lineno += int(delta)
	}
	return lineno
}

func dumpLineInfo(buf []byte, base int, info LineInfo) []byte {
	if info.Len() == 0 {
		buf = dumpVarint(buf, 0)
		buf = dumpVarint(buf, 0)
		return buf
	}

	rel0, rel, abs := normalizeLineInfo(info, base)
	buf = dumpVarint(buf, 1+len(rel))
	buf = append(buf, byte(rel0))
	for _, i := range rel {
		buf = append(buf, byte(i))
	}
	buf = dumpVarint(buf, len(abs))
	for _, a := range abs {
		buf = dumpVarint(buf, a.pc)
		buf = dumpVarint(buf, a.line)
	}
	return buf
}

// normalizeLineInfo rewrites info into the on-disk encoding, where the first
// entry is a delta from base (the function's declaration line) rather than
// from an implicit zero.
//
// info's in-memory form always starts from an implicit base of zero, since
// that lets [LineInfo] stand on its own without a Prototype attached. On
// disk, the first delta is instead relative to the function's own
// LineDefined. Re-deriving info.rel[0] against the real base is usually the
// only change needed, so normalizeLineInfo first checks whether the rest of
// the array would come out byte-identical and, if so, reuses it without
// allocating. A mismatch forces a full rebuild, which also covers chunks
// produced by [loadLineInfo] with a different (but still valid) packing than
// this package would have chosen.
func normalizeLineInfo(info LineInfo, base int) (rel0 int8, rel []int8, abs []absLinePoint) {
	w := lineDeltaWriter{previousLine: base}
	relIdx := 0
	abs = info.abs
	absIdx := 0

	needsRewrite := false
	for i, line := range info.All() {
		if i == 0 {
			rel0 = w.next(line)
			isFirstAbsPC0 := len(info.abs) > 0 && info.abs[0].pc == 0
			if rel0 == absMarker && !isFirstAbsPC0 {
				needsRewrite = true
				break
			}
			if rel0 != absMarker && isFirstAbsPC0 {
				// In the common case where we transformed the first element
				// from an absolute line info to a line info relative to base,
				// only use the subsequent absolute line entries.
				abs = abs[1:]
			}
		} else {
			want := w.next(line)
			if info.rel[relIdx] != want {
				needsRewrite = true
				break
			}
			if want == absMarker {
				if abs[absIdx].pc != i {
					needsRewrite = true
					break
				}
				absIdx++
			}
		}
	}
	if !needsRewrite {
		return rel0, info.rel[1:], abs
	}

	// Reset writer and allocate new arrays.
	w = lineDeltaWriter{previousLine: base}
	abs = nil
	for pc, line := range info.All() {
		delta := w.next(line)
		if pc == 0 {
			rel0 = delta
		} else {
			rel = append(rel, delta)
		}
		if delta == absMarker {
			abs = append(abs, absLinePoint{
				pc:   pc,
				line: line,
			})
		}
	}
	return rel0, rel, abs
}

func loadLineInfo(r *binReader, base int) (LineInfo, error) {
	n, err := r.readVarint()
	if err != nil {
		return LineInfo{}, fmt.Errorf("line info: %v", err)
	}
	info := LineInfo{
		rel: make([]int8, n),
	}
	nAbsolute := 0 // Counter for absMarker values read.
	for i := range info.rel {
		b, ok := r.readByte()
		if !ok {
			return LineInfo{}, fmt.Errorf("line info: %v", io.ErrUnexpectedEOF)
		}
		delta := int8(b)
		if delta == absMarker {
			info.rel[i] = absMarker
			nAbsolute++
		} else if i > 0 {
			info.rel[i] = delta
		} else {
			// Interpret the first element as relative to base,
			// inserting an absMarker if needed.
			rebased := base + int(delta)
			if newDelta, fitsRelative := lineInfoRelativeDelta(rebased); fitsRelative {
				info.rel[i] = newDelta
			} else {
				info.rel[i] = absMarker
				info.abs = append(info.abs, absLinePoint{
					pc:   0,
					line: rebased,
				})
			}
		}
	}

	if got, err := r.readVarint(); err != nil {
		return LineInfo{}, fmt.Errorf("line info: %v", err)
	} else if got != nAbsolute {
		return LineInfo{}, fmt.Errorf("line info: absolute line info count incorrect (%d vs. %d markers)", got, nAbsolute)
	}
	info.abs = slices.Grow(info.abs, nAbsolute)
	for i := range nAbsolute {
		var newAbsInfo absLinePoint
		newAbsInfo.pc, err = r.readVarint()
		if err != nil {
			return LineInfo{}, fmt.Errorf("line info: %v", err)
		}
		minPC := -1
		if len(info.abs) > 0 {
			minPC = info.abs[len(info.abs)-1].pc
		}
		if newAbsInfo.pc <= minPC {
			return LineInfo{}, fmt.Errorf("line info: absolute line info PCs not monotonically increasing")
		}
		if newAbsInfo.pc >= n {
			return LineInfo{}, fmt.Errorf("line info: absolute line info PC %d out of range", newAbsInfo.pc)
		}
		if info.rel[newAbsInfo.pc] != absMarker {
			return LineInfo{}, fmt.Errorf("line info: absolute line information not expected for pc %d", i)
		}

		newAbsInfo.line, err = r.readVarint()
		if err != nil {
			return LineInfo{}, fmt.Errorf("line info: %v", err)
		}

		info.abs = append(info.abs, newAbsInfo)
	}

	return info, nil
}

// A lineDeltaWriter holds the state to construct a [LineInfo] a value at a time.
// This algorithm matches upstream Lua's.
type lineDeltaWriter struct {
	// previousLine is the last line number passed to next.
	previousLine int
	// instructionsSinceLastAbsLineInfo is a counter
	// of instructions added since the last [absLinePoint].
	instructionsSinceLastAbsLineInfo uint8
}

// next returns the next value for the rel slice given the line.
// A new entry should be appended to LineInfo.abs
// if the returned value is [absMarker].
func (w *lineDeltaWriter) next(line int) int8 {
	delta, fitsRelative := lineInfoRelativeDelta(line - w.previousLine)
	w.previousLine = line

	if !fitsRelative ||
		w.instructionsSinceLastAbsLineInfo >= maxInstructionsWithoutAbsLineInfo {
		w.instructionsSinceLastAbsLineInfo = 1
		return absMarker
	}

	w.instructionsSinceLastAbsLineInfo++
	return delta
}

// prev undoes the effects of a call to [*lineDeltaWriter.next].
func (w *lineDeltaWriter) prev(lastDelta int8) {
	if lastDelta == absMarker {
		// Force next line info to be absolute.
		w.instructionsSinceLastAbsLineInfo = maxInstructionsWithoutAbsLineInfo + 1
	} else {
		w.previousLine -= int(lastDelta)
		w.instructionsSinceLastAbsLineInfo--
	}
}

func lineInfoRelativeDelta(delta int) (_ int8, ok bool) {
	if delta > lineInfoRelativeLimit || delta < -lineInfoRelativeLimit {
		return absMarker, false
	}
	return int8(delta), true
}
