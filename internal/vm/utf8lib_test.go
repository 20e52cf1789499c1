// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"strings"
	"testing"

	"luaforge.dev/lua/internal/code"
)

func TestUTF8Char(t *testing.T) {
	state := new(State)
	defer state.Close()
	if err := OpenLibraries(state, nil); err != nil {
		t.Fatal(err)
	}
	const source = `return utf8.char(104, 101, 108, 108, 111)`
	if err := state.Load(strings.NewReader(source), code.LiteralSource(source), "t"); err != nil {
		t.Fatal(err)
	}
	if err := state.Call(0, 1, 0); err != nil {
		t.Fatal(err)
	}
	got, ok := state.ToString(-1)
	if !ok || got != "hello" {
		t.Errorf("utf8.char(...) = %q, %t; want %q, true", got, ok, "hello")
	}
}

func TestUTF8Len(t *testing.T) {
	state := new(State)
	defer state.Close()
	if err := OpenLibraries(state, nil); err != nil {
		t.Fatal(err)
	}
	const source = `return utf8.len("héllo")`
	if err := state.Load(strings.NewReader(source), code.LiteralSource(source), "t"); err != nil {
		t.Fatal(err)
	}
	if err := state.Call(0, 1, 0); err != nil {
		t.Fatal(err)
	}
	const want = int64(5)
	if got, ok := state.ToInteger(-1); got != want || !ok {
		t.Errorf("utf8.len(\"héllo\") = %d, %t; want %d, true", got, ok, want)
	}
}

func TestUTF8Codepoint(t *testing.T) {
	state := new(State)
	defer state.Close()
	if err := OpenLibraries(state, nil); err != nil {
		t.Fatal(err)
	}
	const source = `return utf8.codepoint("A")`
	if err := state.Load(strings.NewReader(source), code.LiteralSource(source), "t"); err != nil {
		t.Fatal(err)
	}
	if err := state.Call(0, 1, 0); err != nil {
		t.Fatal(err)
	}
	const want = int64('A')
	if got, ok := state.ToInteger(-1); got != want || !ok {
		t.Errorf("utf8.codepoint(\"A\") = %d, %t; want %d, true", got, ok, want)
	}
}

func TestUTF8Offset(t *testing.T) {
	state := new(State)
	defer state.Close()
	if err := OpenLibraries(state, nil); err != nil {
		t.Fatal(err)
	}
	const source = `return utf8.offset("héllo", 3)`
	if err := state.Load(strings.NewReader(source), code.LiteralSource(source), "t"); err != nil {
		t.Fatal(err)
	}
	if err := state.Call(0, 1, 0); err != nil {
		t.Fatal(err)
	}
	// "h" (1 byte), "é" (2 bytes), so the 3rd character starts at byte 4.
	const want = int64(4)
	if got, ok := state.ToInteger(-1); got != want || !ok {
		t.Errorf("utf8.offset(\"héllo\", 3) = %d, %t; want %d, true", got, ok, want)
	}
}
