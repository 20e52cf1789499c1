// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"errors"
	"strings"
	"testing"

	"luaforge.dev/lua/internal/code"
)

func TestRequirePreload(t *testing.T) {
	state := new(State)
	defer state.Close()
	if err := OpenLibraries(state, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := state.Field(RegistryIndex, PreloadTable, 0); err != nil {
		t.Fatal(err)
	}
	state.PushClosure(0, func(l *State) (int, error) {
		l.CreateTable(0, 1)
		l.PushInteger(42)
		l.RawSetField(-2, "answer")
		return 1, nil
	})
	state.RawSetField(-2, "mymodule")
	state.Pop(1) // Pop preload table.

	const source = `return require("mymodule").answer`
	if err := state.Load(strings.NewReader(source), code.LiteralSource(source), "t"); err != nil {
		t.Fatal(err)
	}
	if err := state.Call(0, 1, 0); err != nil {
		t.Fatal(err)
	}
	const want = int64(42)
	if got, ok := state.ToInteger(-1); got != want || !ok {
		t.Errorf("require(\"mymodule\").answer = %d, %t; want %d, true", got, ok, want)
	}
}

func TestRequireFile(t *testing.T) {
	files := map[string]string{
		"greeter.lua": `return {greet = function(name) return "hello, " .. name end}`,
	}

	state := new(State)
	defer state.Close()
	pkg := &PackageLibrary{
		ReadFile: func(name string) ([]byte, error) {
			data, ok := files[name]
			if !ok {
				return nil, errors.New("not found")
			}
			return []byte(data), nil
		},
		Path: "?.lua",
	}
	if err := OpenLibraries(state, &StdlibOptions{Package: pkg}); err != nil {
		t.Fatal(err)
	}

	const source = `return require("greeter").greet("world")`
	if err := state.Load(strings.NewReader(source), code.LiteralSource(source), "t"); err != nil {
		t.Fatal(err)
	}
	if err := state.Call(0, 1, 0); err != nil {
		t.Fatal(err)
	}
	got, ok := state.ToString(-1)
	const want = "hello, world"
	if got != want || !ok {
		t.Errorf("require(\"greeter\").greet(\"world\") = %q, %t; want %q, true", got, ok, want)
	}
}

func TestRequireCachesResult(t *testing.T) {
	state := new(State)
	defer state.Close()
	if err := OpenLibraries(state, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := state.Field(RegistryIndex, PreloadTable, 0); err != nil {
		t.Fatal(err)
	}
	calls := 0
	state.PushClosure(0, func(l *State) (int, error) {
		calls++
		l.CreateTable(0, 0)
		return 1, nil
	})
	state.RawSetField(-2, "counted")
	state.Pop(1)

	const source = `local a = require("counted"); local b = require("counted"); return a == b`
	if err := state.Load(strings.NewReader(source), code.LiteralSource(source), "t"); err != nil {
		t.Fatal(err)
	}
	if err := state.Call(0, 1, 0); err != nil {
		t.Fatal(err)
	}
	if !state.ToBoolean(-1) {
		t.Error("require(\"counted\") returned different values on each call")
	}
	if calls != 1 {
		t.Errorf("preload loader called %d times; want 1", calls)
	}
}
