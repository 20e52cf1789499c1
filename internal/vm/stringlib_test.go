// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"strings"
	"testing"

	"luaforge.dev/lua/internal/code"
)

func TestStringLibrary(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   string
	}{
		{"Format", `return string.format("%d-%s", 7, "x")`, "7-x"},
		{"Find", `local s,e = string.find("hello world", "wor"); return s .. "," .. e`, "7,9"},
		{"Match", `return string.match("key=value", "(%a+)=(%a+)")`, "key"},
		{"GSub", `local s = string.gsub("hello world", "o", "0"); return s`, "hell0 w0rld"},
		{"Rep", `return string.rep("ab", 3, "-")`, "ab-ab-ab"},
		{"Reverse", `return string.reverse("abc")`, "cba"},
		{"Upper", `return string.upper("abc")`, "ABC"},
		{"GMatch", `local out = {} for w in string.gmatch("one two three", "%a+") do out[#out+1] = w end return table.concat(out, ",")`, "one,two,three"},
		{"ArithmeticCoercion", `return "10" + "5"`, "15"},
		{"MethodSyntax", `return ("hello"):upper()`, "HELLO"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			state := new(State)
			defer state.Close()
			if err := OpenLibraries(state, nil); err != nil {
				t.Fatal(err)
			}
			if err := state.Load(strings.NewReader(test.source), code.LiteralSource(test.source), "t"); err != nil {
				t.Fatal(err)
			}
			if err := state.Call(0, 1, 0); err != nil {
				t.Fatal(err)
			}
			got, err := ToString(state, -1)
			if err != nil {
				t.Fatal(err)
			}
			if got != test.want {
				t.Errorf("%s = %q; want %q", test.source, got, test.want)
			}
		})
	}
}

func TestStringPackUnpack(t *testing.T) {
	state := new(State)
	defer state.Close()
	if err := OpenLibraries(state, nil); err != nil {
		t.Fatal(err)
	}
	const source = `
		local packed = string.pack("<i4", 1000)
		local n = string.unpack("<i4", packed)
		return n
	`
	if err := state.Load(strings.NewReader(source), code.LiteralSource(source), "t"); err != nil {
		t.Fatal(err)
	}
	if err := state.Call(0, 1, 0); err != nil {
		t.Fatal(err)
	}
	const want = int64(1000)
	if got, ok := state.ToInteger(-1); got != want || !ok {
		t.Errorf("round-tripped pack/unpack = %d, %t; want %d, true", got, ok, want)
	}
}
