// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package vm

import (
	"strings"
	"testing"

	"luaforge.dev/lua/internal/code"
)

func TestBit32(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   int64
	}{
		{"Band", "return bit32.band(0xff, 0x0f)", 0x0f},
		{"Bor", "return bit32.bor(0xf0, 0x0f)", 0xff},
		{"Bxor", "return bit32.bxor(0xff, 0x0f)", 0xf0},
		{"Bnot", "return bit32.bnot(0)", 0xffffffff},
		{"LshiftOverflow", "return bit32.lshift(1, 32)", 0},
		{"Rshift", "return bit32.rshift(0x80000000, 31)", 1},
		{"ArshiftNegative", "return bit32.arshift(0x80000000, 4)", 0xf8000000},
		{"Lrotate", "return bit32.lrotate(1, 1)", 2},
		{"Rrotate", "return bit32.rrotate(1, 1)", 0x80000000},
		{"Extract", "return bit32.extract(0xff, 4, 4)", 0x0f},
		{"Replace", "return bit32.replace(0, 0xf, 4, 4)", 0xf0},
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
			got, ok := state.ToInteger(-1)
			if !ok {
				t.Fatalf("result is %v; want integer", state.Type(-1))
			}
			if got != test.want {
				t.Errorf("%s = %#x; want %#x", test.source, got, test.want)
			}
		})
	}
}

func TestBit32Btest(t *testing.T) {
	state := new(State)
	defer state.Close()
	if err := OpenLibraries(state, nil); err != nil {
		t.Fatal(err)
	}
	const source = "return bit32.btest(0xf0, 0x10), bit32.btest(0xf0, 0x0f)"
	if err := state.Load(strings.NewReader(source), code.LiteralSource(source), "t"); err != nil {
		t.Fatal(err)
	}
	if err := state.Call(0, 2, 0); err != nil {
		t.Fatal(err)
	}
	if got := state.ToBoolean(-2); !got {
		t.Error("bit32.btest(0xf0, 0x10) = false; want true")
	}
	if got := state.ToBoolean(-1); got {
		t.Error("bit32.btest(0xf0, 0x0f) = true; want false")
	}
}
