// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Command luac is a standalone Lua bytecode compiler,
// roughly equivalent in behavior to [luac(1)].
//
// [luac(1)]: https://www.lua.org/manual/5.4/luac.html
package main

import (
	"fmt"
	"os"

	"luaforge.dev/lua/internal/luac"
)

func main() {
	rootCommand := luac.New()
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "luac:", err)
		os.Exit(1)
	}
}
