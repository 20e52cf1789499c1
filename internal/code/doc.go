// Copyright (C) 1994-2024 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

/*
Package code compiles Lua source directly into register-based bytecode
and can marshal that bytecode to and from the binary chunk format used
by the reference implementation. There is no separate AST: [Parse]
lexes, parses, and emits instructions in a single pass, the same way
the reference compiler does.

# Provenance

The instruction set, register allocation strategy, and binary chunk
layout follow the Lua 5.4.7 reference sources closely:

  - lcode.c
  - lparser.c
  - lopcodes.h
  - lobject.h (for Proto)
  - ldump.c
  - lundump.c

Keeping close to those sources makes it easier to carry forward Lua
bugfixes and reference-behavior changes as new point releases appear.

# Lua License

Copyright (C) 1994-2024 Lua.org, PUC-Rio.

Permission is hereby granted, free of charge, to any person obtaining
a copy of this software and associated documentation files (the
"Software"), to deal in the Software without restriction, including
without limitation the rights to use, copy, modify, merge, publish,
distribute, sublicense, and/or sell copies of the Software, and to
permit persons to whom the Software is furnished to do so, subject to
the following conditions:

The above copyright notice and this permission notice shall be
included in all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY
CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT,
TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/
package code
