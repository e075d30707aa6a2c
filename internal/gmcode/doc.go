// Copyright (C) 1994-2024 Lua.org, PUC-Rio.
// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

/*
Package gmcode provides a parser and bytecode emitter for Glimmer, a
scripting language descended from Lua. See [Parse] for more details.

# Provenance

This package started as a hand-written conversion of Lua 5.4.7 to Go,
specifically borrowing from:

  - lcode.c
  - lparser.c
  - lopcodes.h
  - lobject.h (for Proto)
  - ldump.c
  - lundump.c

The register-based instruction set, constant folding, and jump-list
patching machinery still track upstream closely. The statement and
expression grammars have since diverged to add switch/case, continue,
lambdas, safe navigation, compound assignment, type hints, and the
`in`/`??` operators, none of which exist in Lua.

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
package gmcode
