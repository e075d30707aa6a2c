// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

// Command glimmerc compiles Glimmer source files to bytecode.
package main

import (
	"fmt"
	"os"

	"glimmer.dev/glimmer/internal/glimmerc"
)

func main() {
	rootCommand := glimmerc.New()
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "glimmerc:", err)
		os.Exit(1)
	}
}
