package main

// ============================================================================
// Beaver-Flow entry point
// ============================================================================
//
// All logic lives in internal/cli; main only builds the command tree and
// turns a panic or command error into a non-zero exit.
//
// Build:
//   go build -o bin/beaver-flow ./cmd/beaver-flow
//
// Run:
//   ./bin/beaver-flow run -c configs/default.yaml
//
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-flow/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
