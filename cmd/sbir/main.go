// Pipeline CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/hollomancer/sbir-analytics-sub004/internal/interfaces/cli"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func init() {
	cli.Version = version
	cli.GitCommit = commit
	cli.BuildDate = buildDate
}

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errors.ExitStatus(err))
	}
}
