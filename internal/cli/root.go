// Package cli implements the talon-agent command tree.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "talon-agent",
	Short:         "Capture agent for coding-assistant trace events",
	Long:          "Receives hook events over a local socket, maps them to trace records, and delivers them in batches to a trace collector. Undeliverable records are spooled on disk and replayed.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// errUsage marks configuration and invocation mistakes; they exit 1
// where unrecoverable runtime failures exit 2.
var errUsage = errors.New("usage")

func usageErr(err error) error {
	return fmt.Errorf("%w: %s", errUsage, err)
}

// Execute runs the root command. Exit codes: 0 success, 1 bad usage or
// configuration, 2 unrecoverable runtime failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "talon-agent: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}
