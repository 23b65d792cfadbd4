package main

import (
	"github.com/spf13/cobra"

	"calltrace/internal/observ"
)

// printTimings renders timer to stderr when --timings is set.
func printTimings(cmd *cobra.Command, timer *observ.Timer) {
	show, err := cmd.Root().PersistentFlags().GetBool("timings")
	if err != nil || !show {
		return
	}
	timer.Report().WriteTable(cmd.ErrOrStderr())
}
