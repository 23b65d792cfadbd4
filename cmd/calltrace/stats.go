package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"calltrace/internal/observ"
	"calltrace/internal/sink"
	"calltrace/internal/stats"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats [flags] <dir|file|store>",
		Short: "Summarize call durations per signature",
		Args:  cobra.ExactArgs(1),
		RunE:  runStats,
	}
	cmd.Flags().Int("top", 20, "number of signatures to show (0 for all)")
	cmd.Flags().Int("jobs", 0, "trace files read concurrently (default: GOMAXPROCS)")
	return cmd
}

func runStats(cmd *cobra.Command, args []string) error {
	timer := observ.NewTimer()
	defer printTimings(cmd, timer)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	top, err := cmd.Flags().GetInt("top")
	if err != nil {
		return err
	}
	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()

	src, err := sink.OpenSource(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	read := timer.Begin("collect")
	c, err := stats.Collect(cmd.Context(), src, cfg.Stats.Jobs)
	if err != nil {
		return err
	}
	totals := c.Totals()
	timer.End(read, uint64(totals.Traces), args[0])

	out := cmd.OutOrStdout()
	if !quiet(cmd) {
		fmt.Fprintf(out, "%s %d traces (%d partial, %d unfinished calls, %d spawns), %d signatures\n",
			color.New(color.Bold).Sprint("stats"),
			totals.Traces, totals.Partial, totals.Open, totals.Spawns, totals.Signatures)
	}
	stats.Render(out, c.Rows(top))
	return nil
}
