package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"calltrace/internal/config"
	"calltrace/internal/engine"
	"calltrace/internal/event"
	"calltrace/internal/locals"
	"calltrace/internal/metrics"
	"calltrace/internal/observ"
	"calltrace/internal/replay"
	"calltrace/internal/trace"
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [flags] <events.ndjson|events.mp|->",
		Short: "Build call trees from a recorded event log",
		Long: `Replay reads an event log and writes each thread's completed root traces
to the output directory (or pebble store). Unfinished trees are flushed or
discarded at the end according to --partial.`,
		Args: cobra.ExactArgs(1),
		RunE: runReplay,
	}
	cmd.Flags().String("out", "", "output directory or pebble store")
	cmd.Flags().String("format", "", "trace format (msgpack|ndjson|text|pebble)")
	cmd.Flags().String("input-format", "auto", "event log format (auto|ndjson|msgpack)")
	cmd.Flags().String("locals", "", "YAML file with local variable metadata")
	cmd.Flags().String("policy", "", "protocol violation policy (strict|resync)")
	cmd.Flags().String("partial", "", "unfinished trees at exit (flush|discard)")
	cmd.Flags().Bool("metrics", false, "print metrics after the summary")
	cmd.Flags().String("ui", "auto", "live progress view (auto|on|off)")
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	timer := observ.NewTimer()
	defer printTimings(cmd, timer)

	load := timer.Begin("load")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	uiFlag, err := cmd.Flags().GetString("ui")
	if err != nil {
		return err
	}
	mode, err := readUIMode(uiFlag)
	if err != nil {
		return err
	}
	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()
	tracer, stopTracing, err := setupTracing(cmd, cfg)
	if err != nil {
		return err
	}
	defer stopTracing()

	eng, m, err := newEngine(cmd, cfg, tracer)
	if err != nil {
		return err
	}
	in, err := openEventLog(cmd, args[0])
	if err != nil {
		_ = eng.Close(cmd.Context())
		return err
	}
	defer in.close()
	timer.End(load, 0, cfg.Path)

	interval, err := cmd.Root().PersistentFlags().GetDuration("trace-heartbeat")
	if err != nil {
		return errors.Wrap(err, "failed to get trace-heartbeat flag")
	}
	hb := trace.StartHeartbeat(tracer, interval, func() string { return eng.Stats().String() })

	run := timer.Begin("replay")
	var sum replay.Summary
	var runErr error
	if shouldUseTUI(mode) && !quiet(cmd) {
		sum, runErr = runReplayWithUI(cmd.Context(), cmd.OutOrStdout(), "replay "+args[0], eng, in)
	} else {
		sum, runErr = replay.Run(cmd.Context(), eng, in.dec)
	}
	hb.Stop()
	timer.End(run, sum.Events, "")

	closing := timer.Begin("close")
	closeErr := eng.Close(cmd.Context())
	timer.End(closing, uint64(eng.Registry().Len()), cfg.Engine.Partial)

	if err := errors.CombineErrors(runErr, closeErr); err != nil {
		dumpRing(cmd, tracer)
		return err
	}

	out := cmd.OutOrStdout()
	if !quiet(cmd) {
		printSummary(out, sum, eng.Stats(), cfg)
	}
	if m != nil {
		if err := m.WriteText(out); err != nil {
			return err
		}
	}
	return nil
}

func newEngine(cmd *cobra.Command, cfg config.Config, tracer trace.Tracer) (*engine.Engine, *metrics.Metrics, error) {
	table := locals.NewTable()
	if cfg.Locals.File != "" {
		t, err := locals.Load(cfg.Locals.File)
		if err != nil {
			return nil, nil, err
		}
		table = t
	}
	policy, err := cfg.Engine.SessionPolicy()
	if err != nil {
		return nil, nil, err
	}
	partial, err := cfg.Engine.PartialPolicy()
	if err != nil {
		return nil, nil, err
	}
	var m *metrics.Metrics
	if on, _ := cmd.Flags().GetBool("metrics"); on {
		m = metrics.New()
	}
	opener, err := openOutput(cfg)
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(engine.Config{
		Locals:  table,
		Opener:  opener,
		Policy:  policy,
		Partial: partial,
		Tracer:  tracer,
		Metrics: m,
	})
	if err != nil {
		_ = opener.Close()
		return nil, nil, err
	}
	return eng, m, nil
}

// eventInput is an open event log.
type eventInput struct {
	dec   event.Decoder
	read  *atomic.Int64
	size  int64
	close func()
}

func openEventLog(cmd *cobra.Command, path string) (*eventInput, error) {
	formatName, err := cmd.Flags().GetString("input-format")
	if err != nil {
		return nil, err
	}
	var format event.Format
	switch strings.ToLower(formatName) {
	case "auto", "":
		format = event.FormatFromPath(path)
	case "ndjson", "json":
		format = event.FormatNDJSON
	case "msgpack", "mp":
		format = event.FormatMsgpack
	default:
		return nil, errors.Newf("invalid --input-format %q (expected: auto|ndjson|msgpack)", formatName)
	}

	in := &eventInput{read: new(atomic.Int64), close: func() {}}
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open event log")
		}
		if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
			in.size = info.Size()
		}
		r = f
		in.close = func() { _ = f.Close() }
	}
	in.dec = event.NewDecoder(countingReader{r: r, n: in.read}, format)
	return in, nil
}

func printSummary(out io.Writer, sum replay.Summary, st engine.Stats, cfg config.Config) {
	label := color.New(color.FgGreen, color.Bold)
	if sum.Violations > 0 || st.Failed > 0 {
		label = color.New(color.FgYellow, color.Bold)
	}
	fmt.Fprintf(out, "%s %s\n", label.Sprint("replayed"), sum)
	fmt.Fprintf(out, "  output:  %s (%s)\n", cfg.Output.Dir, cfg.Output.Format)
	fmt.Fprintf(out, "  engine:  %s\n", st)
}
