package main

import (
	"bufio"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"calltrace/internal/calltree"
	"calltrace/internal/sink"
	"calltrace/internal/wire"
)

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump [flags] <dir|file|store>",
		Short: "Print stored call trees",
		Args:  cobra.ExactArgs(1),
		RunE:  runDump,
	}
	cmd.Flags().Int64("thread", -1, "only print traces of this thread")
	cmd.Flags().String("format", "text", "output format (text|ndjson)")
	cmd.Flags().Bool("instructions", true, "include recorded instructions")
	cmd.Flags().Int("width", 0, "truncate lines to this many columns (default: terminal width)")
	return cmd
}

func runDump(cmd *cobra.Command, args []string) error {
	thread, err := cmd.Flags().GetInt64("thread")
	if err != nil {
		return err
	}
	formatName, err := cmd.Flags().GetString("format")
	if err != nil {
		return err
	}
	format, err := wire.ParseFormat(formatName)
	if err != nil {
		return err
	}
	if format == wire.FormatMsgpack {
		return errors.New("dump prints text or ndjson; use replay --format msgpack to store binary traces")
	}
	instructions, err := cmd.Flags().GetBool("instructions")
	if err != nil {
		return err
	}
	width, err := cmd.Flags().GetInt("width")
	if err != nil {
		return err
	}
	if width == 0 {
		width = terminalWidth()
	}

	src, err := sink.OpenSource(args[0])
	if err != nil {
		return err
	}
	defer src.Close()

	out := bufio.NewWriter(cmd.OutOrStdout())
	defer out.Flush()
	enc := wire.NewEncoder(out, wire.FormatNDJSON)
	header := color.New(color.FgCyan, color.Bold)
	partial := color.New(color.FgYellow)

	return src.Each(func(t *wire.Trace) error {
		if thread >= 0 && t.Thread != uint64(thread) {
			return nil
		}
		if format == wire.FormatNDJSON {
			return enc.Encode(t)
		}
		line := header
		if t.Partial {
			line = partial
		}
		if _, err := line.Fprintln(out, wire.Header(t)); err != nil {
			return err
		}
		if t.Root == nil {
			return nil
		}
		return calltree.Render(out, t.Root, calltree.RenderOptions{
			Width:        width,
			Instructions: instructions,
		})
	})
}
