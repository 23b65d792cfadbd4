package main

import (
	"context"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/cockroachdb/errors"

	"calltrace/internal/engine"
	"calltrace/internal/replay"
	"calltrace/internal/ui"
)

const sampleInterval = 100 * time.Millisecond

// uiMode is the value of replay's --ui flag.
type uiMode string

const (
	uiModeAuto uiMode = "auto"
	uiModeOn   uiMode = "on"
	uiModeOff  uiMode = "off"
)

func readUIMode(value string) (uiMode, error) {
	mode := uiMode(strings.ToLower(strings.TrimSpace(value)))
	switch mode {
	case "":
		return uiModeAuto, nil
	case uiModeAuto, uiModeOn, uiModeOff:
		return mode, nil
	}
	return "", errors.Newf("--ui: unknown mode %q (want auto|on|off)", value)
}

// shouldUseTUI resolves auto to whether stdout is a terminal.
func shouldUseTUI(mode uiMode) bool {
	if mode == uiModeAuto {
		return isTerminal(os.Stdout)
	}
	return mode == uiModeOn
}

type replayOutcome struct {
	sum replay.Summary
	err error
}

// runReplayWithUI replays in the background while a Bubble Tea program
// renders samples of the engine's progress.
func runReplayWithUI(ctx context.Context, out io.Writer, title string, eng *engine.Engine, in *eventInput) (replay.Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	snapshots := make(chan ui.Snapshot, 16)
	outcomeCh := make(chan replayOutcome, 1)
	done := make(chan struct{})

	go func() {
		sum, err := replay.Run(ctx, eng, in.dec)
		outcomeCh <- replayOutcome{sum: sum, err: err}
		close(done)
	}()
	go func() {
		defer close(snapshots)
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snapshots <- sample(eng, in)
			case <-done:
				snapshots <- sample(eng, in)
				return
			}
		}
	}()

	program := tea.NewProgram(ui.NewReplayModel(title, snapshots), tea.WithOutput(out), tea.WithContext(ctx))
	_, uiErr := program.Run()
	select {
	case <-done:
	default:
		// The user quit the view before the replay finished.
		cancel()
	}
	// The model stops reading when the program quits; drain so the sampler
	// can exit.
	go func() {
		for range snapshots {
		}
	}()
	outcome := <-outcomeCh
	if uiErr != nil && outcome.err == nil {
		return outcome.sum, uiErr
	}
	return outcome.sum, outcome.err
}

func sample(eng *engine.Engine, in *eventInput) ui.Snapshot {
	st := eng.Stats()
	threads := eng.Threads()
	s := ui.Snapshot{
		Read:    in.read.Load(),
		Size:    in.size,
		Events:  st.Events,
		Roots:   st.Roots,
		Threads: make([]ui.ThreadStatus, len(threads)),
	}
	for i, t := range threads {
		s.Threads[i] = ui.ThreadStatus{
			Thread:     t.Thread,
			Traces:     t.Traces,
			Violations: t.Violations,
			Failed:     t.Failed,
		}
	}
	return s
}

// countingReader records how many bytes were consumed.
type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
