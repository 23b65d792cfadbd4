// Package ui renders live replay progress in the terminal.
package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// maxRows caps the thread list; the rest is summarised in one line.
const maxRows = 12

// ThreadStatus is the state of one session at sampling time.
type ThreadStatus struct {
	Thread     uint64
	Traces     uint64
	Violations uint64
	Failed     bool
}

// Snapshot is one progress sample of a replay.
type Snapshot struct {
	// Read and Size are input bytes; Size is 0 when unknown (stdin).
	Read    int64
	Size    int64
	Events  uint64
	Roots   uint64
	Threads []ThreadStatus
}

type replayModel struct {
	title     string
	snapshots <-chan Snapshot
	spinner   spinner.Model
	prog      progress.Model
	last      Snapshot
	width     int
	done      bool
}

type snapshotMsg Snapshot
type doneMsg struct{}

// NewReplayModel returns a Bubble Tea model that renders the snapshots
// received on ch until ch is closed.
func NewReplayModel(title string, ch <-chan Snapshot) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	return &replayModel{
		title:     title,
		snapshots: ch,
		spinner:   sp,
		prog:      prog,
		width:     80,
	}
}

func (m *replayModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listen())
}

func (m *replayModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.last = Snapshot(msg)
		var cmd tea.Cmd
		if m.last.Size > 0 {
			cmd = m.prog.SetPercent(float64(m.last.Read) / float64(m.last.Size))
		}
		return m, tea.Batch(cmd, m.listen())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		return m, nil
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		pm, cmd := m.prog.Update(msg)
		m.prog = pm.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *replayModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := truncate(m.title, m.width-4)
	if m.done {
		header = "done: " + header
	} else {
		header = m.spinner.View() + " " + header
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n")
	fmt.Fprintf(&b, "  %d events, %d root traces, %d threads\n\n",
		m.last.Events, m.last.Roots, len(m.last.Threads))

	threads := append([]ThreadStatus(nil), m.last.Threads...)
	sort.Slice(threads, func(i, j int) bool { return threads[i].Thread < threads[j].Thread })
	shown := threads
	if len(shown) > maxRows {
		shown = shown[:maxRows]
	}
	for _, t := range shown {
		status := threadState(t)
		fmt.Fprintf(&b, "  %s thread %d: %d traces", styleStatus(status).Render(fmt.Sprintf("%8s", status)), t.Thread, t.Traces)
		if t.Violations > 0 {
			fmt.Fprintf(&b, ", %d violations", t.Violations)
		}
		b.WriteString("\n")
	}
	if rest := len(threads) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "  ... %d more threads\n", rest)
	}

	if m.last.Size > 0 {
		b.WriteString("\n")
		if m.done {
			b.WriteString(m.prog.ViewAs(1.0))
		} else {
			b.WriteString(m.prog.View())
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *replayModel) listen() tea.Cmd {
	return func() tea.Msg {
		s, ok := <-m.snapshots
		if !ok {
			return doneMsg{}
		}
		return snapshotMsg(s)
	}
}

func threadState(t ThreadStatus) string {
	switch {
	case t.Failed:
		return "failed"
	case t.Violations > 0:
		return "resynced"
	default:
		return "ok"
	}
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case "failed":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case "resynced":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 || runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width, "...")
}
