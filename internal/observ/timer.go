// Package observ measures the wall-clock phases of a command run.
package observ

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Phase is one measured step of a run. Items counts what the phase
// processed (events, traces) and drives the throughput column.
type Phase struct {
	Name  string
	Start time.Time
	Dur   time.Duration
	Items uint64
	Note  string
}

// Timer records phases. It is safe for concurrent use.
type Timer struct {
	mu     sync.Mutex
	phases []Phase
	now    func() time.Time
}

// NewTimer creates an empty Timer.
func NewTimer() *Timer {
	return &Timer{phases: make([]Phase, 0, 4), now: time.Now}
}

// Begin starts a phase and returns its index.
func (t *Timer) Begin(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phases = append(t.phases, Phase{Name: name, Start: t.now()})
	return len(t.phases) - 1
}

// End finishes the phase at idx. Unknown indexes are ignored.
func (t *Timer) End(idx int, items uint64, note string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx < 0 || idx >= len(t.phases) {
		return
	}
	p := &t.phases[idx]
	p.Dur = t.now().Sub(p.Start)
	p.Items = items
	p.Note = note
}

// PhaseReport is the serialisable form of a Phase.
type PhaseReport struct {
	Name       string  `json:"name"`
	DurationMS float64 `json:"duration_ms"`
	Items      uint64  `json:"items,omitempty"`
	PerSecond  float64 `json:"per_second,omitempty"`
	Note       string  `json:"note,omitempty"`
}

// Report aggregates all phases.
type Report struct {
	TotalMS float64       `json:"total_ms"`
	Phases  []PhaseReport `json:"phases"`
}

// Report returns a snapshot of the recorded phases.
func (t *Timer) Report() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.phases) == 0 {
		return Report{}
	}
	report := Report{Phases: make([]PhaseReport, len(t.phases))}
	var total time.Duration
	for i, p := range t.phases {
		total += p.Dur
		pr := PhaseReport{
			Name:       p.Name,
			DurationMS: toMillis(p.Dur),
			Items:      p.Items,
			Note:       p.Note,
		}
		if p.Items > 0 && p.Dur > 0 {
			pr.PerSecond = float64(p.Items) / p.Dur.Seconds()
		}
		report.Phases[i] = pr
	}
	report.TotalMS = toMillis(total)
	return report
}

// WriteTable renders the report as a table.
func (r Report) WriteTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"phase", "ms", "items", "items/s", "note"})
	table.SetAutoWrapText(false)
	for _, p := range r.Phases {
		rate := ""
		if p.PerSecond > 0 {
			rate = fmt.Sprintf("%.0f", p.PerSecond)
		}
		items := ""
		if p.Items > 0 {
			items = fmt.Sprintf("%d", p.Items)
		}
		table.Append([]string{p.Name, fmt.Sprintf("%.2f", p.DurationMS), items, rate, p.Note})
	}
	table.SetFooter([]string{"total", fmt.Sprintf("%.2f", r.TotalMS), "", "", ""})
	table.Render()
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
