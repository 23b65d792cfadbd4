// Package stats aggregates stored traces into per-signature call statistics.
package stats

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"calltrace/internal/calltree"
	"calltrace/internal/sink"
	"calltrace/internal/wire"
)

const (
	minNanos = 1
	maxNanos = int64(time.Hour)
	sigFigs  = 3
)

// Collector accumulates duration histograms keyed by signature. It is safe
// for concurrent use.
type Collector struct {
	mu      sync.Mutex
	hists   map[string]*hdrhistogram.Histogram
	traces  int
	partial int
	open    int
	spawns  int
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{hists: make(map[string]*hdrhistogram.Histogram)}
}

// Add records every exited invocation of t. Open invocations of partial
// traces and thread-start markers are counted but have no duration.
func (c *Collector) Add(t *wire.Trace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traces++
	if t.Partial {
		c.partial++
	}
	if t.Root == nil {
		return
	}
	t.Root.Walk(func(n *calltree.Node) bool {
		switch {
		case n.Kind == calltree.KindThreadStart:
			c.spawns++
		case !n.Exited:
			c.open++
		default:
			c.record(n.Signature, n.Duration)
		}
		return true
	})
}

func (c *Collector) record(sig string, d time.Duration) {
	h, ok := c.hists[sig]
	if !ok {
		h = hdrhistogram.New(minNanos, maxNanos, sigFigs)
		c.hists[sig] = h
	}
	v := d.Nanoseconds()
	if v < minNanos {
		v = minNanos
	}
	if v > maxNanos {
		v = maxNanos
	}
	// In range by construction.
	_ = h.RecordValue(v)
}

// Merge folds o into c.
func (c *Collector) Merge(o *Collector) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.traces += o.traces
	c.partial += o.partial
	c.open += o.open
	c.spawns += o.spawns
	for sig, oh := range o.hists {
		if h, ok := c.hists[sig]; ok {
			h.Merge(oh)
			continue
		}
		h := hdrhistogram.New(minNanos, maxNanos, sigFigs)
		h.Merge(oh)
		c.hists[sig] = h
	}
}

// Row is the summary of one signature.
type Row struct {
	Signature string
	Calls     int64
	P50       time.Duration
	P99       time.Duration
	Max       time.Duration
	// Total is approximated from the histogram: mean times count.
	Total time.Duration
}

// Totals summarizes everything added.
type Totals struct {
	Traces     int
	Partial    int
	Open       int
	Spawns     int
	Signatures int
}

// Totals returns the overall counts.
func (c *Collector) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Totals{
		Traces:     c.traces,
		Partial:    c.partial,
		Open:       c.open,
		Spawns:     c.spawns,
		Signatures: len(c.hists),
	}
}

// Rows returns per-signature rows, heaviest total first. top limits the
// number of rows when positive.
func (c *Collector) Rows(top int) []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := make([]Row, 0, len(c.hists))
	for sig, h := range c.hists {
		n := h.TotalCount()
		rows = append(rows, Row{
			Signature: sig,
			Calls:     n,
			P50:       time.Duration(h.ValueAtQuantile(50)),
			P99:       time.Duration(h.ValueAtQuantile(99)),
			Max:       time.Duration(h.Max()),
			Total:     time.Duration(h.Mean() * float64(n)),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Total != rows[j].Total {
			return rows[i].Total > rows[j].Total
		}
		return rows[i].Signature < rows[j].Signature
	})
	if top > 0 && len(rows) > top {
		rows = rows[:top]
	}
	return rows
}

// Render writes rows as a table. Call counts are grouped in thousands.
func Render(w io.Writer, rows []Row) {
	p := message.NewPrinter(language.English)
	tbl := tablewriter.NewWriter(w)
	tbl.SetHeader([]string{"Signature", "Calls", "P50", "P99", "Max", "Total"})
	tbl.SetAutoWrapText(false)
	for _, r := range rows {
		tbl.Append([]string{
			r.Signature,
			p.Sprintf("%d", r.Calls),
			r.P50.String(),
			r.P99.String(),
			r.Max.String(),
			r.Total.String(),
		})
	}
	tbl.Render()
}

// Collect reads every trace of src. Directories of thread files are decoded
// with up to jobs files in flight; other sources are read sequentially.
func Collect(ctx context.Context, src sink.Source, jobs int) (*Collector, error) {
	c := NewCollector()
	dir, ok := src.(*sink.DirSource)
	if !ok {
		err := src.Each(func(t *wire.Trace) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.Add(t)
			return nil
		})
		return c, err
	}

	g, gctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for _, path := range dir.Paths() {
		path := path
		g.Go(func() error {
			local := NewCollector()
			err := sink.ReadFile(path, func(t *wire.Trace) error {
				if err := gctx.Err(); err != nil {
					return err
				}
				local.Add(t)
				return nil
			})
			if err != nil {
				return err
			}
			c.Merge(local)
			return nil
		})
	}
	return c, g.Wait()
}
