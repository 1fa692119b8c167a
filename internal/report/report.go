// Package report aggregates dispatch events into per-process statistics and summarizes how
// fairly a run shared the CPUs.
package report

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"

	"github.com/me/xvsched/pkg/model"
)

// Collector is a dispatch observer accumulating per-process statistics.
type Collector struct {
	mu         sync.Mutex
	levels     int
	procs      map[int]*model.ProcStat
	lengths    []float64
	dispatches int64
	ticks      uint64
}

// NewCollector returns an empty collector for a queue with the given number of levels.
func NewCollector(levels int) *Collector {
	return &Collector{levels: levels, procs: make(map[int]*model.ProcStat)}
}

// Observe accounts one dispatch.
func (c *Collector) Observe(ev model.DispatchEvent) {
	n := ev.Ticks()
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.procs[ev.Pid]
	if !ok {
		st = &model.ProcStat{Pid: ev.Pid, Name: ev.Name, LevelTicks: make([]uint64, c.levels)}
		c.procs[ev.Pid] = st
	}
	st.Dispatches++
	st.Ticks += n
	st.FinalLevel = ev.Level
	switch {
	case ev.Level == model.StrideLevel:
		st.StrideTick += n
	case ev.Level >= 0 && ev.Level < c.levels:
		st.LevelTicks[ev.Level] += n
	}
	c.lengths = append(c.lengths, float64(n))
	c.dispatches++
	c.ticks += n
}

// Stats returns the per-process statistics ordered by pid.
func (c *Collector) Stats() []model.ProcStat {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.ProcStat, 0, len(c.procs))
	for _, st := range c.procs {
		cp := *st
		cp.LevelTicks = slices.Clone(st.LevelTicks)
		out = append(out, cp)
	}
	slices.SortFunc(out, func(a, b model.ProcStat) int { return a.Pid - b.Pid })
	return out
}

// Dispatches returns the number of dispatches observed.
func (c *Collector) Dispatches() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatches
}

// Lengths returns a copy of every observed dispatch length in ticks.
func (c *Collector) Lengths() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.lengths)
}

// Summary describes the outcome of a run.
type Summary struct {
	Dispatches int64
	Ticks      uint64
	Procs      []model.ProcStat

	// Distribution of CPU ticks across processes.
	MeanTicks   float64
	StdDevTicks float64
	Fairness    float64 // Jain's index, 1 when every process got the same ticks

	// Distribution of dispatch lengths.
	P50, P90, P99 float64
}

// Summarize computes a Summary from per-process stats and dispatch lengths.
func Summarize(procs []model.ProcStat, lengths []float64) (Summary, error) {
	s := Summary{Procs: procs, Dispatches: int64(len(lengths))}
	if len(procs) == 0 {
		return s, nil
	}

	ticks := make(stats.Float64Data, len(procs))
	for i, p := range procs {
		ticks[i] = float64(p.Ticks)
		s.Ticks += p.Ticks
	}
	var err error
	if s.MeanTicks, err = stats.Mean(ticks); err != nil {
		return s, fmt.Errorf("mean: %w", err)
	}
	if s.StdDevTicks, err = stats.StandardDeviation(ticks); err != nil {
		return s, fmt.Errorf("stddev: %w", err)
	}
	if s.Fairness, err = jain(ticks); err != nil {
		return s, fmt.Errorf("fairness: %w", err)
	}

	if len(lengths) == 0 {
		return s, nil
	}
	if s.P50, err = stats.Percentile(lengths, 50); err != nil {
		return s, fmt.Errorf("percentile 50: %w", err)
	}
	if s.P90, err = stats.Percentile(lengths, 90); err != nil {
		return s, fmt.Errorf("percentile 90: %w", err)
	}
	if s.P99, err = stats.Percentile(lengths, 99); err != nil {
		return s, fmt.Errorf("percentile 99: %w", err)
	}
	return s, nil
}

func jain(x stats.Float64Data) (float64, error) {
	sum, err := stats.Sum(x)
	if err != nil {
		return 0, err
	}
	var sq float64
	for _, v := range x {
		sq += v * v
	}
	if sq == 0 {
		return 1, nil
	}
	return sum * sum / (float64(len(x)) * sq), nil
}

// Write renders s as a table.
func (s Summary) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "dispatches\t%s\n", humanize.Comma(s.Dispatches))
	fmt.Fprintf(tw, "ticks\t%s\n", humanize.Comma(int64(s.Ticks)))
	fmt.Fprintf(tw, "fairness\t%.3f\n", s.Fairness)
	fmt.Fprintf(tw, "ticks/proc\t%s ± %s\n", humanize.CommafWithDigits(s.MeanTicks, 1),
		humanize.CommafWithDigits(s.StdDevTicks, 1))
	fmt.Fprintf(tw, "dispatch p50/p90/p99\t%g / %g / %g\n", s.P50, s.P90, s.P99)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "PID\tNAME\tDISPATCHES\tTICKS\tSHARE\tLEVEL TICKS\tSTRIDE\tFINAL")
	for _, p := range s.Procs {
		final := fmt.Sprint(p.FinalLevel)
		if p.FinalLevel == model.StrideLevel {
			final = "stride"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.1f%%\t%v\t%s\t%s\n",
			p.Pid, p.Name, humanize.Comma(p.Dispatches), humanize.Comma(int64(p.Ticks)),
			100*p.Share(s.Ticks), p.LevelTicks, humanize.Comma(int64(p.StrideTick)), final)
	}
	return tw.Flush()
}
