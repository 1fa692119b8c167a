// Package clock provides the monotonic tick counter the scheduler measures time with.
package clock

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock is a monotonic tick counter. Now never blocks.
type Clock interface {
	Now() uint64
	// C delivers the tick count after each tick. A slow receiver only sees the latest value.
	C() <-chan uint64
}

// Runner is implemented by clocks that advance on their own once started.
type Runner interface {
	Run(ctx context.Context)
}

type counter struct {
	ticks atomic.Uint64
	c     chan uint64
}

func (c *counter) Now() uint64 { return c.ticks.Load() }

func (c *counter) C() <-chan uint64 { return c.c }

func (c *counter) add(n uint64) uint64 {
	now := c.ticks.Add(n)
	select {
	case c.c <- now:
	default:
		// Replace the stale value so receivers see the newest count.
		select {
		case <-c.c:
		default:
		}
		select {
		case c.c <- now:
		default:
		}
	}
	return now
}

// Ticker advances one tick per period of wall-clock time.
type Ticker struct {
	counter
	period time.Duration
}

// NewTicker returns a Ticker; call Run to start it.
func NewTicker(period time.Duration) *Ticker {
	return &Ticker{counter: counter{c: make(chan uint64, 1)}, period: period}
}

// Run advances the counter until ctx is cancelled.
func (t *Ticker) Run(ctx context.Context) {
	tk := time.NewTicker(t.period)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.add(1)
		}
	}
}

// Manual only advances when told to. Tests use it for deterministic elapsed times.
type Manual struct {
	counter
}

// NewManual returns a Manual clock at tick 0.
func NewManual() *Manual {
	return &Manual{counter: counter{c: make(chan uint64, 1)}}
}

// Advance moves the clock forward by n ticks and returns the new count.
func (m *Manual) Advance(n uint64) uint64 {
	return m.add(n)
}
