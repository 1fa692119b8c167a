package workload

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/xvsched/internal/clock"
	"github.com/me/xvsched/internal/config"
	"github.com/me/xvsched/internal/kernel"
	"github.com/me/xvsched/internal/logging"
	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/internal/scheduler"
)

func TestMain(m *testing.M) {
	scheduler.ConfigureLock(config.Default().Lock)
	os.Exit(m.Run())
}

func newTestKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	cfg := config.Default()
	cfg.Clock.Tick = time.Millisecond
	k, err := kernel.New(cfg, clock.NewTicker(cfg.Clock.Tick), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, k.Shutdown(ctx))
	})
	return k
}

func run(t *testing.T, doc string) *RunResult {
	t.Helper()
	w, err := Parse([]byte(doc))
	require.NoError(t, err)
	k := newTestKernel(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	res, err := NewRunner(k, w, time.Millisecond, logging.Discard()).Run(ctx)
	require.NoError(t, err)
	return res
}

func TestRun_Mixed(t *testing.T) {
	res := run(t, `
name: mixed
processes:
  - name: hog
    kind: compute
    work: 20
  - name: polite
    kind: compute
    work: 5
    yield: true
  - name: share
    kind: stride
    share: 20
    work: 10
  - name: workers
    kind: threads
    threads: 3
    work: 5
  - name: pp
    kind: pingpong
    rounds: 10
  - name: js
    kind: script
    source: "set_cpu_share(10); yield(); getlev()"
`)
	assert.False(t, res.TimedOut)
	assert.Equal(t, int64(6), res.Created)

	byName := map[string]Outcome{}
	for _, o := range res.Results.Outcomes() {
		byName[o.Name] = o
	}
	require.Len(t, byName, 6)

	assert.GreaterOrEqual(t, byName["hog"].Work, uint64(20))
	assert.NotEmpty(t, byName["hog"].Levels)
	assert.GreaterOrEqual(t, byName["polite"].Work, uint64(5))

	share := byName["share"]
	assert.Empty(t, share.Err)
	assert.Contains(t, share.Levels, -1)

	assert.GreaterOrEqual(t, byName["workers"].Work, uint64(5))
	assert.Empty(t, byName["workers"].Err)
	assert.Positive(t, byName["workers"].Rounds)

	assert.Equal(t, 20, byName["pp"].Rounds)

	assert.Empty(t, byName["js"].Err)
	assert.EqualValues(t, -1, byName["js"].Value)
}

func TestRun_Arrivals(t *testing.T) {
	res := run(t, `
seed: 3
processes:
  - name: burst
    kind: compute
    work: 1
    rate: 0.5
    until: 20
`)
	want := 0
	a := newArrivals(0, 0.5, 20, 3)
	for tick := range uint64(20) {
		want += a.draw(tick)
	}
	assert.Equal(t, int64(want), res.Created+res.Refused)
	assert.Len(t, res.Results.Outcomes(), int(res.Created))
	assert.GreaterOrEqual(t, res.Ticks, uint64(20))
}

func TestRun_Duration(t *testing.T) {
	res := run(t, `
duration: 30
processes:
  - name: forever
    kind: compute
    work: 100000000
`)
	assert.True(t, res.TimedOut)
	assert.GreaterOrEqual(t, res.Ticks, uint64(30))
	assert.Empty(t, res.Results.Outcomes())
}

func TestRun_BadScript(t *testing.T) {
	w, err := Parse([]byte("processes:\n  - kind: script\n    source: \"function (\"\n"))
	require.NoError(t, err)
	_, err = NewRunner(newTestKernel(t), w, time.Millisecond, logging.Discard()).Run(context.Background())
	assert.ErrorContains(t, err, "compile")
}

func TestJoinWorkers_PanickedWorker(t *testing.T) {
	k := newTestKernel(t)
	out := make(chan Outcome, 1)

	err := k.Boot(context.Background(), func(t *kernel.Task) {
		_, _ = t.Fork("workers", func(t *kernel.Task) {
			o := Outcome{Pid: t.Pid()}
			good, err := t.SpawnThread(func(*kernel.Task, any) any { return 3 }, nil)
			if err != nil {
				o.Err = err.Error()
			}
			bad, err := t.SpawnThread(func(*kernel.Task, any) any { panic("boom") }, nil)
			if err != nil {
				o.Err = err.Error()
			}
			joinWorkers(t, []*proc.JoinHandle{good, bad}, &o)
			out <- o
		})
		for {
			_ = t.SleepTicks(1000)
		}
	})
	require.NoError(t, err)

	var o Outcome
	select {
	case o = <-out:
	case <-time.After(5 * time.Second):
		t.Fatal("workers program never finished joining")
	}
	assert.Equal(t, 3, o.Rounds)
	assert.Contains(t, o.Err, "returned no result")
}
