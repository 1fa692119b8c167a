package kernel

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/me/xvsched/internal/clock"
	"github.com/me/xvsched/internal/config"
	"github.com/me/xvsched/internal/logging"
	"github.com/me/xvsched/internal/proc"
	"github.com/me/xvsched/internal/scheduler"
	"github.com/me/xvsched/pkg/model"
)

func TestMain(m *testing.M) {
	scheduler.ConfigureLock(config.Default().Lock)
	os.Exit(m.Run())
}

const waitFor = 5 * time.Second

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Kernel = config.KernelConfig{NCPU: 2, NProc: 16, NThread: 4}
	cfg.Clock.Tick = time.Millisecond
	return cfg
}

func newKernel(t *testing.T, clk clock.Clock, opts ...Option) *Kernel {
	t.Helper()
	k, err := New(testConfig(), clk, logging.Discard(), opts...)
	require.NoError(t, err)
	return k
}

func boot(t *testing.T, k *Kernel, init Program) {
	t.Helper()
	require.NoError(t, k.Boot(context.Background(), init))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		assert.NoError(t, k.Shutdown(ctx))
	})
}

// park blocks the calling program until the kernel shuts down.
func park(t *Task) {
	var idle int
	for {
		t.Sleep(&idle, nil)
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out")
	}
	var zero T
	return zero
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Kernel.NCPU = 0
	_, err := New(cfg, clock.NewManual(), logging.Discard())
	assert.ErrorContains(t, err, "kernel.ncpu")
}

func TestForkWaitExit(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	type result struct {
		forked []int
		reaped []int
		err    error
	}
	out := make(chan result, 1)

	boot(t, k, func(t *Task) {
		var r result
		for range 3 {
			pid, err := t.Fork("child", func(t *Task) {})
			if err != nil {
				r.err = err
				break
			}
			r.forked = append(r.forked, pid)
		}
		for range r.forked {
			pid, err := t.Wait()
			if err != nil {
				r.err = err
				break
			}
			r.reaped = append(r.reaped, pid)
		}
		_, r.err = t.Wait()
		out <- r
		park(t)
	})

	r := recv(t, out)
	assert.ErrorIs(t, r.err, model.ErrNoChildren)
	assert.ElementsMatch(t, r.forked, r.reaped)
	require.Len(t, r.forked, 3)

	procs := k.Procdump()
	require.Len(t, procs, 1, "only init remains")
	assert.Equal(t, "init", procs[0].Name)
	assert.Equal(t, 1, procs[0].Pid)
}

func TestSleepWakeup(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	ch := new(int)
	woke := make(chan int, 1)

	boot(t, k, func(t *Task) {
		_, _ = t.Fork("sleeper", func(t *Task) {
			t.Sleep(ch, nil)
			woke <- t.Pid()
		})
		park(t)
	})

	var pid int
	require.Eventually(t, func() bool {
		for _, p := range k.Procdump() {
			if p.Name == "sleeper" && len(p.Threads) == 1 && p.Threads[0].State == model.StateSleeping {
				pid = p.Pid
				return true
			}
		}
		return false
	}, waitFor, time.Millisecond)

	k.Wakeup(new(int))
	select {
	case <-woke:
		t.Fatal("woken by an unrelated channel")
	case <-time.After(20 * time.Millisecond):
	}

	k.Wakeup(ch)
	assert.Equal(t, pid, recv(t, woke))
}

func TestSleep_ReleasesLock(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	var (
		mu    sync.Mutex
		ready bool
	)
	done := make(chan bool, 1)

	boot(t, k, func(t *Task) {
		_, _ = t.Fork("consumer", func(t *Task) {
			mu.Lock()
			for !ready {
				t.Sleep(&ready, &mu)
			}
			mu.Unlock()
			done <- true
		})
		_, _ = t.Fork("producer", func(t *Task) {
			t.Yield()
			mu.Lock()
			ready = true
			mu.Unlock()
			t.Wakeup(&ready)
		})
		park(t)
	})

	assert.True(t, recv(t, done))
}

func TestKill_Sleeping(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	pids := make(chan int, 1)
	errs := make(chan error, 1)
	reaped := make(chan int, 1)

	boot(t, k, func(t *Task) {
		pid, _ := t.Fork("napper", func(t *Task) {
			errs <- t.SleepTicks(1_000_000)
		})
		pids <- pid
		got, _ := t.Wait()
		reaped <- got
		park(t)
	})

	pid := recv(t, pids)
	require.Eventually(t, func() bool {
		p, err := k.Process(pid)
		return err == nil && p.Threads[0].State == model.StateSleeping
	}, waitFor, time.Millisecond)
	require.NoError(t, k.Kill(pid))

	assert.ErrorIs(t, recv(t, errs), model.ErrKilled)
	assert.Equal(t, pid, recv(t, reaped))
	assert.ErrorIs(t, k.Kill(pid), model.ErrNoProc)
}

func TestKill_Running(t *testing.T) {
	k := newKernel(t, clock.NewTicker(time.Millisecond))
	pids := make(chan int, 1)
	reaped := make(chan int, 1)

	boot(t, k, func(t *Task) {
		pid, _ := t.Fork("spinner", func(t *Task) {
			for {
				t.Preempt()
			}
		})
		pids <- pid
		got, _ := t.Wait()
		reaped <- got
		park(t)
	})

	pid := recv(t, pids)
	require.NoError(t, k.Kill(pid))
	assert.Equal(t, pid, recv(t, reaped))
}

func TestSetCPUShare(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	type result struct {
		before, after int
		grow, tooBig  error
		invalid       error
	}
	out := make(chan result, 1)

	boot(t, k, func(t *Task) {
		_, _ = t.Fork("share", func(t *Task) {
			var r result
			r.before = t.GetLevel()
			if err := t.SetCPUShare(20); err != nil {
				r.grow = err
			}
			r.after = t.GetLevel()
			r.tooBig = t.SetCPUShare(90)
			r.invalid = t.SetCPUShare(0)
			out <- r
			park(t)
		})
		park(t)
	})

	r := recv(t, out)
	assert.Equal(t, 0, r.before)
	assert.Equal(t, model.StrideLevel, r.after)
	assert.NoError(t, r.grow)

	var se *model.ShareError
	require.ErrorAs(t, r.tooBig, &se)
	assert.Equal(t, model.ShareCapExceeded, se.Reason)
	require.ErrorAs(t, r.invalid, &se)
	assert.Equal(t, model.ShareInvalid, se.Reason)

	snap := k.Snapshot()
	assert.Equal(t, 20, snap.StrideTotal)
	require.Len(t, snap.Stride, 2)
	assert.Equal(t, 80, snap.Stride[0].Tickets)
}

func TestSetCPUShare_RunsWhileInitWaits(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	const rounds = 20
	progress := make(chan int, rounds)
	exited := make(chan int, 1)

	boot(t, k, func(t *Task) {
		_, _ = t.Fork("share", func(t *Task) {
			if err := t.SetCPUShare(10); err != nil {
				return
			}
			for i := range rounds {
				progress <- i
				t.Yield()
			}
		})
		pid, _ := t.Wait()
		exited <- pid
		park(t)
	})

	for want := range rounds {
		assert.Equal(t, want, recv(t, progress))
	}
	assert.Equal(t, 2, recv(t, exited))
}

func TestRequestCPUShare_External(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	boot(t, k, park)

	pid, err := k.CreateProcess("worker", park)
	require.NoError(t, err)

	require.NoError(t, k.RequestCPUShare(pid, 50))
	lvl, err := k.CurrentLevel(pid)
	require.NoError(t, err)
	assert.Equal(t, model.StrideLevel, lvl)

	var se *model.ShareError
	require.ErrorAs(t, k.RequestCPUShare(1, 40), &se)
	assert.Equal(t, 30, se.Available)

	assert.ErrorIs(t, k.RequestCPUShare(999, 10), model.ErrNoProc)
	_, err = k.CurrentLevel(999)
	assert.ErrorIs(t, err, model.ErrNoProc)

	info, err := k.Process(pid)
	require.NoError(t, err)
	assert.Equal(t, 50, info.Sched.Tickets)
	assert.Equal(t, 1, info.Parent)
}

func TestThreads_SpawnJoin(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	type result struct {
		sum     int
		rejoin  error
		tooMany error
	}
	out := make(chan result, 1)

	boot(t, k, func(t *Task) {
		_, _ = t.Fork("threads", func(t *Task) {
			var r result
			double := func(t *Task, arg any) any {
				t.Yield()
				return arg.(int) * 2
			}
			var hs []*proc.JoinHandle
			for i := 1; i <= 3; i++ {
				h, err := t.SpawnThread(double, i)
				if err != nil {
					r.tooMany = err
					break
				}
				hs = append(hs, h)
			}
			_, r.tooMany = t.SpawnThread(double, 0)
			for _, h := range hs {
				v, err := t.JoinThread(h)
				if err == nil {
					r.sum += v.(int)
				}
			}
			_, r.rejoin = t.JoinThread(hs[0])
			out <- r
		})
		park(t)
	})

	r := recv(t, out)
	assert.Equal(t, 12, r.sum)
	assert.ErrorIs(t, r.rejoin, model.ErrNoThread)
	assert.ErrorIs(t, r.tooMany, model.ErrTableFull, "nthread is 4")
}

func TestThreads_SwitchThread(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	out := make(chan []string, 1)

	boot(t, k, func(t *Task) {
		_, _ = t.Fork("switcher", func(t *Task) {
			var trace []string
			h, _ := t.SpawnThread(func(t *Task, _ any) any {
				trace = append(trace, "worker")
				t.SwitchThread()
				trace = append(trace, "worker again")
				return nil
			}, nil)
			trace = append(trace, "main")
			t.SwitchThread()
			trace = append(trace, "main again")
			t.SwitchThread()
			_, _ = t.JoinThread(h)
			trace = append(trace, "joined")
			out <- trace
		})
		park(t)
	})

	assert.Equal(t, []string{"main", "worker", "main again", "worker again", "joined"}, recv(t, out))
}

func TestThreads_LastThreadExitsProcess(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	reaped := make(chan int, 1)
	pids := make(chan int, 1)

	boot(t, k, func(t *Task) {
		pid, _ := t.Fork("lonely", func(t *Task) {
			t.ExitThread("bye")
		})
		pids <- pid
		got, _ := t.Wait()
		reaped <- got
		park(t)
	})

	assert.Equal(t, recv(t, pids), recv(t, reaped))
}

func TestOrphansReparentToInit(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	grandchild := make(chan int, 1)
	reaped := make(chan []int, 1)

	boot(t, k, func(t *Task) {
		_, _ = t.Fork("parent", func(t *Task) {
			pid, _ := t.Fork("orphan", park)
			grandchild <- pid
		})
		var got []int
		for {
			pid, err := t.Wait()
			if err != nil {
				break
			}
			got = append(got, pid)
		}
		reaped <- got
		park(t)
	})

	orphan := recv(t, grandchild)
	require.Eventually(t, func() bool {
		p, err := k.Process(orphan)
		return err == nil && p.Parent == 1
	}, waitFor, time.Millisecond)
	require.NoError(t, k.Kill(orphan))

	got := recv(t, reaped)
	assert.Len(t, got, 2)
	assert.Contains(t, got, orphan)
}

func TestProgramPanicExitsKilled(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	pids := make(chan int, 1)
	reaped := make(chan int, 1)

	boot(t, k, func(t *Task) {
		pid, _ := t.Fork("crash", func(t *Task) {
			panic("boom")
		})
		pids <- pid
		got, _ := t.Wait()
		reaped <- got
		park(t)
	})

	assert.Equal(t, recv(t, pids), recv(t, reaped))
}

func TestInitExitIsFatal(t *testing.T) {
	fatals := make(chan *model.FatalError, 1)
	k := newKernel(t, clock.NewManual(), WithFatalHandler(func(fe *model.FatalError) { fatals <- fe }))
	require.NoError(t, k.Boot(context.Background(), func(t *Task) {}))

	fe := recv(t, fatals)
	assert.Equal(t, model.FatalInitExit, fe.Kind)
	assert.True(t, k.Halted())
}

func TestBootTwice(t *testing.T) {
	k := newKernel(t, clock.NewManual())
	boot(t, k, park)
	assert.Error(t, k.Boot(context.Background(), park))
}

func TestSleepTicks(t *testing.T) {
	clk := clock.NewManual()
	k := newKernel(t, clk)
	done := make(chan uint64, 1)

	boot(t, k, func(t *Task) {
		_, _ = t.Fork("timer", func(t *Task) {
			if err := t.SleepTicks(3); err == nil {
				done <- t.Uptime()
			}
		})
		park(t)
	})

	deadline := time.Now().Add(waitFor)
	for {
		select {
		case up := <-done:
			assert.GreaterOrEqual(t, up, uint64(3))
			return
		default:
		}
		require.True(t, time.Now().Before(deadline), "timed sleep never finished")
		clk.Advance(1)
		time.Sleep(time.Millisecond)
	}
}

func TestDemotionUnderLoad(t *testing.T) {
	k := newKernel(t, clock.NewTicker(time.Millisecond))
	levels := make(chan int, 1)

	boot(t, k, func(t *Task) {
		_, _ = t.Fork("hog", func(t *Task) {
			for t.GetLevel() == 0 {
				t.Preempt()
			}
			levels <- t.GetLevel()
			park(t)
		})
		park(t)
	})

	assert.Greater(t, recv(t, levels), 0)
}

func TestObserverSeesDispatches(t *testing.T) {
	var n atomic.Int64
	k := newKernel(t, clock.NewManual(), WithObserver(func(ev model.DispatchEvent) {
		if ev.Name == "yielder" {
			n.Add(1)
		}
	}))
	done := make(chan struct{})

	boot(t, k, func(t *Task) {
		_, _ = t.Fork("yielder", func(t *Task) {
			for range 10 {
				t.Yield()
			}
			close(done)
		})
		park(t)
	})

	recv(t, done)
	assert.GreaterOrEqual(t, n.Load(), int64(10))
}

func TestShutdown_StopsSpinners(t *testing.T) {
	k := newKernel(t, clock.NewTicker(time.Millisecond))
	require.NoError(t, k.Boot(context.Background(), func(t *Task) {
		for range 3 {
			_, _ = t.Fork("spin", func(t *Task) {
				for {
					t.Preempt()
				}
			})
		}
		park(t)
	}))
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, k.Shutdown(ctx))
	assert.True(t, k.Halted())
	assert.NoError(t, k.Shutdown(ctx), "second shutdown")
}
