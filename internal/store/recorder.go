package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/me/xvsched/pkg/model"
)

// RecorderConfig tunes the dispatch recorder.
type RecorderConfig struct {
	Buffer        int           // events queued between flushes
	BatchSize     int           // flush early once this many events are pending
	FlushInterval time.Duration // flush at least this often
}

// DefaultRecorderConfig returns sensible defaults.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{Buffer: 4096, BatchSize: 512, FlushInterval: 200 * time.Millisecond}
}

// Recorder persists dispatch events of one run in batches. Observe never blocks: when the
// buffer is full the event is counted as dropped.
type Recorder struct {
	store  Store
	runID  string
	config RecorderConfig
	logger *slog.Logger

	events   chan model.DispatchEvent
	recorded atomic.Int64
	dropped  atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRecorder creates a recorder for runID. Call Start to begin flushing.
func NewRecorder(st Store, runID string, cfg RecorderConfig, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  st,
		runID:  runID,
		config: cfg,
		logger: logger.With("component", "recorder", "run", runID),
		events: make(chan model.DispatchEvent, cfg.Buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Observe queues ev. It is safe to call from the dispatch loop.
func (r *Recorder) Observe(ev model.DispatchEvent) {
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Start flushes queued events until ctx is cancelled or Stop is called. Pending events are
// written before it returns.
func (r *Recorder) Start(ctx context.Context) error {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.DispatchEvent, 0, r.config.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.store.InsertDispatches(ctx, r.runID, batch); err != nil {
			r.logger.Error("flush dispatches", "count", len(batch), "error", err)
			r.dropped.Add(int64(len(batch)))
		} else {
			r.recorded.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case ev := <-r.events:
				batch = append(batch, ev)
			default:
				flush(context.WithoutCancel(ctx))
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("recorder stopping (context cancelled)")
			drain()
			return ctx.Err()
		case <-r.stopCh:
			r.logger.Debug("recorder stopping (stop called)")
			drain()
			return nil
		case <-ticker.C:
			flush(ctx)
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= r.config.BatchSize {
				flush(ctx)
			}
		}
	}
}

// Stop flushes what is queued and waits for Start to return.
func (r *Recorder) Stop() error {
	close(r.stopCh)
	<-r.doneCh
	return nil
}

// Recorded returns the number of events written so far.
func (r *Recorder) Recorded() int64 { return r.recorded.Load() }

// Dropped returns the number of events lost to a full buffer or a failed write.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }
