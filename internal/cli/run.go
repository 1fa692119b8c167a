package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/me/xvsched/internal/clock"
	"github.com/me/xvsched/internal/config"
	"github.com/me/xvsched/internal/kernel"
	"github.com/me/xvsched/internal/report"
	"github.com/me/xvsched/internal/server"
	"github.com/me/xvsched/internal/store"
	"github.com/me/xvsched/internal/tracing"
	"github.com/me/xvsched/internal/workload"
	"github.com/me/xvsched/pkg/model"
	"github.com/spf13/cobra"
)

type runOptions struct {
	traceFile string
	serveAddr string
	noRecord  bool
	seed      int64
	seedSet   bool
	ncpu      int
	tick      time.Duration
}

func newRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <workload.yaml>",
		Short: "Run a workload and report how the CPU was shared",
		Long: `Boots a kernel, starts the processes of the workload, injects its arrivals and
waits until every process has exited or the workload duration has elapsed.

Dispatches are recorded in the run database when store.path (or --db) is set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := workload.Load(args[0])
			if err != nil {
				return err
			}
			opts.seedSet = cmd.Flags().Changed("seed")
			if opts.ncpu > 0 {
				cfg.Kernel.NCPU = opts.ncpu
			}
			if opts.tick > 0 {
				cfg.Clock.Tick = opts.tick
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			_, err = executeRun(ctx, cfg, w, opts, cmd.OutOrStdout(), logger)
			return err
		},
	}

	cmd.Flags().StringVar(&opts.traceFile, "trace", "", `Write OpenTelemetry spans to a file ("-" for stdout)`)
	cmd.Flags().StringVar(&opts.serveAddr, "serve", "", "Serve the introspection API on this address while the run lasts")
	cmd.Flags().BoolVar(&opts.noRecord, "no-record", false, "Do not record the run even when a database is configured")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "Override the workload's arrival seed")
	cmd.Flags().IntVar(&opts.ncpu, "ncpu", 0, "Override kernel.ncpu")
	cmd.Flags().DurationVar(&opts.tick, "tick", 0, "Override clock.tick")

	return cmd
}

// executeRun runs w on a fresh kernel, records it when a store is configured and writes
// the outcomes and the fairness summary to out.
func executeRun(ctx context.Context, cfg config.Config, w *workload.Workload, opts runOptions, out io.Writer, logger *slog.Logger) (*model.Run, error) {
	if opts.seedSet {
		w.Seed = opts.seed
	}
	cfgYAML, err := cfg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	run := &model.Run{
		ID:        "run_" + uuid.New().String()[:8],
		Workload:  w.Name,
		Config:    string(cfgYAML),
		NCPU:      cfg.Kernel.NCPU,
		Seed:      w.Seed,
		StartedAt: time.Now().UTC(),
	}
	logger = logger.With("run", run.ID)

	tp, err := tracing.Open("xvsched", Version, opts.traceFile)
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	collector := report.NewCollector(cfg.MLFQ.Levels())
	kopts := []kernel.Option{
		kernel.WithObserver(collector.Observe),
		kernel.WithTracer(tp.Tracer()),
	}

	var (
		st  store.Store
		rec *store.Recorder
	)
	if cfg.Store.Path != "" && !opts.noRecord {
		sqlite, err := openStore(ctx, cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
		defer sqlite.Close()
		st = sqlite
		if err := st.CreateRun(ctx, run); err != nil {
			return nil, err
		}
		rec = store.NewRecorder(st, run.ID, store.DefaultRecorderConfig(), logger)
		go func() {
			if err := rec.Start(context.WithoutCancel(ctx)); err != nil {
				logger.Error("recorder stopped", "error", err)
			}
		}()
		kopts = append(kopts, kernel.WithObserver(rec.Observe))
	}

	k, err := kernel.New(cfg, clock.NewTicker(cfg.Clock.Tick), logger, kopts...)
	if err != nil {
		return nil, err
	}

	if opts.serveAddr != "" {
		srvOpts := []server.Option{server.WithKernel(k), server.WithVersion(Version)}
		if st != nil {
			srvOpts = append(srvOpts, server.WithStore(st))
		}
		srv := server.New(config.ServerConfig{Addr: opts.serveAddr}, logger, srvOpts...)
		srvCtx, stopSrv := context.WithCancel(ctx)
		defer stopSrv()
		go func() {
			if err := srv.ListenAndServe(srvCtx); err != nil {
				logger.Error("introspection server", "error", err)
			}
		}()
	}

	runCtx, span := tp.StartRun(ctx, run.ID, w.Name)
	res, runErr := workload.NewRunner(k, w, cfg.Clock.Tick, logger).Run(runCtx)
	if errors.Is(runErr, context.Canceled) {
		logger.Warn("run interrupted")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.Shutdown(shutdownCtx); err != nil {
		logger.Warn("kernel shutdown", "error", err)
	}
	tracing.EndSpan(span, runErr)

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.Ticks = k.Uptime()
	run.Dispatches = collector.Dispatches()
	run.Procs = collector.Stats()
	if rec != nil {
		rec.Stop()
		run.Dropped = rec.Dropped()
		if err := st.CompleteRun(context.WithoutCancel(ctx), run); err != nil {
			return run, err
		}
	}

	if res != nil {
		if err := writeOutcomes(out, run, res); err != nil {
			return run, err
		}
	}
	summary, err := report.Summarize(run.Procs, collector.Lengths())
	if err != nil {
		return run, fmt.Errorf("summarize: %w", err)
	}
	if err := summary.Write(out); err != nil {
		return run, err
	}
	return run, runErr
}

func openStore(ctx context.Context, path string, logger *slog.Logger) (*store.SQLiteStore, error) {
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return st, nil
}

func writeOutcomes(out io.Writer, run *model.Run, res *workload.RunResult) error {
	status := "completed"
	if res.TimedOut {
		status = "timed out"
	}
	fmt.Fprintf(out, "Run %s (%s): %s after %s ticks, %s processes created",
		run.ID, run.Workload, status, humanize.Comma(int64(res.Ticks)), humanize.Comma(res.Created))
	if res.Refused > 0 {
		fmt.Fprintf(out, ", %s refused", humanize.Comma(res.Refused))
	}
	fmt.Fprintln(out)

	outcomes := res.Results.Outcomes()
	if len(outcomes) == 0 {
		fmt.Fprintln(out)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tKIND\tWORK\tROUNDS\tRESULT")
	for _, o := range outcomes {
		result := "ok"
		switch {
		case o.Err != "":
			result = o.Err
		case o.Value != nil:
			result = fmt.Sprint(o.Value)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", o.Pid, o.Name, o.Kind, humanize.Comma(int64(o.Work)), o.Rounds, result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(out)
	return nil
}
