package cli

import (
	"log/slog"
	"os"

	"github.com/me/xvsched/internal/config"
	"github.com/me/xvsched/internal/logging"
	"github.com/me/xvsched/internal/scheduler"
	"github.com/spf13/cobra"
)

// Version is reported by the API and recorded in traces.
var Version = "dev"

var (
	flagConfig    string
	flagServer    string
	flagDB        string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
	client *Client
)

// defaultServer returns the default API URL, checking XVSCHED_SERVER env var first.
func defaultServer() string {
	if s := os.Getenv("XVSCHED_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the xvsched CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "xvsched",
		Short: "xvsched: MLFQ and stride CPU scheduler simulator",
		Long: "xvsched runs workloads on a simulated multiprocessor whose scheduler combines a\n" +
			"multi-level feedback queue with a stride meta-scheduler, records the dispatches\n" +
			"and reports how fairly the CPU was shared.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg = config.Default()
			if flagConfig != "" {
				if cfg, err = config.Load(flagConfig); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("db") {
				cfg.Store.Path = flagDB
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = flagLogFormat
			}
			if flagDebug {
				cfg.Log.Level = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, cmd.ErrOrStderr())
			scheduler.ConfigureLock(cfg.Lock)
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Config file (YAML); defaults are used when empty")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "Run database path (overrides store.path)")
	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "xvsched API URL for ps, kill and share (or XVSCHED_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newRunsCmd(),
		newShowCmd(),
		newConfigCmd(),
		newServeCmd(),
		newPsCmd(),
		newKillCmd(),
		newShareCmd(),
	)

	return root
}
