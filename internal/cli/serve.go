package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/me/xvsched/internal/server"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the recorded runs over the introspection API",
		Long: `Serves /api/v1/runs from the run database. Live process and scheduler views are
only available while a run started with --serve is in progress.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Store.Path == "" {
				return errNoDatabase
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			st, err := openStore(cmd.Context(), cfg.Store.Path, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(cfg.Server, logger, server.WithStore(st), server.WithVersion(Version))
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
