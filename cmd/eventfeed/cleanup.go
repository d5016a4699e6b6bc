package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/eventfeed/zaplog"
)

func newCleanupCmd(root *rootOptions) *cobra.Command {
	var (
		once      bool
		retention time.Duration
		events    bool
	)

	cmd := &cobra.Command{
		Use:   "heads-cleanup",
		Short: "Prune MySQL recipient heads outside the retention window",
		Long: "Deletes ordering heads whose last event is older than the retention. With --events it " +
			"also deletes expired events, which only makes sense for unpartitioned tables.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, zl, err := root.setup()
			if err != nil {
				return err
			}
			defer func() {
				_ = zl.Sync()
			}()
			logger := zaplog.New(zl)

			if retention > 0 {
				cfg.Retention = retention
			}
			if cmd.Flags().Changed("events") {
				cfg.Cleanup.Events = events
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			m, err := b.cleanupMaintainer(cfg, logger)
			if err != nil {
				return err
			}
			if once {
				res, err := m.Ensure(ctx)
				if err != nil {
					return fmt.Errorf("cleanup: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed heads=%d events=%d\n", res.Heads, res.Events)
				return err
			}
			if err := m.Run(ctx); err != nil && !errors.Is(err, ctx.Err()) {
				return fmt.Errorf("run cleanup: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run one pass and exit")
	cmd.Flags().DurationVar(&retention, "retention", 0, "Override the configured retention (e.g. 720h)")
	cmd.Flags().BoolVar(&events, "events", false, "Also delete expired events (unpartitioned tables only)")

	return cmd
}
