package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/velmie/eventfeed/zaplog"
)

func newPartitionsCmd(root *rootOptions) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "Create upcoming partitions and drop partitions older than the retention",
		Long: "Wraps the partition maintainer for cron jobs when the application itself " +
			"should not run DDL. Only one instance does work at a time; others skip on the advisory lock.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, zl, err := root.setup()
			if err != nil {
				return err
			}
			defer func() {
				_ = zl.Sync()
			}()
			logger := zaplog.New(zl)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			m, ensure, err := b.partitionMaintainer(cfg, logger)
			if err != nil {
				return err
			}
			if once {
				if err := ensure(ctx); err != nil {
					return fmt.Errorf("ensure partitions: %w", err)
				}
				return nil
			}
			if err := m.Run(ctx); err != nil && !errors.Is(err, ctx.Err()) {
				return fmt.Errorf("run maintainer: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run one pass and exit")

	return cmd
}
