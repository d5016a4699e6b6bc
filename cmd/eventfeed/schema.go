package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/velmie/eventfeed"
	"github.com/velmie/eventfeed/internal/config"
	"github.com/velmie/eventfeed/internal/partition"
	"github.com/velmie/eventfeed/mysql"
	"github.com/velmie/eventfeed/postgres"
)

func newSchemaCmd(root *rootOptions) *cobra.Command {
	var (
		partitioned bool
		apply       bool
	)

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the events table DDL, or apply it with --apply",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("partitioned") {
				partitioned = cfg.Partitions.Enabled
			}

			stmts, err := schemaStatements(cfg, partitioned, time.Now().UTC())
			if err != nil {
				return err
			}
			if !apply {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.Join(stmts, "\n\n"))
				return err
			}

			ctx := cmd.Context()
			b, err := openBackend(ctx, cfg, eventfeed.NopLogger{})
			if err != nil {
				return err
			}
			defer b.Close()

			for _, stmt := range stmts {
				switch {
				case b.db != nil:
					_, err = b.db.ExecContext(ctx, stmt)
				case b.pool != nil:
					_, err = b.pool.Exec(ctx, stmt)
				}
				if err != nil {
					return fmt.Errorf("apply schema: %w", err)
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "applied %d statements to %s\n", len(stmts), cfg.Table)

			return err
		},
	}

	cmd.Flags().BoolVar(&partitioned, "partitioned", false, "Create a range-partitioned table (defaults to partitions.enabled)")
	cmd.Flags().BoolVar(&apply, "apply", false, "Execute the DDL against the configured database")

	return cmd
}

// schemaStatements builds the DDL for the configured backend. Partitioned tables start with
// the partitions covering now through the lookahead.
func schemaStatements(cfg config.Config, partitioned bool, now time.Time) ([]string, error) {
	period, err := partition.ParsePeriod(cfg.Partitions.Period)
	if err != nil {
		return nil, err
	}
	lookahead := cfg.Partitions.Lookahead
	if lookahead <= 0 {
		lookahead = period.DefaultLookahead()
	}

	switch cfg.Backend {
	case config.BackendMySQL:
		var events string
		if partitioned {
			events, err = mysql.PartitionedSchema(cfg.Table, mysql.InitialPartitions(period, now, lookahead))
		} else {
			events, err = mysql.Schema(cfg.Table)
		}
		if err != nil {
			return nil, err
		}
		heads, err := mysql.HeadsSchema(cfg.Table)
		if err != nil {
			return nil, err
		}
		return []string{events, heads}, nil
	case config.BackendPostgres:
		var events string
		if partitioned {
			events, err = postgres.PartitionedSchema(cfg.Table, partition.Ahead(period, now, lookahead))
		} else {
			events, err = postgres.Schema(cfg.Table)
		}
		if err != nil {
			return nil, err
		}
		return []string{events}, nil
	default:
		return nil, fmt.Errorf("%w: schema on %s", errBackendUnsupported, cfg.Backend)
	}
}
