package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/velmie/eventfeed/internal/partition"
)

const tableTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id UUID NOT NULL,
	recipient_id VARCHAR(128) NOT NULL,
	event_type VARCHAR(128) NOT NULL,
	schema_version SMALLINT NOT NULL CHECK (schema_version > 0),
	payload JSONB NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	delivered_at TIMESTAMPTZ NULL,
	PRIMARY KEY (id, occurred_at)
)%s;`

const indexTemplate = `CREATE INDEX IF NOT EXISTS %s_recipient_id_idx ON %s (recipient_id, id);`

const defaultPartitionSuffix = "default"

// Schema returns the DDL of an unpartitioned events table and its recipient index.
func Schema(table string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return joinStatements(
		fmt.Sprintf(tableTemplate, name, ""),
		indexStatement(name),
	), nil
}

// PartitionedSchema returns the DDL of an events table range-partitioned on occurred_at,
// with the given initial partitions and a DEFAULT partition that catches rows outside them.
func PartitionedSchema(table string, ranges []partition.Range) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	stmts := []string{
		fmt.Sprintf(tableTemplate, name, " PARTITION BY RANGE (occurred_at)"),
		indexStatement(name),
	}
	for _, r := range ranges {
		stmts = append(stmts, createPartitionStatement(name, r))
	}
	stmts = append(stmts, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s DEFAULT;",
		childTable(name, defaultPartitionSuffix),
		name,
	))

	return joinStatements(stmts...), nil
}

func indexStatement(table string) string {
	_, bare := splitTable(table)

	return fmt.Sprintf(indexTemplate, bare, table)
}

func createPartitionStatement(table string, r partition.Range) string {
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s');",
		childTable(table, r.Suffix),
		table,
		r.From.UTC().Format(time.RFC3339),
		r.To.UTC().Format(time.RFC3339),
	)
}

func joinStatements(stmts ...string) string {
	return strings.Join(stmts, "\n")
}
