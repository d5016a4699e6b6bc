package mysql

import (
	"fmt"
	"strings"
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id BINARY(16) NOT NULL,
	recipient_id VARCHAR(128) NOT NULL,
	event_type VARCHAR(128) NOT NULL,
	schema_version SMALLINT UNSIGNED NOT NULL,
	payload JSON NOT NULL,
	occurred_at DATETIME(6) NOT NULL,
	delivered_at DATETIME(6) NULL,
	created_ts BIGINT GENERATED ALWAYS AS (CONV(SUBSTR(HEX(id), 1, 12), 16, 10) DIV 1000) STORED,
	PRIMARY KEY (id, created_ts),
	INDEX idx_recipient_id (recipient_id, id)
)%s;`

const headsTemplate = `CREATE TABLE IF NOT EXISTS %s (
	recipient_id VARCHAR(128) NOT NULL,
	last_id BINARY(16) NOT NULL,
	PRIMARY KEY (recipient_id),
	INDEX idx_last_id (last_id)
);`

const (
	headsSuffix           = "_heads"
	partitionClausePrefix = "\nPARTITION BY RANGE (created_ts) ("
	partitionClauseSuffix = "\n)"
	maxPartitionName      = "pmax"
)

// Partition defines a range partition for created_ts (unix seconds of the id timestamp).
type Partition struct {
	Name     string
	LessThan string
}

// Schema returns the events table DDL without partitioning.
func Schema(table string) (string, error) {
	return buildSchema(table, "")
}

// PartitionedSchema returns the events table DDL with RANGE partitions on created_ts.
// Include a MAXVALUE partition so PartitionMaintainer can reorganize it.
func PartitionedSchema(table string, partitions []Partition) (string, error) {
	if len(partitions) == 0 {
		return "", ErrPartitionsRequired
	}

	var clause strings.Builder
	clause.WriteString(partitionClausePrefix)
	for i, part := range partitions {
		if part.Name == "" || part.LessThan == "" {
			return "", ErrInvalidPartition
		}
		if i > 0 {
			clause.WriteString(",")
		}
		fmt.Fprintf(&clause, "\n\tPARTITION %s VALUES LESS THAN (%s)", part.Name, part.LessThan)
	}
	clause.WriteString(partitionClauseSuffix)

	return buildSchema(table, clause.String())
}

// HeadsSchema returns the DDL of the per-recipient heads table used by Append.
func HeadsSchema(table string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(headsTemplate, headsTableName(name)), nil
}

// MaxPartition is the catch-all partition every partitioned schema should end with.
func MaxPartition() Partition {
	return Partition{Name: maxPartitionName, LessThan: "MAXVALUE"}
}

func buildSchema(table, partitionClause string) (string, error) {
	name, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, name, partitionClause), nil
}
