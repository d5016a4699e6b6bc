package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("eventfeed mysql: db is required")
	// ErrExecutorRequired is returned when Append is called with a nil executor.
	ErrExecutorRequired = errors.New("eventfeed mysql: executor is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("eventfeed mysql: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("eventfeed mysql: invalid table name")
	// ErrPartitionsRequired is returned when partition definitions are missing.
	ErrPartitionsRequired = errors.New("eventfeed mysql: partitions are required")
	// ErrInvalidPartition is returned when a partition definition is invalid.
	ErrInvalidPartition = errors.New("eventfeed mysql: invalid partition definition")
	// ErrPartitionPeriodRequired is returned when the partition period is missing or invalid.
	ErrPartitionPeriodRequired = errors.New("eventfeed mysql: partition period is required")
	// ErrPartitionRetentionInvalid is returned when retention is negative.
	ErrPartitionRetentionInvalid = errors.New("eventfeed mysql: partition retention must be non-negative")
	// ErrPartitionSchemaRequired is returned when the database name cannot be resolved.
	ErrPartitionSchemaRequired = errors.New("eventfeed mysql: database name is required for partition maintenance")
	// ErrPartitionDescriptionInvalid is returned when partition description cannot be parsed.
	ErrPartitionDescriptionInvalid = errors.New("eventfeed mysql: invalid partition description")
	// ErrPartitionNameConflict is returned when a generated partition name already exists.
	ErrPartitionNameConflict = errors.New("eventfeed mysql: partition name conflict")
	// ErrPartitionedTableRequired is returned when the table is not partitioned.
	ErrPartitionedTableRequired = errors.New("eventfeed mysql: table is not partitioned")
	// ErrPartitionMaxRequired is returned when MAXVALUE partition is missing.
	ErrPartitionMaxRequired = errors.New("eventfeed mysql: MAXVALUE partition is required")
	// ErrCleanupBeforeRequired is returned when cleanup cutoff is missing.
	ErrCleanupBeforeRequired = errors.New("eventfeed mysql: cleanup before time is required")
	// ErrCleanupLimitInvalid is returned when cleanup limit is negative.
	ErrCleanupLimitInvalid = errors.New("eventfeed mysql: cleanup limit must be non-negative")
	// ErrCleanupRetentionInvalid is returned when cleanup retention is not positive.
	ErrCleanupRetentionInvalid = errors.New("eventfeed mysql: cleanup retention must be positive")
)
