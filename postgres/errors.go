package postgres

import "errors"

var (
	// ErrDBRequired is returned when a nil pool or connection is provided.
	ErrDBRequired = errors.New("eventfeed postgres: db is required")
	// ErrExecutorRequired is returned when Append is called with a nil executor.
	ErrExecutorRequired = errors.New("eventfeed postgres: executor is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("eventfeed postgres: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("eventfeed postgres: invalid table name")
	// ErrPartitionPeriodRequired is returned when the partition period is missing or invalid.
	ErrPartitionPeriodRequired = errors.New("eventfeed postgres: partition period is required")
	// ErrPartitionRetentionInvalid is returned when retention is negative.
	ErrPartitionRetentionInvalid = errors.New("eventfeed postgres: partition retention must be non-negative")
	// ErrDSNRequired is returned when the listener has no connection string.
	ErrDSNRequired = errors.New("eventfeed postgres: dsn is required")
)
