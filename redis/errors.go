package redis

import "errors"

var (
	// ErrClientRequired is returned when a nil Redis client is supplied.
	ErrClientRequired = errors.New("eventfeed redis: client is required")
	// ErrChannelRequired is returned when the pub/sub channel name is empty.
	ErrChannelRequired = errors.New("eventfeed redis: channel is required")
	// ErrInvalidTTL is returned when a delivery mark TTL is negative.
	ErrInvalidTTL = errors.New("eventfeed redis: ttl must not be negative")
)
