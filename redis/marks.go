package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/eventfeed"
)

const (
	defaultMarkPrefix = "eventfeed:delivered:"
	defaultMarkTTL    = 90 * 24 * time.Hour
)

// markMaxScript stores ARGV[1] unless the key already holds a greater id.
// Canonical UUID strings sort like their bytes, so string comparison keeps the maximum.
// KEYS[1] = mark key
// ARGV[1] = id string
// ARGV[2] = ttl in milliseconds (0 keeps the key forever)
var markMaxScript = goredis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and current >= ARGV[1] then
    return 0
end
local ttl = tonumber(ARGV[2])
if ttl > 0 then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
else
    redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// MarksConfig controls key naming and expiry of delivery marks.
type MarksConfig struct {
	// Prefix defaults to eventfeed:delivered:.
	Prefix string
	// TTL defaults to 90 days, matching the default replay retention.
	TTL time.Duration
}

// DeliveryMarks implements eventfeed.DeliveryMarker with one key per recipient that only
// ever moves forward.
type DeliveryMarks struct {
	client goredis.UniversalClient
	cfg    MarksConfig
}

var _ eventfeed.DeliveryMarker = (*DeliveryMarks)(nil)

// NewDeliveryMarks validates cfg and applies defaults.
func NewDeliveryMarks(client goredis.UniversalClient, cfg MarksConfig) (*DeliveryMarks, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if cfg.TTL < 0 {
		return nil, ErrInvalidTTL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultMarkPrefix
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultMarkTTL
	}

	return &DeliveryMarks{client: client, cfg: cfg}, nil
}

// MarkDelivered implements eventfeed.DeliveryMarker.
func (m *DeliveryMarks) MarkDelivered(ctx context.Context, recipientID string, upTo eventfeed.ID) error {
	err := markMaxScript.Run(ctx, m.client, []string{m.key(recipientID)}, upTo.String(), m.cfg.TTL.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("%w: eventfeed redis: mark delivered failed: %w", eventfeed.ErrStoreUnavailable, err)
	}

	return nil
}

// LastDelivered returns the newest marked id of recipientID, or the zero ID if none is kept.
func (m *DeliveryMarks) LastDelivered(ctx context.Context, recipientID string) (eventfeed.ID, error) {
	value, err := m.client.Get(ctx, m.key(recipientID)).Result()
	if errors.Is(err, goredis.Nil) {
		return eventfeed.ID{}, nil
	}
	if err != nil {
		return eventfeed.ID{}, fmt.Errorf("%w: eventfeed redis: read mark failed: %w", eventfeed.ErrStoreUnavailable, err)
	}

	return eventfeed.ParseID(value)
}

func (m *DeliveryMarks) key(recipientID string) string {
	return m.cfg.Prefix + recipientID
}
