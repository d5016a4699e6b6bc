package mysql

import "github.com/velmie/eventfeed"

const defaultTable = "eventfeed_events"

// Config defines MySQL store behavior.
type Config struct {
	// Table is the events table. The heads table is named <Table>_heads.
	Table           string
	Clock           eventfeed.Clock
	Generator       eventfeed.IDGenerator
	ValidateJSON    bool
	validateJSONSet bool
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.Clock == nil {
		c.Clock = eventfeed.SystemClock{}
	}
	if c.Generator == nil {
		c.Generator = eventfeed.NewUUIDv7Generator(c.Clock)
	}
	if !c.validateJSONSet {
		c.ValidateJSON = true
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithTable sets the events table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithClock sets the time source used by the store.
func WithClock(clock eventfeed.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithGenerator sets the UUID generator.
func WithGenerator(gen eventfeed.IDGenerator) Option {
	return func(c *Config) {
		c.Generator = gen
	}
}

// WithValidateJSON enables or disables JSON validation of payloads before insert.
// The JSON column still rejects malformed documents.
func WithValidateJSON(enabled bool) Option {
	return func(c *Config) {
		c.ValidateJSON = enabled
		c.validateJSONSet = true
	}
}
