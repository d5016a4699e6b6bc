package postgres

import "github.com/velmie/eventfeed"

const defaultTable = "eventfeed_events"

// Config defines PostgreSQL store behavior.
type Config struct {
	Table string
	// Channel is the NOTIFY channel; empty uses the bare table name.
	Channel         string
	Clock           eventfeed.Clock
	Generator       eventfeed.IDGenerator
	ValidateJSON    bool
	validateJSONSet bool
	DisableNotify   bool
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

// Option configures the PostgreSQL store.
type Option func(*Config)

// WithTable sets the events table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithChannel sets the NOTIFY channel used on Append.
func WithChannel(name string) Option {
	return func(c *Config) {
		c.Channel = name
	}
}

// WithNotify toggles NOTIFY on Append. It is on by default.
func WithNotify(enabled bool) Option {
	return func(c *Config) {
		c.DisableNotify = !enabled
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
func WithValidateJSON(enabled bool) Option {
	return func(c *Config) {
		c.ValidateJSON = enabled
		c.validateJSONSet = true
	}
}
