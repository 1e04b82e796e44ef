package kafkaconsumer

import "time"

type Config struct {
	Brokers             []string
	Topic               string
	GroupID             string
	CellRes             int
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool
}

// Defaults fills the consumer-group tuning knobs the service config
// does not expose.
func (c Config) Defaults() Config {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 3 * time.Second
	}
	if c.RebalanceTimeout == 0 {
		c.RebalanceTimeout = 30 * time.Second
	}
	return c
}
