package relay

import "time"

// Config tunes relay resource policy. Zero values are replaced by the
// defaults below.
type Config struct {
	// SessionTTL closes sessions with no activity for this long.
	SessionTTL time.Duration

	// MeetingTTL discards completed or stale meeting records.
	MeetingTTL time.Duration

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration

	// SendQueue bounds each connection's outbound buffer; a full queue
	// makes the recipient unreachable for new envelopes.
	SendQueue int
}

// DefaultConfig returns the policy used when no overrides are given.
func DefaultConfig() Config {
	return Config{
		SessionTTL:    5 * time.Minute,
		MeetingTTL:    15 * time.Minute,
		SweepInterval: 15 * time.Second,
		SendQueue:     64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.MeetingTTL <= 0 {
		c.MeetingTTL = d.MeetingTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	return c
}
