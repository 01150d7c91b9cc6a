package constants

import "time"

// Connection timing constants
const (
	// DefaultReconnectInterval is the delay before redialing a network after it was lost
	DefaultReconnectInterval = 60 * time.Second

	// PingCheckInterval is the period of the liveness timer on upstream connections
	PingCheckInterval = 30 * time.Second

	// IdleThreshold is how long an upstream may stay silent before a PING probe is sent
	IdleThreshold = 2 * time.Minute

	// SilenceThreshold is how long an upstream may stay silent before it is considered dead
	SilenceThreshold = 5 * time.Minute

	// DialTimeout bounds a single TCP connect attempt
	DialTimeout = 30 * time.Second

	// ClientRegistrationTimeout is how long an accepted client has to send NICK and USER
	ClientRegistrationTimeout = 60 * time.Second
)

// Linestack constants
const (
	// DefaultSnapshotInterval is the number of stored lines between full state snapshots
	DefaultSnapshotInterval = 200

	// StorageFlushInterval is how often buffered history rows are written out
	StorageFlushInterval = 500 * time.Millisecond

	// StorageBufferSize is the number of history rows buffered before a forced flush
	StorageBufferSize = 100
)

// ShutdownTimeout bounds the graceful shutdown of listeners and networks
const ShutdownTimeout = 5 * time.Second
