package store

import "time"

// Stores is the top-level container for storage backends.
type Stores struct {
	Pairing PairingStore

	// Close releases backend resources (DB pool, file watcher). May be nil.
	Close func() error
}

// StoreConfig selects and configures the backend.
type StoreConfig struct {
	PostgresDSN string // managed mode when non-empty
	PairingDir  string // standalone mode directory
	MaxPending  int
	TTL         time.Duration
}

// Options converts the config to PairingOptions.
func (c StoreConfig) Options() PairingOptions {
	return PairingOptions{MaxPending: c.MaxPending, TTL: c.TTL}.WithDefaults()
}
