package file

import (
	"github.com/nextlevelbuilder/gateclaw/internal/store"
)

// NewFileStores creates all stores backed by the local filesystem (standalone mode).
func NewFileStores(cfg store.StoreConfig) (*store.Stores, error) {
	dir := cfg.PairingDir
	if dir == "" {
		dir = "credentials"
	}
	return &store.Stores{
		Pairing: NewPairingStore(dir, cfg.Options()),
	}, nil
}
