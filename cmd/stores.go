package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/gateclaw/internal/config"
	"github.com/nextlevelbuilder/gateclaw/internal/store"
	"github.com/nextlevelbuilder/gateclaw/internal/store/file"
	"github.com/nextlevelbuilder/gateclaw/internal/store/pg"
	"github.com/nextlevelbuilder/gateclaw/internal/upgrade"
)

func storeConfig(cfg *config.Config) store.StoreConfig {
	sc := store.StoreConfig{
		PairingDir: cfg.PairingDir(),
		MaxPending: cfg.Pairing.MaxPending,
		TTL:        cfg.Pairing.PairingTTL(),
	}
	if cfg.IsManagedMode() {
		sc.PostgresDSN = cfg.Database.PostgresDSN
	}
	return sc
}

// openStores opens the pairing backend selected by database.mode. Managed
// mode refuses to start against an unmigrated schema.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	sc := storeConfig(cfg)
	if sc.PostgresDSN == "" {
		if cfg.Database.Mode == "managed" {
			slog.Warn("managed mode without GATECLAW_POSTGRES_DSN, using file store")
		}
		return file.NewFileStores(sc)
	}

	if err := checkSchema(ctx, sc.PostgresDSN); err != nil {
		return nil, err
	}
	return pg.NewPGStores(sc)
}

func checkSchema(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return err
	}
	if err := s.Err(); err != nil {
		fmt.Print(upgrade.FormatError(s))
		return err
	}
	return nil
}

func closeStores(stores *store.Stores) {
	if stores == nil || stores.Close == nil {
		return
	}
	if err := stores.Close(); err != nil {
		slog.Warn("close stores", "error", err)
	}
}
