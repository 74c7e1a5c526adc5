package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gateclaw/internal/config"
	"github.com/nextlevelbuilder/gateclaw/internal/upgrade"
)

var migrationsDir string

func resolveMigrationsDir() string {
	if migrationsDir != "" {
		return migrationsDir
	}
	if v := os.Getenv("GATECLAW_MIGRATIONS_DIR"); v != "" {
		return v
	}
	// ./migrations next to the binary, else relative to the working directory.
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Join(filepath.Dir(exe), "migrations")
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
	}
	return "migrations"
}

// withMigrator opens the pairing schema migrator against the managed-mode
// database and runs fn with it.
func withMigrator(fn func(m *migrate.Migrate) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.PostgresDSN == "" {
		return errors.New("GATECLAW_POSTGRES_DSN is not set; migrations only apply to managed mode")
	}

	m, err := migrate.New("file://"+resolveMigrationsDir(), cfg.Database.PostgresDSN)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("migrate: close failed", "source_error", srcErr, "db_error", dbErr)
		}
	}()
	return fn(m)
}

// schemaStatus maps migrate's recorded version onto the binary's requirement.
func schemaStatus(version uint, dirty bool, err error) (*upgrade.SchemaStatus, error) {
	if errors.Is(err, migrate.ErrNilVersion) {
		return &upgrade.SchemaStatus{RequiredVersion: upgrade.RequiredSchemaVersion, NeedsMigration: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	return upgrade.Evaluate(version, dirty), nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Pairing store schema migrations (managed mode)",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "migrations-dir", "", "path to migrations directory (default: ./migrations)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create or upgrade the pairing tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate up: %w", err)
				}
				s, err := schemaStatus(m.Version())
				if err != nil {
					return err
				}
				slog.Info("migrate: schema ready", "version", s.CurrentVersion)
				return s.Err()
			})
		},
	})

	var confirm bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Drop the pairing tables, including every approved user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return errors.New("refusing to drop pairing data without --yes")
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("migrate down: %w", err)
				}
				slog.Info("migrate: pairing tables dropped")
				return nil
			})
		},
	}
	down.Flags().BoolVar(&confirm, "yes", false, "confirm dropping all pairing data")
	cmd.AddCommand(down)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Compare the database schema with this binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrate.Migrate) error {
				s, err := schemaStatus(m.Version())
				if err != nil {
					return err
				}
				fmt.Printf("schema: v%d (binary requires v%d, dirty: %v)\n", s.CurrentVersion, s.RequiredVersion, s.Dirty)
				if !s.Compatible {
					fmt.Print(upgrade.FormatError(s))
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Clear a dirty flag by recording a version without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version: %w", err)
			}
			return withMigrator(func(m *migrate.Migrate) error {
				if err := m.Force(version); err != nil {
					return fmt.Errorf("force version: %w", err)
				}
				slog.Info("migrate: version forced", "version", version)
				return nil
			})
		},
	})

	return cmd
}
