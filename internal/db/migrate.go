// Package db applies the embedded PostgreSQL schema migrations.
package db

import (
	"embed"
	"errors"
	"fmt"
	"net/url"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations applies every pending migration to the database behind
// databaseURL. It opens and closes its own connection.
func RunMigrations(databaseURL string, logger *zap.Logger) error {
	migrateURL, err := migrationURL(databaseURL)
	if err != nil {
		return err
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("db: migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL)
	if err != nil {
		return fmt.Errorf("db: init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("migrations applied", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// migrationURL rewrites a postgres:// DSN to the pgx5:// scheme the
// golang-migrate driver registers under.
func migrationURL(databaseURL string) (string, error) {
	if databaseURL == "" {
		return "", errors.New("db: DATABASE_URL is empty")
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("db: parse DATABASE_URL: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql", "pgx5":
		u.Scheme = "pgx5"
	default:
		return "", fmt.Errorf("db: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
