package sqlutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Migration is one schema upgrade step. Versions are human-readable and
// must be unique across the lifetime of a table's history; they are
// recorded in a bookkeeping table so each runs at most once.
type Migration struct {
	Version string
	Up      func(ctx context.Context, txn *sql.Tx) error
}

// Migrator runs pending migrations in registration order.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// NewMigrator returns a Migrator for db.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// AddMigrations registers migrations to run on Up.
func (m *Migrator) AddMigrations(migrations ...Migration) {
	m.migrations = append(m.migrations, migrations...)
}

const createMigrationTableSQL = `CREATE TABLE IF NOT EXISTS db_migrations (
	version TEXT PRIMARY KEY NOT NULL,
	time TEXT NOT NULL
);`

// Up applies every registered migration that has not yet run, each in its
// own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createMigrationTableSQL); err != nil {
		return fmt.Errorf("sqlutil: creating migration table: %w", err)
	}
	executed, err := m.executedMigrations(ctx)
	if err != nil {
		return err
	}
	for _, migration := range m.migrations {
		if _, done := executed[migration.Version]; done {
			continue
		}
		logrus.WithField("version", migration.Version).Debug("Executing database migration")
		err = WithTransaction(m.db, func(txn *sql.Tx) error {
			if err := migration.Up(ctx, txn); err != nil {
				return fmt.Errorf("sqlutil: migration %q: %w", migration.Version, err)
			}
			_, err := txn.ExecContext(ctx,
				"INSERT INTO db_migrations (version, time) VALUES ($1, $2)",
				migration.Version, time.Now().UTC().Format(time.RFC3339),
			)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) executedMigrations(ctx context.Context) (map[string]struct{}, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version FROM db_migrations")
	if err != nil {
		return nil, fmt.Errorf("sqlutil: reading executed migrations: %w", err)
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var version string
		if err = rows.Scan(&version); err != nil {
			return nil, err
		}
		out[version] = struct{}{}
	}
	return out, rows.Err()
}
