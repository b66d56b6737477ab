package store

import (
	"context"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/meko-christian/mail-intake/internal/config"
	"github.com/meko-christian/mail-intake/internal/model"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Store is the SQL-backed host data store: contacts, cases, mailing queue
// records and everything the pipeline creates.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the configured database and applies pending migrations.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var migrations []migration
	switch driver {
	case DriverSQLite:
		migrations = sqliteMigrations
	case DriverPostgres:
		migrations = postgresMigrations
	default:
		return nil, model.NewConfigError("database.driver %q is not supported", driver)
	}

	db, err := sqlx.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", driver, err)
	}

	if driver == DriverSQLite {
		// One connection: in-memory databases are per connection and
		// SQLite serializes writers anyway.
		db.SetMaxOpenConns(1)

		for _, pragma := range []string{"PRAGMA foreign_keys=ON", "PRAGMA busy_timeout=5000"} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("applying %q: %w", pragma, err)
			}
		}
	}

	s := &Store{db: db, driver: driver}
	if err := s.runMigrations(migrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the connection pool for maintenance queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Driver returns the database driver name.
func (s *Store) Driver() string {
	return s.driver
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

func (s *Store) runMigrations(migrations []migration) error {
	if _, err := s.db.Exec("CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	current, err := s.SchemaVersion(context.Background())
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Tx is a transaction-scoped view of the store. All records created for one
// message go through a single Tx.
type Tx struct {
	tx *sqlx.Tx
}

// WithinTx runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise. Begin and commit failures are StoreWriteErrors.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &model.StoreWriteError{Op: "begin transaction", Err: err}
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &model.StoreWriteError{Op: "commit", Err: err}
	}
	return nil
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	return err
}

func (t *Tx) insertReturningID(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	err := t.tx.QueryRowxContext(ctx, t.tx.Rebind(query+" RETURNING id"), args...).Scan(&id)
	return id, err
}
