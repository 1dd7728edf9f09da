package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/postgres.sql
var postgresSchema string

//go:embed migrations/sqlite.sql
var sqliteSchema string

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrVersionMismatch   = errors.New("version mismatch")
	ErrDuplicateRef      = errors.New("duplicate external ref")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Clock returns the current time. Stores stamp rows with it so tests can control time.
type Clock func() time.Time

// UTCNow is the default Clock
func UTCNow() time.Time {
	return time.Now().UTC()
}

type Store struct {
	db     *sqlx.DB
	driver string
	now    Clock
}

// NewStore opens the database, tunes the pool for the driver and applies the schema
func NewStore(driver, databaseURL string) (*Store, error) {
	dsn := databaseURL
	if driver == DriverSQLite {
		dsn = sqliteDSN(databaseURL)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	switch driver {
	case DriverPostgres:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	case DriverSQLite:
		// One writer connection; concurrent transactions queue on the pool.
		db.SetMaxOpenConns(1)
	default:
		_ = db.Close()
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, driver: driver, now: UTCNow}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN makes sure times round-trip through DATETIME columns in a sortable format
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

func (s *Store) migrate() error {
	schema := postgresSchema
	if s.driver == DriverSQLite {
		schema = sqliteSchema
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// SetClock replaces the time source
func (s *Store) SetClock(now Clock) {
	s.now = now
}

// Now returns the store's current time in UTC
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks connectivity for readiness probes
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// forUpdate returns the row-lock clause for the driver. SQLite serializes
// writers on its single connection, so it needs none.
func (s *Store) forUpdate() string {
	if s.driver == DriverPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// withTx runs fn inside a read-committed transaction and commits when fn returns nil
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var opts *sql.TxOptions
	if s.driver == DriverPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	tx, err := s.db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRef
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation detects a uniqueness constraint failure on either driver
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
