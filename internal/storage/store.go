// Package storage persists device records for the signcast host.
//
// The record store is reached through database/sql. Two drivers are supported:
// modernc.org/sqlite for single-host installs and go-sql-driver/mysql for the
// shared deployment database. Both use the same queries; only the DDL differs.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"

	// MySQL driver - registers "mysql" with database/sql.
	_ "github.com/go-sql-driver/mysql"

	// SQLite driver - registers "sqlite". Pure Go, no CGO required.
	_ "modernc.org/sqlite"

	apperrors "github.com/signcast/host/internal/errors"
)

// ErrDeviceNotFound is returned when an update targets a device that does not exist.
var ErrDeviceNotFound = apperrors.NotFound("device")

// Dialect names accepted by Open.
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// Store is the device record store. It creates tables on first use and
// supports concurrent access through internal locking.
type Store struct {
	db      *sql.DB      // Database connection handle.
	dialect string       // DialectSQLite or DialectMySQL.
	mu      sync.RWMutex // Serializes writes; SQLite allows one writer at a time.
}

// Open opens the record store for the given driver and DSN and applies
// migrations. Failures carry the storage.open_failed code.
func Open(driver, dsn string) (*Store, error) {
	var (
		store *Store
		err   error
	)
	switch driver {
	case DialectSQLite:
		store, err = NewSQLiteStore(dsn)
	case DialectMySQL:
		store, err = NewMySQLStore(dsn)
	default:
		err = fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, apperrors.OpenFailed(err)
	}
	return store, nil
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// The path should be a file path like "/path/to/signcast.db".
func NewSQLiteStore(path string) (*Store, error) {
	log.Printf("storage: opening sqlite database at %s", path)

	// Foreign keys for the audit table, and a busy timeout so the CLI can read
	// while the host is writing.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	return newStore(db, DialectSQLite)
}

// NewMySQLStore connects to a MySQL/MariaDB database using a go-sql-driver DSN,
// for example "user:pass@tcp(127.0.0.1:3306)/signcast".
func NewMySQLStore(dsn string) (*Store, error) {
	log.Printf("storage: opening mysql database")

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return newStore(db, DialectMySQL)
}

func newStore(db *sql.DB, dialect string) (*Store, error) {
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db, dialect: dialect}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Printf("storage: database ready (%s, schema version %d)", dialect, currentSchemaVersion)
	return store, nil
}

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() string {
	return s.dialect
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	log.Printf("storage: closing database")
	return s.db.Close()
}
