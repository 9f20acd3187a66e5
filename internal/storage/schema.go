package storage

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// migration is one schema step. Statements run one by one because the MySQL
// driver rejects multi-statement Exec by default.
type migration struct {
	version int
	name    string
	sqlite  []string
	mysql   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "devices table",
		// Timestamps are stored as RFC3339 strings for readability and portability.
		sqlite: []string{`
			CREATE TABLE IF NOT EXISTS devices (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				area_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				type TEXT NOT NULL DEFAULT '',
				screen_width INTEGER,
				screen_height INTEGER,
				user_agent TEXT NOT NULL DEFAULT '',
				code TEXT NOT NULL DEFAULT '',
				token_hash TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				last_seen TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_devices_area ON devices(area_id)`,
		},
		mysql: []string{`
			CREATE TABLE IF NOT EXISTS devices (
				id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				area_id BIGINT NOT NULL,
				name VARCHAR(255) NOT NULL,
				type VARCHAR(512) NOT NULL DEFAULT '',
				screen_width INT NULL,
				screen_height INT NULL,
				user_agent VARCHAR(512) NOT NULL DEFAULT '',
				code VARCHAR(16) NOT NULL DEFAULT '',
				token_hash VARCHAR(128) NOT NULL DEFAULT '',
				created_at VARCHAR(40) NOT NULL,
				last_seen VARCHAR(40) NOT NULL,
				INDEX idx_devices_area (area_id)
			)`,
		},
	},
	{
		version: 2,
		name:    "claim audit table",
		// Audit rows outlive the device they describe, so there is no foreign key.
		sqlite: []string{`
			CREATE TABLE IF NOT EXISTS claim_audit (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				device_id INTEGER NOT NULL,
				area_id INTEGER NOT NULL DEFAULT 0,
				operator TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_claim_audit_at ON claim_audit(at)`,
		},
		mysql: []string{`
			CREATE TABLE IF NOT EXISTS claim_audit (
				id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
				device_id BIGINT NOT NULL,
				area_id BIGINT NOT NULL DEFAULT 0,
				operator VARCHAR(255) NOT NULL DEFAULT '',
				action VARCHAR(32) NOT NULL,
				at VARCHAR(40) NOT NULL,
				INDEX idx_claim_audit_at (at)
			)`,
		},
	},
}

// deviceColumn is a column this store needs on the devices table, with the DDL
// used to add it to a table created elsewhere.
type deviceColumn struct {
	name   string
	sqlite string
	mysql  string
}

// requiredDeviceColumns lists every devices column except id. A table created
// by an earlier deployment (the original MySQL schema has no token_hash,
// created_at or last_seen) is brought up to this set on open.
var requiredDeviceColumns = []deviceColumn{
	{"area_id", "INTEGER NOT NULL DEFAULT 0", "BIGINT NOT NULL DEFAULT 0"},
	{"name", "TEXT NOT NULL DEFAULT ''", "VARCHAR(255) NOT NULL DEFAULT ''"},
	{"type", "TEXT NOT NULL DEFAULT ''", "VARCHAR(512) NOT NULL DEFAULT ''"},
	{"screen_width", "INTEGER", "INT NULL"},
	{"screen_height", "INTEGER", "INT NULL"},
	{"user_agent", "TEXT NOT NULL DEFAULT ''", "VARCHAR(512) NOT NULL DEFAULT ''"},
	{"code", "TEXT NOT NULL DEFAULT ''", "VARCHAR(16) NOT NULL DEFAULT ''"},
	{"token_hash", "TEXT NOT NULL DEFAULT ''", "VARCHAR(128) NOT NULL DEFAULT ''"},
	{"created_at", "TEXT NOT NULL DEFAULT ''", "VARCHAR(40) NOT NULL DEFAULT ''"},
	{"last_seen", "TEXT NOT NULL DEFAULT ''", "VARCHAR(40) NOT NULL DEFAULT ''"},
}

// initSchema creates the schema_version table and applies pending migrations.
func (s *Store) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at VARCHAR(40) NOT NULL
		)
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if err := s.apply(m); err != nil {
			return fmt.Errorf("migrate to v%d: %w", m.version, err)
		}
	}

	return s.adoptDevicesTable()
}

// adoptDevicesTable adds any column the devices table is missing. CREATE
// TABLE IF NOT EXISTS leaves a pre-existing table untouched, so without this
// every insert into an adopted table would fail.
func (s *Store) adoptDevicesTable() error {
	have, err := s.deviceColumnNames()
	if err != nil {
		return fmt.Errorf("inspect devices table: %w", err)
	}

	for _, col := range requiredDeviceColumns {
		if have[col.name] {
			continue
		}
		ddl := col.sqlite
		if s.dialect == DialectMySQL {
			ddl = col.mysql
		}
		log.Printf("storage: adding missing column devices.%s", col.name)
		if _, err := s.db.Exec("ALTER TABLE devices ADD COLUMN " + col.name + " " + ddl); err != nil {
			return fmt.Errorf("add column devices.%s: %w", col.name, err)
		}
	}
	return nil
}

func (s *Store) deviceColumnNames() (map[string]bool, error) {
	query := `SELECT name FROM pragma_table_info('devices')`
	if s.dialect == DialectMySQL {
		query = `SELECT column_name FROM information_schema.columns
			WHERE table_schema = DATABASE() AND table_name = 'devices'`
	}

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		have[strings.ToLower(name)] = true
	}
	return have, rows.Err()
}

func (s *Store) apply(m migration) error {
	log.Printf("storage: applying migration to schema version %d (%s)", m.version, m.name)

	stmts := m.sqlite
	if s.dialect == DialectMySQL {
		stmts = m.mysql
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}
	}

	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		m.version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return nil
}
