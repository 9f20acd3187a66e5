package storage

// devices.go contains Store methods for device record CRUD operations.
// A device record is written once when an operator names a claimed display
// and removed when the operator forgets it.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// Device is a registered display.
type Device struct {
	ID           int64
	AreaID       int64
	Name         string
	Type         string
	ScreenWidth  *int // nil when the display never reported its resolution
	ScreenHeight *int
	UserAgent    string
	Code         string // pairing code the device was claimed with
	TokenHash    string // bcrypt hash of the reconnect token
	CreatedAt    time.Time
	LastSeen     time.Time
}

// Text columns are coalesced because rows written before this host managed
// the table may hold NULLs there.
const deviceColumns = `id, area_id, COALESCE(name, ''), COALESCE(type, ''), screen_width, screen_height, ` +
	`COALESCE(user_agent, ''), COALESCE(code, ''), COALESCE(token_hash, ''), COALESCE(created_at, ''), COALESCE(last_seen, '')`

// CreateDevice inserts a new device record and returns the id assigned by the
// database. device.ID is set on success.
func (s *Store) CreateDevice(ctx context.Context, device *Device) (int64, error) {
	if device == nil {
		return 0, errors.New("device cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO devices
			(area_id, name, type, screen_width, screen_height, user_agent, code, token_hash, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		device.AreaID,
		device.Name,
		device.Type,
		nullInt(device.ScreenWidth),
		nullInt(device.ScreenHeight),
		device.UserAgent,
		device.Code,
		device.TokenHash,
		device.CreatedAt.UTC().Format(time.RFC3339Nano),
		device.LastSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert device: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read device id: %w", err)
	}
	device.ID = id

	log.Printf("storage: created device %d (%s) in area %d", id, device.Name, device.AreaID)
	return id, nil
}

// GetDevice retrieves a device by ID.
// Returns nil, nil if the device does not exist.
func (s *Store) GetDevice(ctx context.Context, id int64) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	device, err := scanDevice(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	return device, nil
}

// ListDevices returns registered devices ordered by id.
// An areaID of zero lists every area.
func (s *Store) ListDevices(ctx context.Context, areaID int64) ([]*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + deviceColumns + ` FROM devices`
	var args []any
	if areaID != 0 {
		query += ` WHERE area_id = ?`
		args = append(args, areaID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}

	return devices, nil
}

// DeleteDevice removes a device record.
// Returns nil if the device does not exist (idempotent delete).
func (s *Store) DeleteDevice(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: deleting device %d", id)

	if _, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}

	return nil
}

// UpdateLastSeen updates the last_seen timestamp for a device.
// Returns ErrDeviceNotFound if the device does not exist.
func (s *Store) UpdateLastSeen(ctx context.Context, id int64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `UPDATE devices SET last_seen = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, t.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}

	// MySQL reports zero affected rows when the value is unchanged, so only
	// treat zero as missing when the row really is gone.
	if rowsAffected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM devices WHERE id = ?", id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return fmt.Errorf("check device: %w", err)
		}
	}

	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		device       Device
		screenWidth  sql.NullInt64
		screenHeight sql.NullInt64
		createdAt    string
		lastSeen     string
	)

	err := row.Scan(
		&device.ID,
		&device.AreaID,
		&device.Name,
		&device.Type,
		&screenWidth,
		&screenHeight,
		&device.UserAgent,
		&device.Code,
		&device.TokenHash,
		&createdAt,
		&lastSeen,
	)
	if err != nil {
		return nil, err
	}

	if screenWidth.Valid {
		w := int(screenWidth.Int64)
		device.ScreenWidth = &w
	}
	if screenHeight.Valid {
		h := int(screenHeight.Int64)
		device.ScreenHeight = &h
	}

	if device.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if device.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen: %w", err)
	}

	return &device, nil
}

// parseTime reads a stored timestamp. Empty means never recorded.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
