package storage

// audit.go records who claimed and who forgot each display.

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Audit actions.
const (
	AuditRegistered = "registered"
	AuditForgotten  = "forgotten"
)

// AuditEntry is one claim audit row.
type AuditEntry struct {
	ID       int64
	DeviceID int64
	AreaID   int64
	Operator string // operator subject from the bearer token
	Action   string // AuditRegistered or AuditForgotten
	At       time.Time
}

// AppendAudit stores an audit entry. entry.ID is set on success.
func (s *Store) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry == nil {
		return errors.New("audit entry cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO claim_audit (device_id, area_id, operator, action, at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.DeviceID,
		entry.AreaID,
		entry.Operator,
		entry.Action,
		entry.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save audit entry: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListAudit returns audit entries newest first. limit <= 0 returns all entries.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, device_id, area_id, operator, action, at FROM claim_audit ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			entry AuditEntry
			at    string
		)
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.AreaID, &entry.Operator, &entry.Action, &at); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse at: %w", err)
		}
		entry.At = t
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return entries, nil
}
