package db

import (
	"context"
	"fmt"

	"github.com/neilberkman/ccgate/internal/core/models"
)

// RecordStatusChange stores a change seen on the event stream. Replays of an
// already stored change are ignored.
func (db *DB) RecordStatusChange(ctx context.Context, c models.StatusChange) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO status_changes (session_id, from_status, to_status, changed_at)
		VALUES (?, ?, ?, ?)
	`, c.SessionID, string(c.From), string(c.To), formatTime(c.At))
	if err != nil {
		return fmt.Errorf("record status change for %s: %w", c.SessionID, err)
	}
	return nil
}

// StatusChanges returns the stored changes for a session, oldest first
func (db *DB) StatusChanges(ctx context.Context, sessionID string) ([]models.StatusChange, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT from_status, to_status, changed_at
		FROM status_changes
		WHERE session_id = ?
		ORDER BY changed_at, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query status changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var changes []models.StatusChange
	for rows.Next() {
		var from, to, at string
		if err := rows.Scan(&from, &to, &at); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		c := models.StatusChange{
			SessionID: sessionID,
			From:      models.SessionStatus(from),
			To:        models.SessionStatus(to),
		}
		if c.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("status change for %s: %w", sessionID, err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
