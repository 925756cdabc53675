package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/store"
)

// SaveSnapshot replaces the cached snapshot with snap in one transaction
func (db *DB) SaveSnapshot(ctx context.Context, snap *store.Snapshot) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM approvals`,
		`DELETE FROM sessions`,
		`DELETE FROM snapshot_meta`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}
	}

	sessStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sessions
		(id, run_id, claude_session_id, parent_session_id, status, query, title, summary, model,
		 working_dir, created_at, last_activity_at, completed_at, error_message, cost_usd,
		 total_tokens, duration_ms, auto_accept_edits, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare session insert: %w", err)
	}
	defer func() { _ = sessStmt.Close() }()

	for _, s := range snap.Sessions {
		_, err := sessStmt.ExecContext(ctx,
			s.ID, s.RunID, s.ClaudeSessionID, s.ParentSessionID, string(s.Status), s.Query,
			s.Title, s.Summary, s.Model, s.WorkingDir,
			formatTime(s.CreatedAt), formatTime(s.LastActivityAt), formatTimePtr(s.CompletedAt),
			s.ErrorMessage, s.CostUSD, s.TotalTokens, s.DurationMS, s.AutoAcceptEdits, s.Archived)
		if err != nil {
			return fmt.Errorf("insert session %s: %w", s.ID, err)
		}
	}

	apprStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO approvals
		(id, session_id, run_id, tool_name, tool_input, status, created_at, responded_at, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare approval insert: %w", err)
	}
	defer func() { _ = apprStmt.Close() }()

	for _, approvals := range snap.Approvals {
		for _, a := range approvals {
			var input sql.NullString
			if len(a.ToolInput) > 0 {
				input = sql.NullString{String: string(a.ToolInput), Valid: true}
			}
			_, err := apprStmt.ExecContext(ctx,
				a.ID, a.SessionID, a.RunID, a.ToolName, input, string(a.Status),
				formatTime(a.CreatedAt), formatTimePtr(a.RespondedAt), a.Comment)
			if err != nil {
				return fmt.Errorf("insert approval %s: %w", a.ID, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (id, fetched_at) VALUES (1, ?)`,
		formatTime(snap.FetchedAt)); err != nil {
		return fmt.Errorf("record snapshot time: %w", err)
	}

	return tx.Commit()
}

// LoadSnapshot returns the cached snapshot, or nil if none has been saved
func (db *DB) LoadSnapshot(ctx context.Context) (*store.Snapshot, error) {
	var fetchedAt string
	err := db.conn.QueryRowContext(ctx, `SELECT fetched_at FROM snapshot_meta WHERE id = 1`).Scan(&fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot time: %w", err)
	}

	snap := &store.Snapshot{Approvals: make(map[string][]models.Approval)}
	if snap.FetchedAt, err = parseTime(fetchedAt); err != nil {
		return nil, fmt.Errorf("parse snapshot time: %w", err)
	}

	if snap.Sessions, err = db.loadSessions(ctx); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(run_id, ''), tool_name, tool_input, status,
		       created_at, responded_at, COALESCE(comment, '')
		FROM approvals
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			a           models.Approval
			input       sql.NullString
			status      string
			createdAt   string
			respondedAt sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.RunID, &a.ToolName, &input, &status,
			&createdAt, &respondedAt, &a.Comment); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.Status = models.ApprovalStatus(status)
		if input.Valid {
			a.ToolInput = json.RawMessage(input.String)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("approval %s: %w", a.ID, err)
		}
		if a.RespondedAt, err = parseTimePtr(respondedAt); err != nil {
			return nil, fmt.Errorf("approval %s: %w", a.ID, err)
		}
		snap.Approvals[a.SessionID] = append(snap.Approvals[a.SessionID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return snap, nil
}

func (db *DB) loadSessions(ctx context.Context) ([]models.Session, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, run_id, COALESCE(claude_session_id, ''), COALESCE(parent_session_id, ''), status, query,
		       COALESCE(title, ''), COALESCE(summary, ''), COALESCE(model, ''), COALESCE(working_dir, ''),
		       created_at, COALESCE(last_activity_at, ''), completed_at, COALESCE(error_message, ''),
		       cost_usd, total_tokens, duration_ms, auto_accept_edits, archived
		FROM sessions
		ORDER BY last_activity_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []models.Session
	for rows.Next() {
		var (
			s            models.Session
			status       string
			createdAt    string
			lastActivity string
			completedAt  sql.NullString
			cost         sql.NullFloat64
			tokens       sql.NullInt64
			duration     sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.RunID, &s.ClaudeSessionID, &s.ParentSessionID, &status, &s.Query,
			&s.Title, &s.Summary, &s.Model, &s.WorkingDir,
			&createdAt, &lastActivity, &completedAt, &s.ErrorMessage,
			&cost, &tokens, &duration, &s.AutoAcceptEdits, &s.Archived); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}

		s.Status = models.SessionStatus(status)
		if s.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("session %s: %w", s.ID, err)
		}
		if s.LastActivityAt, err = parseTime(lastActivity); err != nil {
			return nil, fmt.Errorf("session %s: %w", s.ID, err)
		}
		if s.CompletedAt, err = parseTimePtr(completedAt); err != nil {
			return nil, fmt.Errorf("session %s: %w", s.ID, err)
		}
		if cost.Valid {
			s.CostUSD = &cost.Float64
		}
		if tokens.Valid {
			s.TotalTokens = &tokens.Int64
		}
		if duration.Valid {
			s.DurationMS = &duration.Int64
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
