package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/symposium-ai/symposium/internal/services/control/domain/session"
	"github.com/symposium-ai/symposium/internal/services/control/domain/state"
	"github.com/symposium-ai/symposium/internal/services/control/storage"
)

// PutSession stores a full session record, replacing any previous one.
func (s *Store) PutSession(ctx context.Context, record session.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.ID = strings.TrimSpace(record.ID)
	record.OwnerID = strings.TrimSpace(record.OwnerID)
	if record.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if record.OwnerID == "" {
		return fmt.Errorf("session owner is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}

	clarificationJSON, err := marshalClarification(record.PendingClarification)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO sessions (
	id, owner_id, status, phase, round_number, sub_problem_index,
	pending_clarification_json, killed_by, kill_reason,
	created_at, updated_at, started_at, paused_at, killed_at, shutdown_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	owner_id = excluded.owner_id,
	status = excluded.status,
	phase = excluded.phase,
	round_number = excluded.round_number,
	sub_problem_index = excluded.sub_problem_index,
	pending_clarification_json = excluded.pending_clarification_json,
	killed_by = excluded.killed_by,
	kill_reason = excluded.kill_reason,
	updated_at = excluded.updated_at,
	started_at = excluded.started_at,
	paused_at = excluded.paused_at,
	killed_at = excluded.killed_at,
	shutdown_at = excluded.shutdown_at
`,
		record.ID,
		record.OwnerID,
		session.StatusLabel(record.Status),
		record.Phase,
		record.RoundNumber,
		record.SubProblemIndex,
		clarificationJSON,
		record.KilledBy,
		record.KillReason,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
		toNullMillis(record.StartedAt),
		toNullMillis(record.PausedAt),
		toNullMillis(record.KilledAt),
		toNullMillis(record.ShutdownAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, err
	}
	if s == nil || s.sqlDB == nil {
		return session.Session{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return session.Session{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, owner_id, status, phase, round_number, sub_problem_index,
	pending_clarification_json, killed_by, kill_reason,
	created_at, updated_at, started_at, paused_at, killed_at, shutdown_at
FROM sessions WHERE id = ?
`, id)
	record, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, storage.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("get session: %w", err)
	}
	return record, nil
}

// UpdateSessionStatus applies a partial metadata update to a session.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, update storage.UpdateStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	if update.Status == session.StatusUnspecified {
		return fmt.Errorf("session status is required")
	}
	if update.UpdatedAt.IsZero() {
		update.UpdatedAt = time.Now().UTC()
	}

	assignments := []string{"status = ?", "updated_at = ?"}
	args := []any{session.StatusLabel(update.Status), toMillis(update.UpdatedAt)}

	if update.Phase != nil {
		assignments = append(assignments, "phase = ?")
		args = append(args, *update.Phase)
	}
	if update.RoundNumber != nil {
		assignments = append(assignments, "round_number = ?")
		args = append(args, *update.RoundNumber)
	}
	if update.SubProblemIndex != nil {
		assignments = append(assignments, "sub_problem_index = ?")
		args = append(args, *update.SubProblemIndex)
	}
	if update.PendingClarification != nil {
		assignments = append(assignments, "pending_clarification_json = ?")
		args = append(args, *update.PendingClarification)
	}
	if update.KilledBy != nil {
		assignments = append(assignments, "killed_by = ?")
		args = append(args, *update.KilledBy)
	}
	if update.KillReason != nil {
		assignments = append(assignments, "kill_reason = ?")
		args = append(args, *update.KillReason)
	}
	if update.StartedAt != nil {
		assignments = append(assignments, "started_at = ?")
		args = append(args, toMillis(*update.StartedAt))
	}
	if update.PausedAt != nil {
		assignments = append(assignments, "paused_at = ?")
		args = append(args, toMillis(*update.PausedAt))
	}
	if update.KilledAt != nil {
		assignments = append(assignments, "killed_at = ?")
		args = append(args, toMillis(*update.KilledAt))
	}
	if update.ShutdownAt != nil {
		assignments = append(assignments, "shutdown_at = ?")
		args = append(args, toMillis(*update.ShutdownAt))
	}
	args = append(args, id)

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE sessions SET "+strings.Join(assignments, ", ")+" WHERE id = ?",
		args...,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListSessionsByStatus returns sessions currently in the given status,
// most recently updated first.
func (s *Store) ListSessionsByStatus(ctx context.Context, status session.Status, limit int) ([]session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, owner_id, status, phase, round_number, sub_problem_index,
	pending_clarification_json, killed_by, kill_reason,
	created_at, updated_at, started_at, paused_at, killed_at, shutdown_at
FROM sessions WHERE status = ? ORDER BY updated_at DESC LIMIT ?
`, session.StatusLabel(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		record            session.Session
		statusLabel       string
		clarificationJSON string
		createdAt         int64
		updatedAt         int64
		startedAt         sql.NullInt64
		pausedAt          sql.NullInt64
		killedAt          sql.NullInt64
		shutdownAt        sql.NullInt64
	)
	if err := row.Scan(
		&record.ID,
		&record.OwnerID,
		&statusLabel,
		&record.Phase,
		&record.RoundNumber,
		&record.SubProblemIndex,
		&clarificationJSON,
		&record.KilledBy,
		&record.KillReason,
		&createdAt,
		&updatedAt,
		&startedAt,
		&pausedAt,
		&killedAt,
		&shutdownAt,
	); err != nil {
		return session.Session{}, err
	}

	status, err := session.StatusFromLabel(statusLabel)
	if err != nil {
		return session.Session{}, err
	}
	record.Status = status

	clarification, err := unmarshalClarification(clarificationJSON)
	if err != nil {
		return session.Session{}, err
	}
	record.PendingClarification = clarification

	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	record.StartedAt = fromNullMillis(startedAt)
	record.PausedAt = fromNullMillis(pausedAt)
	record.KilledAt = fromNullMillis(killedAt)
	record.ShutdownAt = fromNullMillis(shutdownAt)
	return record, nil
}

func marshalClarification(c *state.Clarification) (string, error) {
	if c == nil {
		return "", nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal clarification: %w", err)
	}
	return string(raw), nil
}

func unmarshalClarification(raw string) (*state.Clarification, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var c state.Clarification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, fmt.Errorf("unmarshal clarification: %w", err)
	}
	return &c, nil
}
