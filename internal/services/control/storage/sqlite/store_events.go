package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/symposium-ai/symposium/internal/services/control/domain/event"
	"github.com/symposium-ai/symposium/internal/services/control/storage"
)

// AppendEvent atomically appends an event and returns it with its sequence
// number assigned. Sequences start at 1 and are strictly increasing per
// session; assignment happens inside the append transaction so concurrent
// appends can never produce duplicates.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	evt.SessionID = strings.TrimSpace(evt.SessionID)
	if evt.SessionID == "" {
		return event.Event{}, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(string(evt.Type)) == "" {
		return event.Event{}, fmt.Errorf("event type is required")
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var latest int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?",
		evt.SessionID,
	).Scan(&latest); err != nil {
		return event.Event{}, fmt.Errorf("read latest seq: %w", err)
	}
	evt.Seq = uint64(latest) + 1

	if _, err := tx.ExecContext(ctx, `
INSERT INTO events (session_id, seq, event_type, payload_json, timestamp)
VALUES (?, ?, ?, ?, ?)
`,
		evt.SessionID,
		int64(evt.Seq),
		string(evt.Type),
		evt.PayloadJSON,
		toMillis(evt.Timestamp),
	); err != nil {
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("commit append: %w", err)
	}
	return evt, nil
}

// ListEvents returns events with seq greater than afterSeq, ordered ascending.
func (s *Store) ListEvents(ctx context.Context, sessionID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_id, seq, event_type, payload_json, timestamp
FROM events WHERE session_id = ? AND seq > ?
ORDER BY seq ASC LIMIT ?
`, sessionID, int64(afterSeq), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetLatestEventSeq returns the latest sequence number for a session,
// or 0 if no events exist.
func (s *Store) GetLatestEventSeq(ctx context.Context, sessionID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}

	var latest int64
	if err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?",
		sessionID,
	).Scan(&latest); err != nil {
		return 0, fmt.Errorf("get latest seq: %w", err)
	}
	return uint64(latest), nil
}

// FindLatestEventByType returns the most recent event of the given type.
func (s *Store) FindLatestEventByType(ctx context.Context, sessionID string, eventType event.Type) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return event.Event{}, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(string(eventType)) == "" {
		return event.Event{}, fmt.Errorf("event type is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT session_id, seq, event_type, payload_json, timestamp
FROM events WHERE session_id = ? AND event_type = ?
ORDER BY seq DESC LIMIT 1
`, sessionID, string(eventType))
	evt, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.Event{}, storage.ErrNotFound
		}
		return event.Event{}, fmt.Errorf("find latest event: %w", err)
	}
	return evt, nil
}

func scanEvent(row rowScanner) (event.Event, error) {
	var (
		evt       event.Event
		seq       int64
		eventType string
		timestamp int64
	)
	if err := row.Scan(&evt.SessionID, &seq, &eventType, &evt.PayloadJSON, &timestamp); err != nil {
		return event.Event{}, err
	}
	evt.Seq = uint64(seq)
	evt.Type = event.Type(eventType)
	evt.Timestamp = fromMillis(timestamp)
	return evt, nil
}
