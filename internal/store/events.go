package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AppendEvent writes an immutable audit row. Events are never updated or
// deleted; they ride the owning request's cascading lifetime.
func (s *Store) AppendEvent(ctx context.Context, event Event) error {
	if event.RequestID == 0 {
		return errors.New("event requires a request id")
	}
	if strings.TrimSpace(event.Type) == "" {
		return errors.New("event requires a type")
	}
	severity := event.Severity
	if severity == "" {
		severity = SeverityInfo
	}
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO events (request_id, type, severity, message, payload_json, origin, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RequestID,
		event.Type,
		severity,
		nullableString(strings.TrimSpace(event.Message)),
		nullableString(event.PayloadJSON),
		nullableString(strings.TrimSpace(event.Origin)),
		timestamp(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// EventsForRequest returns the audit trail for one request, oldest first.
func (s *Store) EventsForRequest(ctx context.Context, requestID int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, request_id, type, severity, message, payload_json, origin, created_at
         FROM events WHERE request_id = ? ORDER BY id`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			event      Event
			message    sql.NullString
			payload    sql.NullString
			origin     sql.NullString
			createdRaw sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.RequestID, &event.Type, &event.Severity, &message, &payload, &origin, &createdRaw); err != nil {
			return nil, err
		}
		event.Message = message.String
		event.PayloadJSON = payload.String
		event.Origin = origin.String
		if created, err := parseTimeString(createdRaw.String); err == nil {
			event.CreatedAt = created
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}
