package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMissingOutputs is returned when a completion is attempted without any
// output references. Committing completed with missing outputs must fail the
// precondition check, never succeed silently.
var ErrMissingOutputs = errors.New("completed request requires output references")

// NewRequest carries the caller-supplied fields for request acceptance.
type NewRequest struct {
	Requester       string
	Topic           string
	Personalization string
	Variant         string
	ParamsJSON      string
	Fingerprint     string
}

// CreateRequest inserts a pending request row and returns it. The row is
// durable before any queue publish so a crash prior to first dequeue still
// leaves a discoverable, retryable record.
func (s *Store) CreateRequest(ctx context.Context, req NewRequest) (*Request, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	fingerprint := strings.TrimSpace(req.Fingerprint)
	if fingerprint == "" {
		return nil, errors.New("fingerprint is required")
	}
	variant := strings.TrimSpace(req.Variant)
	if variant == "" {
		variant = "default"
	}

	now := time.Now().UTC()
	token := uuid.NewString()

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO requests (
            token, requester, topic, personalization, variant, params_json,
            fingerprint, status, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token,
		nullableString(strings.TrimSpace(req.Requester)),
		topic,
		nullableString(strings.TrimSpace(req.Personalization)),
		variant,
		nullableString(req.ParamsJSON),
		fingerprint,
		StatusPending,
		timestamp(now),
		timestamp(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a request by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// GetByToken fetches a request by its opaque token.
func (s *Store) GetByToken(ctx context.Context, token string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE token = ?`, token)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request by token: %w", err)
	}
	return req, nil
}

// List returns requests filtered by status set (or all when none is provided).
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Request, error) {
	baseQuery := `SELECT ` + requestColumns + ` FROM requests`
	orderClause := ` ORDER BY created_at`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// Transition performs a compare-and-set status change. It returns ErrConflict
// when the request is not in the expected status, which is the signature of a
// duplicate or stale delivery rather than a fatal bug.
func (s *Store) Transition(ctx context.Context, id int64, from, to Status) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("transition %s -> %s violates stage order: %w", from, to, ErrConflict)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, timestamp(time.Now()), id, from,
	)
	if err != nil {
		return fmt.Errorf("transition request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// ClaimStage atomically moves a request into a stage's working status and
// records a heartbeat. The claim succeeds either as a forward transition from
// the expected prior status, or as a takeover of the same working status whose
// heartbeat went stale before cutoff (a crashed worker). Exactly one worker
// can win either way.
func (s *Store) ClaimStage(ctx context.Context, id int64, from, working Status, stageName string, cutoff time.Time) error {
	if !from.CanTransition(working) && from != working {
		return fmt.Errorf("claim %s -> %s violates stage order: %w", from, working, ErrConflict)
	}
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests
         SET status = ?, current_stage = ?, last_heartbeat = ?,
             started_at = COALESCE(started_at, ?), error_message = NULL, updated_at = ?
         WHERE id = ?
           AND (status = ?
                OR (status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)))`,
		working,
		stageName,
		timestamp(now),
		timestamp(now),
		timestamp(now),
		id,
		from,
		working,
		timestamp(cutoff),
	)
	if err != nil {
		return fmt.Errorf("claim stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateHeartbeat refreshes the last heartbeat timestamp for an in-flight request.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := timestamp(time.Now())
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE requests SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// SetProgress persists a recomputed progress percentage. The stored value is
// always derived from stage execution records by the caller; this method never
// invents progress on its own.
func (s *Store) SetProgress(ctx context.Context, id int64, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE requests SET progress_percent = ?, updated_at = ? WHERE id = ?`,
		percent, timestamp(time.Now()), id,
	); err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// MarkCompleted commits the terminal completed state. Outputs must be
// non-empty. Progress is left untouched: the stored percentage stays whatever
// SetProgress last derived from the stage records, so it remains reproducible
// from them even for degraded completions. The transition is conditional on
// the expected prior status so racing workers cannot double-complete.
func (s *Store) MarkCompleted(ctx context.Context, id int64, from Status, outputs []string) error {
	if len(outputs) == 0 {
		return ErrMissingOutputs
	}
	outputsJSON, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}

	req, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("request %d not found", id)
	}

	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests
         SET status = ?, outputs_json = ?, current_stage = NULL,
             completed_at = ?, duration_ms = ?, last_heartbeat = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusCompleted,
		string(outputsJSON),
		timestamp(now),
		now.Sub(req.CreatedAt).Milliseconds(),
		timestamp(now),
		id,
		from,
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// MarkFailed commits the terminal failed state with the failing stage and a
// sanitized message plus structured details. Already-terminal requests are
// left untouched and reported via ErrConflict.
func (s *Store) MarkFailed(ctx context.Context, id int64, stage, message, detailsJSON string) error {
	req, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if req == nil {
		return fmt.Errorf("request %d not found", id)
	}

	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests
         SET status = ?, error_message = ?, error_stage = ?, error_details_json = ?,
             failed_at = ?, duration_ms = ?, last_heartbeat = NULL, updated_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?)`,
		StatusFailed,
		nullableString(strings.TrimSpace(message)),
		nullableString(strings.TrimSpace(stage)),
		nullableString(detailsJSON),
		timestamp(now),
		now.Sub(req.CreatedAt).Milliseconds(),
		timestamp(now),
		id,
		StatusCompleted, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// Cancel marks a request cancelled when it has not yet reached a terminal
// state. Returns false when the request was already terminal.
func (s *Store) Cancel(ctx context.Context, token string) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE requests
         SET status = ?, last_heartbeat = NULL, updated_at = ?
         WHERE token = ? AND status NOT IN (?, ?, ?)`,
		StatusCancelled,
		timestamp(time.Now()),
		token,
		StatusCompleted, StatusFailed, StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("cancel request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// IncrementRetry bumps the request-level retry counter and returns the new
// value. This counter is independent of queue-level redelivery counts.
func (s *Store) IncrementRetry(ctx context.Context, id int64) (int, error) {
	if _, err := s.execWithRetry(
		ctx,
		`UPDATE requests SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		timestamp(time.Now()), id,
	); err != nil {
		return 0, fmt.Errorf("increment retry: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM requests WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read retry count: %w", err)
	}
	return count, nil
}

// Stats returns a count of requests grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("request stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates request state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPending:
			health.Pending += count
		case StatusCompleted:
			health.Completed += count
		case StatusFailed:
			health.Failed += count
		case StatusCancelled:
			health.Cancelled += count
		default:
			if status.IsWorking() {
				health.Working += count
			}
		}
	}
	return health, nil
}

// Outputs decodes the stored output references.
func (r *Request) Outputs() []string {
	if strings.TrimSpace(r.OutputsJSON) == "" {
		return nil
	}
	var outputs []string
	if err := json.Unmarshal([]byte(r.OutputsJSON), &outputs); err != nil {
		return nil
	}
	return outputs
}

const requestColumns = "id, token, requester, topic, personalization, variant, params_json, fingerprint, status, current_stage, progress_percent, error_message, error_stage, error_details_json, retry_count, outputs_json, created_at, started_at, completed_at, failed_at, updated_at, last_heartbeat, duration_ms"

func scanRequest(scanner interface{ Scan(dest ...any) error }) (*Request, error) {
	var (
		id              int64
		token           string
		requester       sql.NullString
		topic           string
		personalization sql.NullString
		variant         string
		paramsJSON      sql.NullString
		fingerprint     string
		statusStr       string
		currentStage    sql.NullString
		progressPercent int
		errorMessage    sql.NullString
		errorStage      sql.NullString
		errorDetails    sql.NullString
		retryCount      int
		outputsJSON     sql.NullString
		createdRaw      sql.NullString
		startedRaw      sql.NullString
		completedRaw    sql.NullString
		failedRaw       sql.NullString
		updatedRaw      sql.NullString
		heartbeatRaw    sql.NullString
		durationMillis  int64
	)

	if err := scanner.Scan(
		&id,
		&token,
		&requester,
		&topic,
		&personalization,
		&variant,
		&paramsJSON,
		&fingerprint,
		&statusStr,
		&currentStage,
		&progressPercent,
		&errorMessage,
		&errorStage,
		&errorDetails,
		&retryCount,
		&outputsJSON,
		&createdRaw,
		&startedRaw,
		&completedRaw,
		&failedRaw,
		&updatedRaw,
		&heartbeatRaw,
		&durationMillis,
	); err != nil {
		return nil, err
	}

	req := &Request{
		ID:              id,
		Token:           token,
		Requester:       requester.String,
		Topic:           topic,
		Personalization: personalization.String,
		Variant:         variant,
		ParamsJSON:      paramsJSON.String,
		Fingerprint:     fingerprint,
		Status:          Status(statusStr),
		CurrentStage:    currentStage.String,
		ProgressPercent: progressPercent,
		ErrorMessage:    errorMessage.String,
		ErrorStage:      errorStage.String,
		ErrorDetails:    errorDetails.String,
		RetryCount:      retryCount,
		OutputsJSON:     outputsJSON.String,
		DurationMillis:  durationMillis,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		req.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		req.UpdatedAt = updated
	}
	req.StartedAt = parseOptionalTime(startedRaw)
	req.CompletedAt = parseOptionalTime(completedRaw)
	req.FailedAt = parseOptionalTime(failedRaw)
	req.LastHeartbeat = parseOptionalTime(heartbeatRaw)
	return req, nil
}
