package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertStageExecution idempotently writes a stage execution record keyed by
// (request, stage name). Rerunning a stage overwrites rather than duplicates.
func (s *Store) UpsertStageExecution(ctx context.Context, rec *StageExecution) error {
	if rec == nil {
		return errors.New("stage execution is nil")
	}
	now := time.Now().UTC()
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO stage_executions (
            request_id, stage, status, attempt, started_at, finished_at,
            duration_ms, output_json, error_message, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(request_id, stage) DO UPDATE SET
            status = excluded.status,
            attempt = excluded.attempt,
            started_at = COALESCE(stage_executions.started_at, excluded.started_at),
            finished_at = excluded.finished_at,
            duration_ms = excluded.duration_ms,
            output_json = excluded.output_json,
            error_message = excluded.error_message,
            updated_at = excluded.updated_at`,
		rec.RequestID,
		rec.Stage,
		rec.Status,
		rec.Attempt,
		nullableTime(rec.StartedAt),
		nullableTime(rec.FinishedAt),
		rec.DurationMillis,
		nullableString(rec.OutputJSON),
		nullableString(rec.ErrorMessage),
		timestamp(now),
		timestamp(now),
	)
	if err != nil {
		return fmt.Errorf("upsert stage execution: %w", err)
	}
	return nil
}

// StageExecutions returns all stage records for a request in insertion order.
func (s *Store) StageExecutions(ctx context.Context, requestID int64) ([]*StageExecution, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+stageColumns+` FROM stage_executions WHERE request_id = ? ORDER BY id`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage executions: %w", err)
	}
	defer rows.Close()

	var records []*StageExecution
	for rows.Next() {
		rec, err := scanStageExecution(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// StageExecution returns the record for one (request, stage) pair, or nil.
func (s *Store) StageExecution(ctx context.Context, requestID int64, stage string) (*StageExecution, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+stageColumns+` FROM stage_executions WHERE request_id = ? AND stage = ?`,
		requestID, stage,
	)
	rec, err := scanStageExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage execution: %w", err)
	}
	return rec, nil
}

const stageColumns = "id, request_id, stage, status, attempt, started_at, finished_at, duration_ms, output_json, error_message, created_at, updated_at"

func scanStageExecution(scanner interface{ Scan(dest ...any) error }) (*StageExecution, error) {
	var (
		id             int64
		requestID      int64
		stage          string
		statusStr      string
		attempt        int
		startedRaw     sql.NullString
		finishedRaw    sql.NullString
		durationMillis int64
		outputJSON     sql.NullString
		errorMessage   sql.NullString
		createdRaw     sql.NullString
		updatedRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&requestID,
		&stage,
		&statusStr,
		&attempt,
		&startedRaw,
		&finishedRaw,
		&durationMillis,
		&outputJSON,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	rec := &StageExecution{
		ID:             id,
		RequestID:      requestID,
		Stage:          stage,
		Status:         StageStatus(statusStr),
		Attempt:        attempt,
		DurationMillis: durationMillis,
		OutputJSON:     outputJSON.String,
		ErrorMessage:   errorMessage.String,
	}
	rec.StartedAt = parseOptionalTime(startedRaw)
	rec.FinishedAt = parseOptionalTime(finishedRaw)
	if created, err := parseTimeString(createdRaw.String); err == nil {
		rec.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		rec.UpdatedAt = updated
	}
	return rec, nil
}
