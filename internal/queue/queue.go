package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"loom/internal/config"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("queue schema version mismatch")

// Queue is a durable, at-least-once message queue backed by SQLite. Delivery
// uses leases: a dequeued message stays in the table until acknowledged, and
// an expired lease makes it deliverable again.
type Queue struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the queue database inside the data directory.
func Open(cfg *config.Config) (*Queue, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.DataDir, "queue.db"))
}

// OpenPath opens the queue database at an explicit location.
func OpenPath(dbPath string) (*Queue, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	q := &Queue{db: db, path: dbPath}
	if err := q.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the underlying database connection.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *Queue) initSchema(ctx context.Context) error {
	var tableExists int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create queue schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record queue schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := q.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read queue schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

// Publish enqueues a message for a request. A fresh correlation token is
// issued when none is supplied.
func (q *Queue) Publish(ctx context.Context, requestToken, requester, paramsJSON string) (*Message, error) {
	if strings.TrimSpace(requestToken) == "" {
		return nil, errors.New("request token is required")
	}
	now := time.Now().UTC()
	correlation := uuid.NewString()

	res, err := q.db.ExecContext(
		ctx,
		`INSERT INTO messages (request_token, correlation_token, requester, params_json, available_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		requestToken,
		correlation,
		nullableString(strings.TrimSpace(requester)),
		nullableString(paramsJSON),
		formatTime(now),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("publish message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return q.GetByID(ctx, id)
}

// Dequeue claims the oldest deliverable message under a lease and increments
// its delivery count. Returns nil when nothing is deliverable.
func (q *Queue) Dequeue(ctx context.Context, lease time.Duration) (*Message, error) {
	now := time.Now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(
		ctx,
		`SELECT id FROM messages
         WHERE available_at <= ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
         ORDER BY id LIMIT 1`,
		formatTime(now), formatTime(now),
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select deliverable message: %w", err)
	}

	leaseExpiry := now.Add(lease)
	res, err := tx.ExecContext(
		ctx,
		`UPDATE messages
         SET lease_expires_at = ?, delivery_count = delivery_count + 1, updated_at = ?
         WHERE id = ? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)`,
		formatTime(leaseExpiry), formatTime(now), id, formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("lease message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race inside a concurrent transaction window.
		return nil, tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return q.GetByID(ctx, id)
}

// Ack removes a successfully processed message. Acknowledgement happens only
// after state is durably persisted, so a crash loses in-flight work but never
// the message itself.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// Retry releases the lease and defers the message by backoff so another
// delivery happens later.
func (q *Queue) Retry(ctx context.Context, id int64, backoff time.Duration) error {
	now := time.Now().UTC()
	if _, err := q.db.ExecContext(
		ctx,
		`UPDATE messages SET lease_expires_at = NULL, available_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(now.Add(backoff)), formatTime(now), id,
	); err != nil {
		return fmt.Errorf("retry message: %w", err)
	}
	return nil
}

// InspectOrphan increments and returns the orphan inspection counter for a
// message whose request row could not be found.
func (q *Queue) InspectOrphan(ctx context.Context, id int64) (int, error) {
	if _, err := q.db.ExecContext(
		ctx,
		`UPDATE messages SET inspections = inspections + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), id,
	); err != nil {
		return 0, fmt.Errorf("record orphan inspection: %w", err)
	}
	var count int
	if err := q.db.QueryRowContext(ctx, `SELECT inspections FROM messages WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read inspections: %w", err)
	}
	return count, nil
}

// DeadLetter moves a message to the dead-letter table with a reason and
// diagnostics payload, then removes it from the live queue.
func (q *Queue) DeadLetter(ctx context.Context, id int64, reason, diagnosticsJSON string) error {
	msg, err := q.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("message %d not found", id)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead-letter tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO dead_letters (message_id, request_token, correlation_token, requester, params_json, reason, diagnostics_json, delivery_count, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.RequestToken,
		msg.CorrelationToken,
		nullableString(msg.Requester),
		nullableString(msg.ParamsJSON),
		reason,
		nullableString(diagnosticsJSON),
		msg.DeliveryCount,
		formatTime(time.Now().UTC()),
	); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove dead-lettered message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead-letter: %w", err)
	}
	return nil
}

// RedriveDeadLetter moves a dead letter back onto the live queue as a fresh
// message with a reset delivery count. Returns the republished message.
func (q *Queue) RedriveDeadLetter(ctx context.Context, id int64) (*Message, error) {
	letter, err := q.deadLetterByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if letter == nil {
		return nil, fmt.Errorf("dead letter %d not found", id)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin redrive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO messages (request_token, correlation_token, requester, params_json, available_at, delivery_count, inspections, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		letter.RequestToken,
		letter.CorrelationToken,
		nullableString(letter.Requester),
		nullableString(letter.ParamsJSON),
		formatTime(now),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("republish dead letter: %w", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("redriven message id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("remove redriven dead letter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit redrive: %w", err)
	}
	return q.GetByID(ctx, msgID)
}

// RemoveDeadLetter discards a dead letter permanently.
func (q *Queue) RemoveDeadLetter(ctx context.Context, id int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove dead letter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func (q *Queue) deadLetterByID(ctx context.Context, id int64) (*DeadLetter, error) {
	letters, err := q.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	for _, letter := range letters {
		if letter.ID == id {
			return letter, nil
		}
	}
	return nil, nil
}

// DeadLetters returns dead-lettered messages, oldest first.
func (q *Queue) DeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	rows, err := q.db.QueryContext(
		ctx,
		`SELECT id, message_id, request_token, correlation_token, requester, params_json, reason, diagnostics_json, delivery_count, created_at
         FROM dead_letters ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		var (
			letter      DeadLetter
			requester   sql.NullString
			params      sql.NullString
			diagnostics sql.NullString
			createdRaw  string
		)
		if err := rows.Scan(&letter.ID, &letter.MessageID, &letter.RequestToken, &letter.CorrelationToken, &requester, &params, &letter.Reason, &diagnostics, &letter.DeliveryCount, &createdRaw); err != nil {
			return nil, err
		}
		letter.Requester = requester.String
		letter.ParamsJSON = params.String
		letter.DiagnosticsJSON = diagnostics.String
		if created, err := parseTime(createdRaw); err == nil {
			letter.CreatedAt = created
		}
		letters = append(letters, &letter)
	}
	return letters, rows.Err()
}

// GetByID fetches a live message by identifier.
func (q *Queue) GetByID(ctx context.Context, id int64) (*Message, error) {
	row := q.db.QueryRowContext(
		ctx,
		`SELECT id, request_token, correlation_token, requester, params_json, available_at, lease_expires_at, delivery_count, inspections, created_at, updated_at
         FROM messages WHERE id = ?`,
		id,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// QueueStats reports ready and leased message counts plus dead letters.
func (q *Queue) QueueStats(ctx context.Context) (Stats, error) {
	now := formatTime(time.Now().UTC())
	var stats Stats
	row := q.db.QueryRowContext(
		ctx,
		`SELECT
            SUM(CASE WHEN lease_expires_at IS NULL OR lease_expires_at <= ? THEN 1 ELSE 0 END),
            SUM(CASE WHEN lease_expires_at IS NOT NULL AND lease_expires_at > ? THEN 1 ELSE 0 END)
         FROM messages`,
		now, now,
	)
	var ready, leased sql.NullInt64
	if err := row.Scan(&ready, &leased); err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	stats.Ready = int(ready.Int64)
	stats.Leased = int(leased.Int64)

	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM dead_letters`).Scan(&stats.DeadLetters); err != nil {
		return stats, fmt.Errorf("dead letter count: %w", err)
	}
	return stats, nil
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*Message, error) {
	var (
		msg          Message
		requester    sql.NullString
		params       sql.NullString
		availableRaw string
		leaseRaw     sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&msg.ID,
		&msg.RequestToken,
		&msg.CorrelationToken,
		&requester,
		&params,
		&availableRaw,
		&leaseRaw,
		&msg.DeliveryCount,
		&msg.Inspections,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	msg.Requester = requester.String
	msg.ParamsJSON = params.String
	if available, err := parseTime(availableRaw); err == nil {
		msg.AvailableAt = available
	}
	if leaseRaw.Valid {
		if lease, err := parseTime(leaseRaw.String); err == nil {
			msg.LeaseExpiresAt = &lease
		}
	}
	if created, err := parseTime(createdRaw); err == nil {
		msg.CreatedAt = created
	}
	if updated, err := parseTime(updatedRaw); err == nil {
		msg.UpdatedAt = updated
	}
	return &msg, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// timeLayout fixes the fractional second at nine digits so the stored strings
// compare lexicographically in temporal order; the dequeue and stats queries
// rely on that for available_at and lease_expires_at predicates.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}
