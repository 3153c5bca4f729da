package store

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Outcome labels used when bumping metrics buckets.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// BumpMetrics upserts the hourly bucket for the given moment and tenant. The
// worker calls this once per terminal transition; buckets accumulate outcome
// counts, cache short-circuits, and request-level retries.
func (s *Store) BumpMetrics(ctx context.Context, at time.Time, tenant, outcome string, retries int, cacheHit bool) error {
	window := at.UTC().Truncate(time.Hour)

	var completed, failed, cancelled int
	switch outcome {
	case OutcomeCompleted:
		completed = 1
	case OutcomeFailed:
		failed = 1
	case OutcomeCancelled:
		cancelled = 1
	default:
		return fmt.Errorf("unknown metrics outcome %q", outcome)
	}
	hits := 0
	if cacheHit {
		hits = 1
	}

	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO metrics_buckets (window_start, tenant, completed, failed, cancelled, cache_hits, retries)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(window_start, tenant) DO UPDATE SET
            completed = metrics_buckets.completed + excluded.completed,
            failed = metrics_buckets.failed + excluded.failed,
            cancelled = metrics_buckets.cancelled + excluded.cancelled,
            cache_hits = metrics_buckets.cache_hits + excluded.cache_hits,
            retries = metrics_buckets.retries + excluded.retries`,
		timestamp(window),
		tenant,
		completed,
		failed,
		cancelled,
		hits,
		retries,
	)
	if err != nil {
		return fmt.Errorf("bump metrics: %w", err)
	}
	return nil
}

// MetricsRange returns aggregate buckets within [from, to), optionally scoped
// to one tenant, ordered by window start.
func (s *Store) MetricsRange(ctx context.Context, from, to time.Time, tenant string) ([]MetricsBucket, error) {
	query := `SELECT window_start, tenant, completed, failed, cancelled, cache_hits, retries
              FROM metrics_buckets WHERE window_start >= ? AND window_start < ?`
	args := []any{timestamp(from.UTC()), timestamp(to.UTC())}
	if tenant != "" {
		query += ` AND tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY window_start, tenant`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var buckets []MetricsBucket
	for rows.Next() {
		var (
			bucket    MetricsBucket
			windowRaw string
		)
		if err := rows.Scan(&windowRaw, &bucket.Tenant, &bucket.Completed, &bucket.Failed, &bucket.Cancelled, &bucket.CacheHits, &bucket.Retries); err != nil {
			return nil, err
		}
		if window, err := parseTimeString(windowRaw); err == nil {
			bucket.WindowStart = window
		}
		buckets = append(buckets, bucket)
	}
	return buckets, rows.Err()
}

// StageDurationsRange computes per-stage duration percentiles over stage
// executions whose request reached a terminal state within [from, to).
// Percentiles are computed here rather than stored so the rollup table stays
// a plain counter bucket.
func (s *Store) StageDurationsRange(ctx context.Context, from, to time.Time, tenant string) ([]StageDurations, error) {
	query := `SELECT se.stage, se.duration_ms
              FROM stage_executions se
              JOIN requests r ON r.id = se.request_id
              WHERE se.status = ? AND se.duration_ms > 0
                AND r.updated_at >= ? AND r.updated_at < ?`
	args := []any{StageCompleted, timestamp(from.UTC()), timestamp(to.UTC())}
	if tenant != "" {
		query += ` AND r.requester = ?`
		args = append(args, tenant)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	samples := make(map[string][]int64)
	for rows.Next() {
		var stage string
		var millis int64
		if err := rows.Scan(&stage, &millis); err != nil {
			return nil, err
		}
		samples[stage] = append(samples[stage], millis)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stages := make([]string, 0, len(samples))
	for stage := range samples {
		stages = append(stages, stage)
	}
	sort.Strings(stages)

	result := make([]StageDurations, 0, len(stages))
	for _, stage := range stages {
		values := samples[stage]
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
		result = append(result, StageDurations{
			Stage:   stage,
			Samples: len(values),
			P50:     time.Duration(percentile(values, 50)) * time.Millisecond,
			P95:     time.Duration(percentile(values, 95)) * time.Millisecond,
		})
	}
	return result, nil
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (pct * (len(sorted) - 1)) / 100
	return sorted[rank]
}
