package api

import (
	"encoding/json"
	"time"

	"loom/internal/queue"
	"loom/internal/store"
)

// FromRequest converts a stored request into its sanitized API view. The raw
// error details JSON stays server-side; only the classified kind and message
// are exposed.
func FromRequest(req *store.Request) RequestView {
	if req == nil {
		return RequestView{}
	}
	view := RequestView{
		Token:        req.Token,
		Requester:    req.Requester,
		Topic:        req.Topic,
		Variant:      req.Variant,
		Status:       string(req.Status),
		CurrentStage: req.CurrentStage,
		Progress:     req.ProgressPercent,
		RetryCount:   req.RetryCount,
		CreatedAt:    formatTime(&req.CreatedAt),
		StartedAt:    formatTime(req.StartedAt),
		CompletedAt:  formatTime(req.CompletedAt),
		UpdatedAt:    formatTime(&req.UpdatedAt),
		DurationMS:   req.DurationMillis,
	}
	if req.Status == store.StatusCompleted {
		view.Artifacts = req.Outputs()
	}
	if req.Status == store.StatusFailed && req.ErrorMessage != "" {
		view.Error = &RequestError{
			Kind:    errorKind(req.ErrorDetails),
			Stage:   req.ErrorStage,
			Message: req.ErrorMessage,
		}
	}
	return view
}

// FromRequests converts a request slice.
func FromRequests(requests []*store.Request) []RequestView {
	if len(requests) == 0 {
		return nil
	}
	views := make([]RequestView, 0, len(requests))
	for _, req := range requests {
		views = append(views, FromRequest(req))
	}
	return views
}

// FromStageExecutions converts stage records.
func FromStageExecutions(records []*store.StageExecution) []StageView {
	if len(records) == 0 {
		return nil
	}
	views := make([]StageView, 0, len(records))
	for _, rec := range records {
		views = append(views, StageView{
			Stage:      rec.Stage,
			Status:     string(rec.Status),
			Attempt:    rec.Attempt,
			DurationMS: rec.DurationMillis,
			Error:      rec.ErrorMessage,
			StartedAt:  formatTime(rec.StartedAt),
			FinishedAt: formatTime(rec.FinishedAt),
		})
	}
	return views
}

// FromEvents converts lifecycle events.
func FromEvents(events []*store.Event) []EventView {
	if len(events) == 0 {
		return nil
	}
	views := make([]EventView, 0, len(events))
	for _, ev := range events {
		views = append(views, EventView{
			Type:      ev.Type,
			Severity:  ev.Severity,
			Message:   ev.Message,
			Origin:    ev.Origin,
			CreatedAt: formatTime(&ev.CreatedAt),
		})
	}
	return views
}

// FromQueueStats converts queue depth counters.
func FromQueueStats(stats queue.Stats) QueueStatsView {
	return QueueStatsView{
		Ready:       stats.Ready,
		Leased:      stats.Leased,
		DeadLetters: stats.DeadLetters,
	}
}

// FromDeadLetters converts dead-lettered messages.
func FromDeadLetters(letters []*queue.DeadLetter) []DeadLetterView {
	if len(letters) == 0 {
		return nil
	}
	views := make([]DeadLetterView, 0, len(letters))
	for _, dl := range letters {
		views = append(views, DeadLetterView{
			ID:           dl.ID,
			RequestToken: dl.RequestToken,
			Reason:       dl.Reason,
			Diagnostics:  dl.DiagnosticsJSON,
			CreatedAt:    formatTime(&dl.CreatedAt),
		})
	}
	return views
}

// FromMetrics converts hourly buckets and stage percentiles.
func FromMetrics(buckets []store.MetricsBucket, durations []store.StageDurations) MetricsResponse {
	resp := MetricsResponse{}
	for _, b := range buckets {
		start := b.WindowStart
		resp.Buckets = append(resp.Buckets, MetricsBucketView{
			WindowStart: formatTime(&start),
			Tenant:      b.Tenant,
			Completed:   b.Completed,
			Failed:      b.Failed,
			Cancelled:   b.Cancelled,
			CacheHits:   b.CacheHits,
			Retries:     b.Retries,
		})
	}
	for _, d := range durations {
		resp.StageDurations = append(resp.StageDurations, StageDurationView{
			Stage:   d.Stage,
			Samples: d.Samples,
			P50MS:   d.P50.Milliseconds(),
			P95MS:   d.P95.Milliseconds(),
		})
	}
	return resp
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

// errorKind extracts the classified kind from the stored details JSON without
// exposing the rest of the document.
func errorKind(detailsJSON string) string {
	if detailsJSON == "" {
		return "internal"
	}
	var details struct {
		Kind string `json:"Kind"`
	}
	if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil || details.Kind == "" {
		return "internal"
	}
	return details.Kind
}
