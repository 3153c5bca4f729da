package worker

import (
	"context"

	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/store"
)

// StatusSummary represents lightweight consumer diagnostics.
type StatusSummary struct {
	Running      bool
	LastError    string
	RequestStats map[store.Status]int
	QueueStats   queue.Stats
}

// Status returns the latest consumer information.
func (w *Worker) Status(ctx context.Context) StatusSummary {
	w.mu.RLock()
	running := w.running
	lastErr := w.lastErr
	w.mu.RUnlock()

	summary := StatusSummary{Running: running}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}

	stats, err := w.store.Stats(ctx)
	if err != nil {
		w.logger.Warn("failed to read request stats", logging.Error(err))
	} else {
		summary.RequestStats = stats
	}

	qstats, err := w.queue.QueueStats(ctx)
	if err != nil {
		w.logger.Warn("failed to read queue stats", logging.Error(err))
	} else {
		summary.QueueStats = qstats
	}
	return summary
}
