package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/store"
)

// processMessage resolves one delivery end to end. Returning nil means the
// delivery reached a settled outcome: acknowledged, retried with backoff, or
// dead-lettered. An error reflects an infrastructure fault where the lease is
// left to expire so another consumer retries the delivery.
func (w *Worker) processMessage(ctx context.Context, logger *slog.Logger, msg *queue.Message) error {
	ctx = services.WithCorrelation(ctx, msg.CorrelationToken)
	logger = logger.With(
		logging.String(logging.FieldRequest, msg.RequestToken),
		logging.String(logging.FieldCorrelationID, msg.CorrelationToken),
	)

	req, err := w.store.GetByToken(ctx, msg.RequestToken)
	if err != nil {
		return fmt.Errorf("rehydrate request %s: %w", msg.RequestToken, err)
	}
	if req == nil {
		return w.handleOrphan(ctx, logger, msg)
	}
	ctx = services.WithRequest(ctx, req.Token)

	// Terminal requests make any further delivery a duplicate: record the
	// observation and consume the message without side effects.
	if req.Status.IsTerminal() {
		w.appendEvent(ctx, logger, req.ID, "duplicate_delivery", store.SeverityInfo,
			fmt.Sprintf("delivery %d observed terminal status %s", msg.DeliveryCount, req.Status))
		return w.queue.Ack(ctx, msg.ID)
	}

	if w.cfg.Queue.MaxDeliveries > 0 && msg.DeliveryCount > w.cfg.Queue.MaxDeliveries {
		return w.handlePoison(ctx, logger, msg, req,
			fmt.Sprintf("delivery count %d exceeds limit %d", msg.DeliveryCount, w.cfg.Queue.MaxDeliveries))
	}

	// Any delivery that resumes earlier work counts against the request-level
	// retry budget. Queue delivery counts reset on redrive; this counter does
	// not, so it is the bound that survives a redrive loop.
	if msg.DeliveryCount > 1 || req.Status != store.StatusPending {
		retries, err := w.store.IncrementRetry(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("increment retry count for %s: %w", req.Token, err)
		}
		req.RetryCount = retries
	}
	if limit := w.cfg.Pipeline.MaxRequestRetries; limit > 0 && req.RetryCount >= limit {
		return w.handleExhausted(ctx, logger, msg, req)
	}

	params, err := decodeParams(msg.ParamsJSON)
	if err != nil {
		return w.handlePoison(ctx, logger, msg, req, "message parameters are not valid JSON")
	}

	if req.Status == store.StatusPending && w.cache != nil {
		done, err := w.tryCacheShortCircuit(ctx, logger, msg, req)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	return w.runPipeline(ctx, logger, msg, req, params)
}

func (w *Worker) handleOrphan(ctx context.Context, logger *slog.Logger, msg *queue.Message) error {
	inspections, err := w.queue.InspectOrphan(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("inspect orphan message %d: %w", msg.ID, err)
	}

	limit := w.cfg.Queue.OrphanInspectionLimit
	if limit > 0 && inspections >= limit {
		diagnostics, _ := json.Marshal(map[string]any{
			"request":     msg.RequestToken,
			"inspections": inspections,
		})
		logger.Warn("dead-lettering orphan message",
			logging.Int("inspections", inspections),
			logging.String(logging.FieldEventType, "orphan_dead_lettered"),
		)
		return w.queue.DeadLetter(ctx, msg.ID, queue.ReasonOrphan, string(diagnostics))
	}

	// The request row may simply not be visible yet; park the message and
	// look again later.
	logger.Info("message references unknown request, will re-inspect",
		logging.Int("inspections", inspections),
		logging.String(logging.FieldEventType, "orphan_inspected"),
	)
	return w.queue.Retry(ctx, msg.ID, w.errorRetry)
}

func (w *Worker) handlePoison(ctx context.Context, logger *slog.Logger, msg *queue.Message, req *store.Request, reason string) error {
	logger.Error("dead-lettering poison message",
		logging.String("reason", reason),
		logging.Int("delivery_count", msg.DeliveryCount),
		logging.String(logging.FieldEventType, "poison_dead_lettered"),
	)

	detail, _ := json.Marshal(services.ErrorDetails{Kind: "poison", Message: reason})
	if err := w.store.MarkFailed(ctx, req.ID, req.CurrentStage, reason, string(detail)); err != nil && err != store.ErrConflict {
		logger.Error("failed to mark poisoned request failed", logging.Error(err))
	}
	w.appendEvent(ctx, logger, req.ID, "poison_message", store.SeverityError, reason)
	w.bumpMetrics(ctx, logger, req.Requester, store.OutcomeFailed, req.RetryCount, false)
	w.notifyFailure(ctx, logger, req.Token, req.CurrentStage, reason)

	diagnostics, _ := json.Marshal(map[string]any{
		"request": msg.RequestToken,
		"reason":  reason,
	})
	return w.queue.DeadLetter(ctx, msg.ID, queue.ReasonPoison, string(diagnostics))
}

// handleExhausted dead-letters a request that has consumed its request-level
// retry budget.
func (w *Worker) handleExhausted(ctx context.Context, logger *slog.Logger, msg *queue.Message, req *store.Request) error {
	reason := fmt.Sprintf("retry count %d reached limit %d", req.RetryCount, w.cfg.Pipeline.MaxRequestRetries)
	logger.Error("dead-lettering request after retry exhaustion",
		logging.Int("retry_count", req.RetryCount),
		logging.String(logging.FieldEventType, "retries_exhausted"),
	)

	detail, _ := json.Marshal(services.ErrorDetails{Kind: "retries_exhausted", Message: reason})
	if err := w.store.MarkFailed(ctx, req.ID, req.CurrentStage, reason, string(detail)); err != nil && err != store.ErrConflict {
		logger.Error("failed to mark exhausted request failed", logging.Error(err))
	}
	w.appendEvent(ctx, logger, req.ID, "retries_exhausted", store.SeverityError, reason)
	w.bumpMetrics(ctx, logger, req.Requester, store.OutcomeFailed, req.RetryCount, false)
	w.notifyFailure(ctx, logger, req.Token, req.CurrentStage, reason)

	diagnostics, _ := json.Marshal(map[string]any{
		"request":     msg.RequestToken,
		"retry_count": req.RetryCount,
	})
	return w.queue.DeadLetter(ctx, msg.ID, queue.ReasonExhausted, string(diagnostics))
}

// tryCacheShortCircuit resolves a pending request directly from the cache.
// Returns true when the request was completed from a cache hit.
func (w *Worker) tryCacheShortCircuit(ctx context.Context, logger *slog.Logger, msg *queue.Message, req *store.Request) (bool, error) {
	entry, tier, err := w.cache.Lookup(req.Fingerprint)
	if err != nil {
		logger.Warn("cache lookup failed, generating instead",
			logging.Error(err),
			logging.String(logging.FieldEventType, "cache_lookup_failed"),
		)
		return false, nil
	}
	if tier == "" {
		return false, nil
	}

	if err := w.store.MarkCompleted(ctx, req.ID, store.StatusPending, entry.Artifacts); err != nil {
		if err == store.ErrConflict {
			// Another consumer got here first; duplicate delivery.
			return true, w.queue.Ack(ctx, msg.ID)
		}
		return false, fmt.Errorf("complete request from cache: %w", err)
	}

	now := time.Now().UTC()
	marker := &store.StageExecution{
		RequestID:  req.ID,
		Stage:      "cache_hit",
		Status:     store.StageSkipped,
		StartedAt:  &now,
		FinishedAt: &now,
	}
	if err := w.store.UpsertStageExecution(ctx, marker); err != nil {
		logger.Warn("failed to record cache hit marker", logging.Error(err))
	}

	logger.Info("request completed from cache",
		logging.String("tier", string(tier)),
		logging.String("fingerprint", req.Fingerprint),
		logging.String(logging.FieldEventType, "cache_hit"),
	)
	w.appendEvent(ctx, logger, req.ID, "cache_hit", store.SeverityInfo,
		fmt.Sprintf("served from %s cache tier", tier))
	w.bumpMetrics(ctx, logger, req.Requester, store.OutcomeCompleted, req.RetryCount, true)
	w.notifyCompletion(ctx, logger, req.Token, req.Topic, entry.Artifacts)
	return true, w.queue.Ack(ctx, msg.ID)
}

func decodeParams(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func (w *Worker) appendEvent(ctx context.Context, logger *slog.Logger, requestID int64, eventType, severity, message string) {
	err := w.store.AppendEvent(ctx, store.Event{
		RequestID: requestID,
		Type:      eventType,
		Severity:  severity,
		Message:   message,
		Origin:    "worker",
	})
	if err != nil {
		logger.Warn("failed to append event",
			logging.String(logging.FieldEventType, eventType),
			logging.Error(err),
		)
	}
}

func (w *Worker) bumpMetrics(ctx context.Context, logger *slog.Logger, tenant, outcome string, retries int, cacheHit bool) {
	if err := w.store.BumpMetrics(ctx, time.Now().UTC(), tenant, outcome, retries, cacheHit); err != nil {
		logger.Warn("failed to bump metrics bucket", logging.Error(err))
	}
}

func (w *Worker) notifyCompletion(ctx context.Context, logger *slog.Logger, token, topic string, artifacts []string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.NotifyRequestCompleted(ctx, token, topic, artifacts); err != nil {
		logger.Warn("completion notification failed", logging.Error(err))
	}
}

func (w *Worker) notifyFailure(ctx context.Context, logger *slog.Logger, token, stageName, message string) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.NotifyRequestFailed(ctx, token, stageName, message); err != nil {
		logger.Warn("failure notification failed", logging.Error(err))
	}
}
