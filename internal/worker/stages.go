package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loom/internal/cache"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/stage"
	"loom/internal/store"
)

// runPipeline drives the request through every remaining stage. Completed
// stage records are skipped so a resumed or duplicated delivery picks up at
// the first unfinished stage.
func (w *Worker) runPipeline(ctx context.Context, logger *slog.Logger, msg *queue.Message, req *store.Request, params map[string]any) error {
	outputs, err := w.loadStageOutputs(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("load stage outputs: %w", err)
	}

	for _, def := range stage.Definitions() {
		current, err := w.store.GetByID(ctx, req.ID)
		if err != nil {
			return fmt.Errorf("refresh request %s: %w", req.Token, err)
		}
		if current == nil {
			return fmt.Errorf("request %s disappeared mid-pipeline", req.Token)
		}

		// Cancellation wins over any further work.
		if current.Status == store.StatusCancelled {
			logger.Info("request cancelled, stopping pipeline",
				logging.String(logging.FieldStage, string(def.Name)),
				logging.String(logging.FieldEventType, "pipeline_cancelled"),
			)
			w.appendEvent(ctx, logger, req.ID, "cancellation_observed", store.SeverityInfo,
				fmt.Sprintf("pipeline stopped before stage %s", def.Name))
			return w.queue.Ack(ctx, msg.ID)
		}
		if current.Status.IsTerminal() {
			return w.queue.Ack(ctx, msg.ID)
		}

		rec, err := w.store.StageExecution(ctx, req.ID, string(def.Name))
		if err != nil {
			return fmt.Errorf("load stage record %s: %w", def.Name, err)
		}
		if rec != nil && rec.Status == store.StageCompleted {
			continue
		}

		cutoff := time.Now().Add(-time.Duration(w.cfg.Pipeline.HeartbeatTimeoutSecs) * time.Second)
		if err := w.store.ClaimStage(ctx, req.ID, stage.PriorStatus(def), def.Working, string(def.Name), cutoff); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Another consumer owns the request right now. Treat this
				// delivery as a duplicate and consume it.
				logger.Info("stage claim lost, acknowledging duplicate delivery",
					logging.String(logging.FieldStage, string(def.Name)),
					logging.String(logging.FieldEventType, "duplicate_delivery"),
				)
				w.appendEvent(ctx, logger, req.ID, "duplicate_delivery", store.SeverityInfo,
					fmt.Sprintf("lost claim for stage %s", def.Name))
				return w.queue.Ack(ctx, msg.ID)
			}
			return fmt.Errorf("claim stage %s: %w", def.Name, err)
		}

		outcome, err := w.runStage(ctx, logger, current, def, params, outputs, rec)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if def.Critical {
				return w.failRequest(ctx, logger, msg, current, def, err)
			}
			// Non-critical stages degrade the result without failing the
			// request; the next stage claims forward from this one's
			// working status.
			logger.Warn("non-critical stage failed, continuing",
				logging.String(logging.FieldStage, string(def.Name)),
				logging.Error(err),
			)
			w.appendEvent(ctx, logger, req.ID, "stage_degraded", store.SeverityWarn,
				fmt.Sprintf("stage %s failed: %s", def.Name, services.Details(err).Message))
			continue
		}
		outputs[def.Name] = outcome
	}

	return w.completeRequest(ctx, logger, msg, req, outputs)
}

// runStage executes one stage with per-attempt timeout, bounded retries with
// exponential backoff, and a heartbeat loop while the handler runs. The stage
// execution record is upserted on every attempt so progress survives crashes.
func (w *Worker) runStage(ctx context.Context, logger *slog.Logger, req *store.Request, def stage.Definition, params map[string]any, outputs map[stage.Name]stage.Output, prior *store.StageExecution) (stage.Output, error) {
	sctx := services.WithStage(ctx, string(def.Name))
	stageLogger := logging.WithContext(sctx, logger)
	handler := w.registry[def.Name]

	attempt := 0
	if prior != nil {
		attempt = prior.Attempt
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = time.Duration(w.cfg.Pipeline.StageTimeoutSeconds) * time.Second
	}

	var lastErr error
	for ; attempt <= def.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return stage.Output{}, ctx.Err()
		default:
		}

		started := time.Now().UTC()
		record := &store.StageExecution{
			RequestID: req.ID,
			Stage:     string(def.Name),
			Status:    store.StageInProgress,
			Attempt:   attempt + 1,
			StartedAt: &started,
		}
		if err := w.store.UpsertStageExecution(sctx, record); err != nil {
			return stage.Output{}, fmt.Errorf("record stage start: %w", err)
		}
		stageLogger.Info("stage started",
			logging.String(logging.FieldEventType, "stage_start"),
			logging.Int("attempt", attempt+1),
		)

		out, execErr := w.executeWithHeartbeat(sctx, req, def, handler, params, outputs, stageLogger, timeout)
		finished := time.Now().UTC()
		record.FinishedAt = &finished
		record.DurationMillis = finished.Sub(started).Milliseconds()

		if execErr == nil {
			outJSON, err := json.Marshal(out)
			if err != nil {
				return stage.Output{}, fmt.Errorf("encode stage output: %w", err)
			}
			record.Status = store.StageCompleted
			record.OutputJSON = string(outJSON)
			record.ErrorMessage = ""
			if err := w.store.UpsertStageExecution(sctx, record); err != nil {
				return stage.Output{}, fmt.Errorf("record stage completion: %w", err)
			}
			w.recomputeProgress(sctx, stageLogger, req.ID)
			stageLogger.Info("stage completed",
				logging.String(logging.FieldEventType, "stage_complete"),
				logging.Duration("stage_duration", finished.Sub(started)),
			)
			w.appendEvent(sctx, stageLogger, req.ID, "stage_completed", store.SeverityInfo,
				fmt.Sprintf("stage %s completed in %s", def.Name, finished.Sub(started).Round(time.Millisecond)))
			return out, nil
		}

		lastErr = execErr
		record.Status = store.StageFailed
		record.ErrorMessage = services.Details(execErr).Message
		if err := w.store.UpsertStageExecution(sctx, record); err != nil {
			return stage.Output{}, fmt.Errorf("record stage failure: %w", err)
		}

		if !services.Retryable(execErr) || attempt >= def.MaxRetries {
			break
		}

		backoff := w.retryBackoff(attempt)
		stageLogger.Warn("stage attempt failed, backing off",
			logging.Int("attempt", attempt+1),
			logging.Duration("backoff", backoff),
			logging.Error(execErr),
			logging.String(logging.FieldEventType, "stage_retry"),
		)
		w.appendEvent(sctx, stageLogger, req.ID, "stage_retried", store.SeverityWarn,
			fmt.Sprintf("stage %s attempt %d failed, retrying", def.Name, attempt+1))
		select {
		case <-ctx.Done():
			return stage.Output{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return stage.Output{}, lastErr
}

func (w *Worker) executeWithHeartbeat(ctx context.Context, req *store.Request, def stage.Definition, handler stage.Handler, params map[string]any, outputs map[stage.Name]stage.Output, stageLogger *slog.Logger, timeout time.Duration) (stage.Output, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hbCtx, hbCancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(hbCtx, stageLogger, req.ID)
	}()

	sc := &stage.Context{
		Request:     req,
		Params:      params,
		ArtifactDir: w.cfg.Paths.ArtifactDir,
		Logger:      stageLogger,
		Outputs:     outputs,
	}
	out, err := handler.Execute(execCtx, sc)
	hbCancel()
	<-hbDone

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = services.Wrap(services.ErrTimeout, string(def.Name), "execute",
			fmt.Sprintf("stage exceeded %s timeout", timeout), err)
	}
	return out, err
}

func (w *Worker) heartbeatLoop(ctx context.Context, logger *slog.Logger, requestID int64) {
	interval := time.Duration(w.cfg.Pipeline.HeartbeatIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.UpdateHeartbeat(ctx, requestID); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}

// retryBackoff doubles per attempt starting from the configured base.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	base := time.Duration(w.cfg.Pipeline.RetryBackoffSeconds) * time.Second
	if base <= 0 {
		return 0
	}
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff > 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return backoff
}

func (w *Worker) recomputeProgress(ctx context.Context, logger *slog.Logger, requestID int64) {
	records, err := w.store.StageExecutions(ctx, requestID)
	if err != nil {
		logger.Warn("failed to load stage records for progress", logging.Error(err))
		return
	}
	percent := stage.Progress(stage.CompletedCount(records), stage.Total())
	if err := w.store.SetProgress(ctx, requestID, percent); err != nil {
		logger.Warn("failed to persist progress", logging.Error(err))
	}
}

func (w *Worker) loadStageOutputs(ctx context.Context, requestID int64) (map[stage.Name]stage.Output, error) {
	records, err := w.store.StageExecutions(ctx, requestID)
	if err != nil {
		return nil, err
	}
	outputs := make(map[stage.Name]stage.Output, len(records))
	for _, rec := range records {
		if rec.Status != store.StageCompleted || rec.OutputJSON == "" {
			continue
		}
		var out stage.Output
		if err := json.Unmarshal([]byte(rec.OutputJSON), &out); err != nil {
			continue
		}
		outputs[stage.Name(rec.Stage)] = out
	}
	return outputs, nil
}

// failRequest commits the terminal failed state after a critical stage
// exhausted its retries, then consumes the delivery.
func (w *Worker) failRequest(ctx context.Context, logger *slog.Logger, msg *queue.Message, req *store.Request, def stage.Definition, stageErr error) error {
	details := services.Details(stageErr)
	detailsJSON, _ := json.Marshal(details)

	if _, err := w.store.IncrementRetry(ctx, req.ID); err != nil {
		logger.Warn("failed to increment request retry count", logging.Error(err))
	}
	if err := w.store.MarkFailed(ctx, req.ID, string(def.Name), details.Message, string(detailsJSON)); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Already terminal through another path.
			return w.queue.Ack(ctx, msg.ID)
		}
		return fmt.Errorf("mark request failed: %w", err)
	}

	logger.Error("critical stage failed, request failed",
		logging.String(logging.FieldStage, string(def.Name)),
		logging.String("error_kind", details.Kind),
		logging.Error(stageErr),
		logging.String(logging.FieldEventType, "request_failed"),
	)
	w.appendEvent(ctx, logger, req.ID, "request_failed", store.SeverityError,
		fmt.Sprintf("critical stage %s failed: %s", def.Name, details.Message))
	w.bumpMetrics(ctx, logger, req.Requester, store.OutcomeFailed, req.RetryCount+1, false)
	w.notifyFailure(ctx, logger, req.Token, string(def.Name), details.Message)
	return w.queue.Ack(ctx, msg.ID)
}

// completeRequest commits the terminal completed state, writes the cache
// entry, and consumes the delivery.
func (w *Worker) completeRequest(ctx context.Context, logger *slog.Logger, msg *queue.Message, req *store.Request, outputs map[stage.Name]stage.Output) error {
	artifacts := collectArtifacts(outputs)
	if err := w.store.MarkCompleted(ctx, req.ID, store.StatusNotifying, artifacts); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return w.queue.Ack(ctx, msg.ID)
		}
		if errors.Is(err, store.ErrMissingOutputs) {
			return w.failRequest(ctx, logger, msg, req, mustDefinition(stage.PostProcessing),
				services.Wrap(services.ErrValidation, string(stage.PostProcessing), "collect outputs",
					"Pipeline finished without any artifact references", nil))
		}
		return fmt.Errorf("mark request completed: %w", err)
	}

	final, err := w.store.GetByID(ctx, req.ID)
	if err != nil || final == nil {
		final = req
	}
	w.writeCacheEntry(logger, final, artifacts)

	logger.Info("request completed",
		logging.Int("artifacts", len(artifacts)),
		logging.String(logging.FieldEventType, "request_completed"),
	)
	w.appendEvent(ctx, logger, req.ID, "request_completed", store.SeverityInfo,
		fmt.Sprintf("pipeline finished with %d artifacts", len(artifacts)))
	w.bumpMetrics(ctx, logger, req.Requester, store.OutcomeCompleted, final.RetryCount, false)
	return w.queue.Ack(ctx, msg.ID)
}

func (w *Worker) writeCacheEntry(logger *slog.Logger, req *store.Request, artifacts []string) {
	if w.cache == nil {
		return
	}
	entry := cache.Entry{
		Fingerprint:      req.Fingerprint,
		Artifacts:        artifacts,
		GeneratedAt:      time.Now().UTC(),
		GenerationMillis: req.DurationMillis,
	}
	if err := w.cache.Write(entry); err != nil {
		logger.Warn("failed to write cache entry",
			logging.String("fingerprint", req.Fingerprint),
			logging.Error(err),
		)
	}
}

// collectArtifacts orders deliverables bundle-first so the primary reference
// is stable for delivery links.
func collectArtifacts(outputs map[stage.Name]stage.Output) []string {
	var artifacts []string
	for _, name := range []stage.Name{stage.PostProcessing, stage.PrimaryGeneration, stage.SecondaryGeneration, stage.Retrieval} {
		if out, ok := outputs[name]; ok {
			artifacts = append(artifacts, out.Artifacts...)
		}
	}
	return artifacts
}

func mustDefinition(name stage.Name) stage.Definition {
	def, _ := stage.ByName(name)
	return def
}
