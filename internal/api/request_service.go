package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"loom/internal/cache"
	"loom/internal/config"
	"loom/internal/fingerprint"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/signing"
	"loom/internal/store"
)

// RequestService exposes request lifecycle operations returning API DTOs.
type RequestService struct {
	cfg    *config.Config
	store  *store.Store
	queue  *queue.Queue
	cache  *cache.Manager
	issuer *signing.Issuer
	logger *slog.Logger
}

// NewRequestService constructs the service. The cache manager may be nil.
func NewRequestService(cfg *config.Config, st *store.Store, q *queue.Queue, cm *cache.Manager, logger *slog.Logger) (*RequestService, error) {
	issuer, err := signing.NewIssuer(
		cfg.Delivery.SigningSecret,
		time.Duration(cfg.Delivery.TTLMinutes)*time.Minute,
		cfg.Delivery.BaseURL,
	)
	if err != nil {
		return nil, fmt.Errorf("delivery issuer: %w", err)
	}
	return &RequestService{
		cfg:    cfg,
		store:  st,
		queue:  q,
		cache:  cm,
		issuer: issuer,
		logger: logging.NewComponentLogger(logger, "api"),
	}, nil
}

// Submit validates and persists a new request, then publishes its message.
// The store row is durable before the publish so a crash in between leaves a
// discoverable pending request rather than an orphan message.
func (s *RequestService) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return SubmitResponse{}, services.Wrap(services.ErrValidation, "", "submit", "topic is required", nil)
	}

	personalizationJSON := ""
	if len(req.Personalization) > 0 {
		encoded, err := json.Marshal(req.Personalization)
		if err != nil {
			return SubmitResponse{}, services.Wrap(services.ErrValidation, "", "submit", "personalization is not encodable", err)
		}
		personalizationJSON = string(encoded)
	}

	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	if len(req.Personalization) > 0 {
		params["personalization"] = req.Personalization
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return SubmitResponse{}, services.Wrap(services.ErrValidation, "", "submit", "params are not encodable", err)
	}

	record, err := s.store.CreateRequest(ctx, store.NewRequest{
		Requester:       strings.TrimSpace(req.Requester),
		Topic:           topic,
		Personalization: personalizationJSON,
		Variant:         req.Variant,
		ParamsJSON:      string(paramsJSON),
		Fingerprint:     fingerprint.Compute(topic, personalizationJSON, req.Variant),
	})
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("create request: %w", err)
	}

	if _, err := s.queue.Publish(ctx, record.Token, record.Requester, record.ParamsJSON); err != nil {
		// The pending row remains; operators can republish it later.
		s.logger.Error("request accepted but publish failed",
			logging.String(logging.FieldRequest, record.Token),
			logging.Error(err),
		)
		return SubmitResponse{}, fmt.Errorf("publish request message: %w", err)
	}

	s.logger.Info("request accepted",
		logging.String(logging.FieldRequest, record.Token),
		logging.String("topic", topic),
	)
	return SubmitResponse{Token: record.Token, Status: string(record.Status)}, nil
}

// Describe fetches the sanitized view of one request with its history.
func (s *RequestService) Describe(ctx context.Context, token string) (*RequestDetailResponse, error) {
	req, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, nil
	}
	stages, err := s.store.StageExecutions(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.EventsForRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &RequestDetailResponse{
		Request: FromRequest(req),
		Stages:  FromStageExecutions(stages),
		Events:  FromEvents(events),
	}, nil
}

// Get fetches the sanitized view of one request without history.
func (s *RequestService) Get(ctx context.Context, token string) (*RequestView, error) {
	req, err := s.store.GetByToken(ctx, token)
	if err != nil || req == nil {
		return nil, err
	}
	view := FromRequest(req)
	return &view, nil
}

// List returns request views filtered by status.
func (s *RequestService) List(ctx context.Context, statuses ...store.Status) ([]RequestView, error) {
	requests, err := s.store.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return FromRequests(requests), nil
}

// Cancel marks a request cancelled if it has not reached a terminal state.
// Returns false when the request was already terminal or unknown.
func (s *RequestService) Cancel(ctx context.Context, token string) (bool, error) {
	req, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}
	cancelled, err := s.store.Cancel(ctx, token)
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}
	if err := s.store.AppendEvent(ctx, store.Event{
		RequestID: req.ID,
		Type:      "cancellation_requested",
		Severity:  store.SeverityInfo,
		Message:   "cancellation accepted",
		Origin:    "api",
	}); err != nil {
		s.logger.Warn("failed to append cancellation event", logging.Error(err))
	}
	if err := s.store.BumpMetrics(ctx, time.Now().UTC(), req.Requester, store.OutcomeCancelled, req.RetryCount, false); err != nil {
		s.logger.Warn("failed to bump cancellation metrics", logging.Error(err))
	}
	s.logger.Info("request cancelled", logging.String(logging.FieldRequest, token))
	return true, nil
}

// Delivery mints a signed, expiring reference to one of a completed
// request's artifacts. With an empty object the primary artifact is used.
func (s *RequestService) Delivery(ctx context.Context, token, object string) (*DeliveryResponse, error) {
	req, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, nil
	}
	if req.Status != store.StatusCompleted {
		return nil, services.Wrap(services.ErrValidation, "", "delivery",
			fmt.Sprintf("request is %s; delivery requires completion", req.Status), nil)
	}

	outputs := req.Outputs()
	if len(outputs) == 0 {
		return nil, services.Wrap(services.ErrValidation, "", "delivery", "request has no output references", nil)
	}
	object = strings.TrimSpace(object)
	if object == "" {
		object = outputs[0]
	} else if !containsString(outputs, object) {
		return nil, services.Wrap(services.ErrNotFound, "", "delivery", "object is not an output of this request", nil)
	}

	ref, err := s.issuer.Issue(object, req.Variant)
	if err != nil {
		return nil, fmt.Errorf("issue delivery reference: %w", err)
	}
	return &DeliveryResponse{
		Object:    ref.Object,
		Variant:   ref.Variant,
		Token:     ref.Token,
		URL:       ref.URL,
		ExpiresAt: ref.ExpiresAt.UTC().Format(dateTimeFormat),
	}, nil
}

// QueueStats reports queue depth.
func (s *RequestService) QueueStats(ctx context.Context) (QueueStatsView, error) {
	stats, err := s.queue.QueueStats(ctx)
	if err != nil {
		return QueueStatsView{}, err
	}
	return FromQueueStats(stats), nil
}

// DeadLetters lists dead-lettered messages.
func (s *RequestService) DeadLetters(ctx context.Context) ([]DeadLetterView, error) {
	letters, err := s.queue.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	return FromDeadLetters(letters), nil
}

// RedriveDeadLetter republishes a dead letter for another processing attempt.
func (s *RequestService) RedriveDeadLetter(ctx context.Context, id int64) error {
	if _, err := s.queue.RedriveDeadLetter(ctx, id); err != nil {
		return err
	}
	s.logger.Info("dead letter redriven", logging.Int64("dead_letter", id))
	return nil
}

// RemoveDeadLetter discards a dead letter.
func (s *RequestService) RemoveDeadLetter(ctx context.Context, id int64) (bool, error) {
	return s.queue.RemoveDeadLetter(ctx, id)
}

// Metrics returns hourly buckets and stage duration percentiles for a window.
func (s *RequestService) Metrics(ctx context.Context, from, to time.Time, tenant string) (MetricsResponse, error) {
	buckets, err := s.store.MetricsRange(ctx, from, to, tenant)
	if err != nil {
		return MetricsResponse{}, err
	}
	durations, err := s.store.StageDurationsRange(ctx, from, to, tenant)
	if err != nil {
		return MetricsResponse{}, err
	}
	return FromMetrics(buckets, durations), nil
}

// CacheStats reports two-tier cache usage.
func (s *RequestService) CacheStats() (CacheStatsView, error) {
	if s.cache == nil {
		return CacheStatsView{Enabled: false}, nil
	}
	stats, err := s.cache.Usage()
	if err != nil {
		return CacheStatsView{}, err
	}
	return CacheStatsView{
		Enabled:      true,
		HotEntries:   stats.HotEntries,
		ColdEntries:  stats.ColdEntries,
		ColdBytes:    stats.ColdBytes,
		FreeBytes:    stats.FreeBytes,
		TotalFSBytes: stats.TotalFSBytes,
		FreeRatio:    stats.FreeRatio,
	}, nil
}

// InvalidateCache removes the cache entry for a (topic, personalization,
// variant) triple. Returns the computed fingerprint.
func (s *RequestService) InvalidateCache(topic, personalizationJSON, variant string) (string, error) {
	fp := fingerprint.Compute(topic, personalizationJSON, variant)
	if s.cache == nil {
		return fp, nil
	}
	if err := s.cache.Invalidate(fp); err != nil {
		return fp, err
	}
	return fp, nil
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
