package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"loom/internal/cache"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
	"loom/internal/stage"
	"loom/internal/store"
	"loom/internal/testsupport"
)

type stubHandler struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, sc *stage.Context) (stage.Output, error)
}

func (h *stubHandler) Execute(ctx context.Context, sc *stage.Context) (stage.Output, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, sc)
	}
	return stage.Output{Artifacts: []string{"/artifacts/stub"}}, nil
}

func (h *stubHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fixture struct {
	cfg      *config.Config
	store    *store.Store
	queue    *queue.Queue
	cache    *cache.Manager
	worker   *Worker
	handlers map[stage.Name]*stubHandler
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	cfg.Pipeline.RetryBackoffSeconds = 0
	st := testsupport.MustOpenStore(t, cfg)
	q := testsupport.MustOpenQueue(t, cfg)
	cm := cache.NewManager(cfg, logging.NewNop())

	handlers := make(map[stage.Name]*stubHandler, stage.Total())
	registry := stage.Registry{}
	for _, def := range stage.Definitions() {
		h := &stubHandler{}
		handlers[def.Name] = h
		registry[def.Name] = h
	}

	w := New(cfg, st, q, cm, nil, registry, logging.NewNop())
	return &fixture{cfg: cfg, store: st, queue: q, cache: cm, worker: w, handlers: handlers}
}

func (f *fixture) publishAndDequeue(t *testing.T, req *store.Request) *queue.Message {
	t.Helper()
	ctx := context.Background()
	if _, err := f.queue.Publish(ctx, req.Token, req.Requester, req.ParamsJSON); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msg, err := f.queue.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a leased message")
	}
	return msg
}

func (f *fixture) process(t *testing.T, msg *queue.Message) {
	t.Helper()
	if err := f.worker.processMessage(context.Background(), logging.NewNop(), msg); err != nil {
		t.Fatalf("processMessage: %v", err)
	}
}

func TestProcessMessageRunsAllStagesToCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := testsupport.NewRequest(t, f.store, "launch brief", "default")
	msg := f.publishAndDequeue(t, req)

	f.process(t, msg)

	final, err := f.store.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed, got %s", final.Status)
	}
	if final.ProgressPercent != 100 {
		t.Fatalf("expected 100%% progress, got %d", final.ProgressPercent)
	}
	if len(final.Outputs()) == 0 {
		t.Fatal("expected completed request to carry output references")
	}
	for name, h := range f.handlers {
		if h.Calls() != 1 {
			t.Fatalf("stage %s invoked %d times, want 1", name, h.Calls())
		}
	}

	records, err := f.store.StageExecutions(ctx, req.ID)
	if err != nil {
		t.Fatalf("StageExecutions: %v", err)
	}
	if got := stage.CompletedCount(records); got != stage.Total() {
		t.Fatalf("expected %d completed stage records, got %d", stage.Total(), got)
	}

	stats, err := f.queue.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Ready != 0 || stats.Leased != 0 {
		t.Fatalf("expected drained queue, got %+v", stats)
	}
}

func TestProcessMessageWritesCacheEntryOnCompletion(t *testing.T) {
	f := newFixture(t)
	req := testsupport.NewRequest(t, f.store, "cacheable topic", "default")
	msg := f.publishAndDequeue(t, req)

	f.process(t, msg)

	entry, tier, err := f.cache.Lookup(req.Fingerprint)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if tier != cache.TierHot {
		t.Fatalf("expected hot tier hit after completion, got %q", tier)
	}
	if len(entry.Artifacts) == 0 {
		t.Fatal("expected cached artifacts")
	}
}

func TestProcessMessageShortCircuitsFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := testsupport.NewRequest(t, f.store, "already generated", "default")
	if err := f.cache.Write(cache.Entry{
		Fingerprint: req.Fingerprint,
		Artifacts:   []string{"/artifacts/cached/bundle.json"},
		GeneratedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("cache.Write: %v", err)
	}
	msg := f.publishAndDequeue(t, req)

	f.process(t, msg)

	final, err := f.store.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed from cache, got %s", final.Status)
	}
	if got := final.Outputs(); len(got) != 1 || got[0] != "/artifacts/cached/bundle.json" {
		t.Fatalf("expected cached artifacts, got %v", got)
	}
	for name, h := range f.handlers {
		if h.Calls() != 0 {
			t.Fatalf("stage %s must not run on cache hit, ran %d times", name, h.Calls())
		}
	}
	marker, err := f.store.StageExecution(ctx, req.ID, "cache_hit")
	if err != nil {
		t.Fatalf("StageExecution: %v", err)
	}
	if marker == nil || marker.Status != store.StageSkipped {
		t.Fatalf("expected skipped cache_hit marker record, got %+v", marker)
	}
}

func TestProcessMessageAcknowledgesDuplicateOfTerminalRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := testsupport.NewRequest(t, f.store, "duplicate check", "default")
	msg := f.publishAndDequeue(t, req)
	f.process(t, msg)

	// Second delivery of the same request after completion.
	msg2 := f.publishAndDequeue(t, req)
	f.process(t, msg2)

	for name, h := range f.handlers {
		if h.Calls() != 1 {
			t.Fatalf("stage %s re-ran on duplicate delivery (%d calls)", name, h.Calls())
		}
	}

	events, err := f.store.EventsForRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("EventsForRequest: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Type == "duplicate_delivery" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a duplicate_delivery event")
	}
}

func TestProcessMessageFailsRequestOnCriticalStageError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.handlers[stage.PrimaryGeneration].fn = func(context.Context, *stage.Context) (stage.Output, error) {
		return stage.Output{}, services.Wrap(services.ErrValidation, "primary_generation", "render", "unusable manifest", nil)
	}

	req := testsupport.NewRequest(t, f.store, "doomed request", "default")
	msg := f.publishAndDequeue(t, req)
	f.process(t, msg)

	final, err := f.store.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.ErrorStage != string(stage.PrimaryGeneration) {
		t.Fatalf("expected error stage primary_generation, got %q", final.ErrorStage)
	}
	if final.RetryCount != 1 {
		t.Fatalf("expected retry count 1 after critical exhaustion, got %d", final.RetryCount)
	}
	records, err := f.store.StageExecutions(ctx, req.ID)
	if err != nil {
		t.Fatalf("StageExecutions: %v", err)
	}
	if want := stage.Progress(stage.CompletedCount(records), stage.Total()); final.ProgressPercent != want {
		t.Fatalf("stored progress %d does not match stage records (want %d)", final.ProgressPercent, want)
	}
	for _, name := range []stage.Name{stage.SecondaryGeneration, stage.PostProcessing, stage.Notification} {
		if f.handlers[name].Calls() != 0 {
			t.Fatalf("stage %s ran after critical failure", name)
		}
	}

	stats, err := f.queue.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if stats.Ready != 0 || stats.Leased != 0 {
		t.Fatalf("failed request must still consume its message, got %+v", stats)
	}
}

func TestProcessMessageRetriesTransientStageFailure(t *testing.T) {
	f := newFixture(t)
	attempts := 0
	f.handlers[stage.Retrieval].fn = func(context.Context, *stage.Context) (stage.Output, error) {
		attempts++
		if attempts < 3 {
			return stage.Output{}, services.Wrap(services.ErrTransient, "retrieval", "fetch", "upstream flake", nil)
		}
		return stage.Output{Artifacts: []string{"/artifacts/manifest.json"}}, nil
	}

	req := testsupport.NewRequest(t, f.store, "flaky retrieval", "default")
	msg := f.publishAndDequeue(t, req)
	f.process(t, msg)

	final, err := f.store.GetByID(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed after transient retries, got %s", final.Status)
	}
	rec, err := f.store.StageExecution(context.Background(), req.ID, string(stage.Retrieval))
	if err != nil {
		t.Fatalf("StageExecution: %v", err)
	}
	if rec.Attempt != 3 {
		t.Fatalf("expected third attempt recorded, got %d", rec.Attempt)
	}
}

func TestProcessMessageContinuesPastNonCriticalFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.handlers[stage.SecondaryGeneration].fn = func(context.Context, *stage.Context) (stage.Output, error) {
		return stage.Output{}, services.Wrap(services.ErrValidation, "secondary_generation", "render", "template broken", nil)
	}

	req := testsupport.NewRequest(t, f.store, "degraded request", "default")
	msg := f.publishAndDequeue(t, req)
	f.process(t, msg)

	final, err := f.store.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed despite secondary failure, got %s", final.Status)
	}
	rec, err := f.store.StageExecution(ctx, req.ID, string(stage.SecondaryGeneration))
	if err != nil {
		t.Fatalf("StageExecution: %v", err)
	}
	if rec.Status != store.StageFailed {
		t.Fatalf("expected failed secondary stage record, got %s", rec.Status)
	}
	if f.handlers[stage.PostProcessing].Calls() != 1 {
		t.Fatal("post-processing must still run after non-critical failure")
	}

	// A degraded completion keeps the honest stage-derived percentage.
	records, err := f.store.StageExecutions(ctx, req.ID)
	if err != nil {
		t.Fatalf("StageExecutions: %v", err)
	}
	want := stage.Progress(stage.CompletedCount(records), stage.Total())
	if final.ProgressPercent != want {
		t.Fatalf("stored progress %d does not match stage records (want %d)", final.ProgressPercent, want)
	}
	if final.ProgressPercent == 100 {
		t.Fatal("degraded completion must not report full progress")
	}
}

func TestProcessMessageStopsWhenRequestCancelledMidPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := testsupport.NewRequest(t, f.store, "cancelled request", "default")
	f.handlers[stage.Retrieval].fn = func(hctx context.Context, sc *stage.Context) (stage.Output, error) {
		if _, err := f.store.Cancel(hctx, req.Token); err != nil {
			t.Errorf("Cancel: %v", err)
		}
		return stage.Output{Artifacts: []string{"/artifacts/manifest.json"}}, nil
	}

	msg := f.publishAndDequeue(t, req)
	f.process(t, msg)

	final, err := f.store.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
	for _, name := range []stage.Name{stage.PrimaryGeneration, stage.SecondaryGeneration, stage.PostProcessing} {
		if f.handlers[name].Calls() != 0 {
			t.Fatalf("stage %s ran after cancellation", name)
		}
	}
}

func TestProcessMessageResumesAtFirstUnfinishedStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := testsupport.NewRequest(t, f.store, "resumed request", "default")

	// Simulate a consumer that crashed after retrieval: both early stage
	// records are completed and the request sits in the retrieval status
	// with a stale heartbeat.
	for _, name := range []stage.Name{stage.Validation, stage.Retrieval} {
		outJSON, _ := json.Marshal(stage.Output{Artifacts: []string{"/artifacts/" + string(name)}})
		now := time.Now().UTC()
		rec := &store.StageExecution{
			RequestID:  req.ID,
			Stage:      string(name),
			Status:     store.StageCompleted,
			Attempt:    1,
			StartedAt:  &now,
			FinishedAt: &now,
			OutputJSON: string(outJSON),
		}
		if err := f.store.UpsertStageExecution(ctx, rec); err != nil {
			t.Fatalf("UpsertStageExecution: %v", err)
		}
	}
	if err := f.store.Transition(ctx, req.ID, store.StatusPending, store.StatusValidating); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := f.store.Transition(ctx, req.ID, store.StatusValidating, store.StatusRetrieving); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	msg := f.publishAndDequeue(t, req)
	f.process(t, msg)

	if f.handlers[stage.Validation].Calls() != 0 || f.handlers[stage.Retrieval].Calls() != 0 {
		t.Fatal("completed stages must not re-run on resume")
	}
	if f.handlers[stage.PrimaryGeneration].Calls() != 1 {
		t.Fatal("resume must continue at the first unfinished stage")
	}
	final, err := f.store.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != store.StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", final.Status)
	}
}

func TestProcessMessageDeadLettersOrphanAfterInspectionLimit(t *testing.T) {
	f := newFixture(t)
	f.cfg.Queue.OrphanInspectionLimit = 1
	ctx := context.Background()

	if _, err := f.queue.Publish(ctx, "no-such-request", "ghost", ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msg, err := f.queue.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	f.process(t, msg)

	letters, err := f.queue.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(letters))
	}
	if letters[0].Reason != queue.ReasonOrphan {
		t.Fatalf("expected orphan reason, got %q", letters[0].Reason)
	}
}

func TestProcessMessageDeadLettersPoisonDelivery(t *testing.T) {
	f := newFixture(t)
	f.cfg.Queue.MaxDeliveries = 1
	ctx := context.Background()
	req := testsupport.NewRequest(t, f.store, "poison request", "default")

	msg := f.publishAndDequeue(t, req)
	if err := f.queue.Retry(ctx, msg.ID, 0); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	msg, err := f.queue.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if msg.DeliveryCount != 2 {
		t.Fatalf("expected second delivery, got %d", msg.DeliveryCount)
	}
	f.process(t, msg)

	letters, err := f.queue.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != queue.ReasonPoison {
		t.Fatalf("expected one poison dead letter, got %+v", letters)
	}
	final, err := f.store.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected poisoned request failed, got %s", final.Status)
	}
	for name, h := range f.handlers {
		if h.Calls() != 0 {
			t.Fatalf("stage %s ran for poison delivery", name)
		}
	}
}

func TestProcessMessageDeadLettersRequestPastRetryLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := testsupport.NewRequest(t, f.store, "worn out request", "default")
	for i := 0; i < f.cfg.Pipeline.MaxRequestRetries; i++ {
		if _, err := f.store.IncrementRetry(ctx, req.ID); err != nil {
			t.Fatalf("IncrementRetry: %v", err)
		}
	}

	msg := f.publishAndDequeue(t, req)
	f.process(t, msg)

	final, err := f.store.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected exhausted request failed, got %s", final.Status)
	}
	letters, err := f.queue.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != queue.ReasonExhausted {
		t.Fatalf("expected one retries_exhausted dead letter, got %+v", letters)
	}
	for name, h := range f.handlers {
		if h.Calls() != 0 {
			t.Fatalf("stage %s ran for an exhausted request", name)
		}
	}
}

func TestProcessMessageCountsRedeliveryAgainstRetryLimit(t *testing.T) {
	f := newFixture(t)
	f.cfg.Pipeline.MaxRequestRetries = 1
	ctx := context.Background()
	req := testsupport.NewRequest(t, f.store, "looping request", "default")

	// First delivery of a pending request is not a retry.
	msg := f.publishAndDequeue(t, req)
	if err := f.queue.Retry(ctx, msg.ID, 0); err != nil {
		t.Fatalf("Retry: %v", err)
	}

	// The redelivery is, and it lands on the limit.
	msg, err := f.queue.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if msg.DeliveryCount != 2 {
		t.Fatalf("expected second delivery, got %d", msg.DeliveryCount)
	}
	f.process(t, msg)

	final, err := f.store.GetByID(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != store.StatusFailed {
		t.Fatalf("expected failed after retry budget spent, got %s", final.Status)
	}
	if final.RetryCount != 1 {
		t.Fatalf("redelivery must count against retry budget, got %d", final.RetryCount)
	}
	letters, err := f.queue.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != queue.ReasonExhausted {
		t.Fatalf("expected one retries_exhausted dead letter, got %+v", letters)
	}
	for name, h := range f.handlers {
		if h.Calls() != 0 {
			t.Fatalf("stage %s ran past the retry limit", name)
		}
	}
}

func TestStartRejectsIncompleteRegistry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	q := testsupport.MustOpenQueue(t, cfg)

	registry := stage.Registry{stage.Validation: &stubHandler{}}
	w := New(cfg, st, q, nil, nil, registry, logging.NewNop())
	if err := w.Start(context.Background()); err == nil {
		w.Stop()
		t.Fatal("expected Start to reject an incomplete registry")
	}
}

func TestStartAndStopDrainQueue(t *testing.T) {
	f := newFixture(t, testsupport.WithQueueWorkers(2))
	ctx := context.Background()
	req := testsupport.NewRequest(t, f.store, "pooled request", "default")
	if _, err := f.queue.Publish(ctx, req.Token, req.Requester, req.ParamsJSON); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := f.worker.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.worker.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		final, err := f.store.GetByID(ctx, req.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if final.Status.IsTerminal() {
			if final.Status != store.StatusCompleted {
				t.Fatalf("expected completed, got %s", final.Status)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("request did not reach a terminal state in time")
}

func TestRetryBackoffDoublesPerAttempt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.RetryBackoffSeconds = 2
	w := New(cfg, nil, nil, nil, nil, stage.Registry{}, logging.NewNop())

	if got := w.retryBackoff(0); got != 2*time.Second {
		t.Fatalf("attempt 0: got %s", got)
	}
	if got := w.retryBackoff(2); got != 8*time.Second {
		t.Fatalf("attempt 2: got %s", got)
	}
	if got := w.retryBackoff(20); got != 5*time.Minute {
		t.Fatalf("attempt 20 must cap at 5m, got %s", got)
	}
}
