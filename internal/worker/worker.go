package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"loom/internal/cache"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/queue"
	"loom/internal/stage"
	"loom/internal/store"
)

// Worker coordinates queue consumption using registered stage handlers.
type Worker struct {
	cfg      *config.Config
	store    *store.Store
	queue    *queue.Queue
	cache    *cache.Manager
	notifier notify.Service
	registry stage.Registry
	logger   *slog.Logger

	pollInterval time.Duration
	errorRetry   time.Duration
	lease        time.Duration

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// New constructs a worker with the full set of collaborators. The cache
// manager may be nil when caching is disabled.
func New(cfg *config.Config, st *store.Store, q *queue.Queue, cm *cache.Manager, notifier notify.Service, registry stage.Registry, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:          cfg,
		store:        st,
		queue:        q,
		cache:        cm,
		notifier:     notifier,
		registry:     registry,
		logger:       logging.NewComponentLogger(logger, "worker"),
		pollInterval: time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
		errorRetry:   time.Duration(cfg.Queue.ErrorRetrySeconds) * time.Second,
		lease:        time.Duration(cfg.Queue.LeaseSeconds) * time.Second,
	}
}

// Start begins background consumption.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("worker already running")
	}
	if missing, ok := w.registry.Complete(); !ok {
		return errors.New("no handler registered for stage " + string(missing))
	}

	workers := w.cfg.Queue.Workers
	if workers <= 0 {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go w.runConsumer(runCtx, i)
	}
	return nil
}

// Stop terminates background consumption and waits for in-flight work.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
}

// Running reports whether the consumer pool is active.
func (w *Worker) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Worker) runConsumer(ctx context.Context, id int) {
	defer w.wg.Done()
	logger := w.logger.With(logging.Int("consumer", id))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := w.queue.Dequeue(ctx, w.lease)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.setLastError(err)
			logger.Error("failed to dequeue message",
				logging.Error(err),
				logging.String(logging.FieldEventType, "queue_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check queue database access"),
			)
			w.waitOrShutdown(ctx, w.errorRetry)
			continue
		}
		if msg == nil {
			w.waitOrShutdown(ctx, w.pollInterval)
			continue
		}

		if err := w.processMessage(ctx, logger, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.setLastError(err)
		}
	}
}

func (w *Worker) waitOrShutdown(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (w *Worker) setLastError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

// LastError returns the most recent consumer-level failure, if any.
func (w *Worker) LastError() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastErr
}
