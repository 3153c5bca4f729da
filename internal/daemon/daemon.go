package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/gofrs/flock"

	"loom/internal/api"
	"loom/internal/cache"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/pipeline"
	"loom/internal/queue"
	"loom/internal/store"
	"loom/internal/worker"
)

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	queue    *queue.Queue
	cache    *cache.Manager
	notifier notify.Service
	worker   *worker.Worker
	service  *api.RequestService
	server   *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Consumer     worker.StatusSummary
	StoreDBPath  string
	LockFilePath string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open request store: %w", err)
	}
	q, err := queue.Open(cfg)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open message queue: %w", err)
	}

	cm := cache.NewManager(cfg, logger)
	notifier := notify.NewService(cfg)
	registry := pipeline.NewRegistry(cfg, notifier, logger)
	w := worker.New(cfg, st, q, cm, notifier, registry, logger)

	svc, err := api.NewRequestService(cfg, st, q, cm, logger)
	if err != nil {
		st.Close()
		q.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		queue:    q,
		cache:    cm,
		notifier: notifier,
		worker:   w,
		service:  svc,
		lockPath: filepath.Join(cfg.Paths.DataDir, "loomd.lock"),
	}
	d.lock = flock.New(d.lockPath)

	server, err := newAPIServer(cfg, d, logger)
	if err != nil {
		d.closeStores()
		return nil, err
	}
	d.server = server
	return d, nil
}

// Start acquires the daemon lock and launches the consumer pool and API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another loom daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.worker.Start(runCtx); err != nil {
		cancel()
		d.cancel = nil
		_ = d.lock.Unlock()
		return fmt.Errorf("start consumer pool: %w", err)
	}
	if d.server != nil {
		if err := d.server.start(runCtx); err != nil {
			d.worker.Stop()
			cancel()
			d.cancel = nil
			_ = d.lock.Unlock()
			return err
		}
	}

	d.running.Store(true)
	d.logger.Info("loom daemon started",
		logging.String("lock", d.lockPath),
		logging.String("store", d.store.Path()),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.server != nil {
		d.server.stop()
	}
	d.worker.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("loom daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return d.closeStores()
}

func (d *Daemon) closeStores() error {
	var firstErr error
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			firstErr = err
		}
	}
	if d.queue != nil {
		if err := d.queue.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Service exposes the request service for in-process callers.
func (d *Daemon) Service() *api.RequestService {
	return d.service
}

// APIAddr returns the bound API address, empty until started.
func (d *Daemon) APIAddr() string {
	if d.server == nil {
		return ""
	}
	return d.server.addr()
}

// TestNotification triggers a test notification with the current settings.
func (d *Daemon) TestNotification(ctx context.Context) error {
	return d.notifier.TestNotification(ctx)
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Consumer:     d.worker.Status(ctx),
		StoreDBPath:  d.store.Path(),
		LockFilePath: d.lockPath,
	}
}
