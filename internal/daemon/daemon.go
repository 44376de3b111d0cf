package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"aideps/internal/api"
	"aideps/internal/config"
	"aideps/internal/logging"
	"aideps/internal/metrics"
	"aideps/internal/notifications"
	"aideps/internal/preflight"
	"aideps/internal/stage"
	"aideps/internal/store"
	"aideps/internal/workflow"
)

// Daemon coordinates the API server, the inbox watcher, and the session
// janitor, and enforces single-instance execution.
type Daemon struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *store.Store
	registry    *workflow.Registry
	service     *api.WorkflowService
	notifier    notifications.Service
	metrics     *metrics.Collector
	stageHealth func() []stage.Health

	lockPath string
	lock     *flock.Flock

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	api     *apiServer
	inbox   *inboxWatcher
}

// Option configures optional daemon collaborators.
type Option func(*Daemon)

// WithNotifier publishes inbox failures.
func WithNotifier(n notifications.Service) Option {
	return func(d *Daemon) { d.notifier = n }
}

// WithMetrics instruments the API and serves /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Daemon) { d.metrics = c }
}

// WithStageHealth reports which completion schema each stage uses.
func WithStageHealth(fn func() []stage.Health) Option {
	return func(d *Daemon) { d.stageHealth = fn }
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, registry *workflow.Registry, service *api.WorkflowService, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || st == nil || registry == nil || service == nil {
		return nil, errors.New("daemon requires config, store, registry, and workflow service")
	}
	lockPath := filepath.Join(cfg.Paths.DataDir, "aideps.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    st,
		registry: registry,
		service:  service,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start acquires the daemon lock and launches the API server, the inbox
// watcher, and the session janitor.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another aideps daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	srv := newAPIServer(d.cfg, d, d.logger)
	if err := srv.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	d.api = srv
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.registry.RunJanitor(runCtx, d.cfg.JanitorInterval())
	}()

	if d.cfg.Inbox.Enabled {
		watcher, err := newInboxWatcher(d.cfg.Paths.InboxDir, d.cfg.InboxDebounce(), d.ingestInboxFile, d.logger)
		if err == nil {
			err = watcher.start(runCtx)
		}
		if err != nil {
			logging.WarnWithContext(d.logger, "inbox watcher unavailable", "inbox_start_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check inbox.dir exists and is readable"),
				logging.String(logging.FieldImpact, "files dropped into the inbox are not ingested"),
			)
		} else {
			d.inbox = watcher
		}
	}

	d.running.Store(true)
	d.logger.Info("aideps daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api", srv.addr()),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.stop()
	if d.inbox != nil {
		d.inbox.stop()
		d.inbox = nil
	}
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("aideps daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon. The store is owned by the caller.
func (d *Daemon) Close() error {
	d.Stop()
	return nil
}

// Addr returns the API listen address, empty when not serving.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// Running reports whether Start succeeded and Stop has not been called.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	status := api.DaemonStatus{
		Running:        d.running.Load(),
		PID:            os.Getpid(),
		DatabasePath:   d.store.Path(),
		DataDir:        d.cfg.Paths.DataDir,
		LockFilePath:   d.lockPath,
		ActiveSessions: d.registry.Len(),
		Workflows:      map[string]int{},
	}
	if d.cfg.Inbox.Enabled {
		status.InboxDir = d.cfg.Paths.InboxDir
	}
	if stats, err := d.store.Stats(ctx); err != nil {
		d.logger.Warn("status stats unavailable", logging.Error(err))
	} else {
		status.Documents = stats.Documents
		status.CompletedStages = stats.CompletedStages
		for k, v := range stats.Workflows {
			status.Workflows[string(k)] = v
		}
	}
	if d.stageHealth != nil {
		status.StageHealth = api.StageHealthSlice(d.stageHealth())
	}
	return status
}

// Health runs the readiness checks plus a database check.
func (d *Daemon) Health(ctx context.Context) api.HealthResponse {
	results := preflight.RunAll(ctx, d.cfg)
	db := preflight.Result{Name: "Database"}
	health, err := d.store.CheckHealth(ctx)
	switch {
	case err != nil:
		db.Detail = err.Error()
	case !health.Healthy():
		db.Detail = fmt.Sprintf("%s (schema v%d, missing %v)", health.DBPath, health.SchemaVersion, health.MissingTables)
	default:
		db.Passed = true
		db.Detail = health.DBPath
	}
	return api.FromPreflight(append(results, db))
}

// ingestInboxFile ingests a dropped file and completes its upload stage.
func (d *Daemon) ingestInboxFile(ctx context.Context, path string) error {
	resp, err := d.service.Ingest(ctx, api.IngestRequest{Path: path})
	if err != nil {
		if d.notifier != nil {
			_ = d.notifier.Publish(ctx, notifications.EventError, notifications.Payload{
				"context": "inbox " + filepath.Base(path),
				"error":   err,
			})
		}
		return err
	}
	d.logger.Info("inbox file ingested",
		logging.String("file", filepath.Base(path)),
		logging.DocumentID(resp.Document.ID),
		logging.WorkflowID(resp.Workflow.WorkflowID),
		logging.String(logging.FieldEventType, "inbox_ingested"),
	)
	return nil
}
