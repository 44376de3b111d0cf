package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"aideps/internal/api"
	"aideps/internal/config"
	"aideps/internal/daemon"
	"aideps/internal/datadir"
	"aideps/internal/documents"
	"aideps/internal/logging"
	"aideps/internal/metrics"
	"aideps/internal/notifications"
	"aideps/internal/preflight"
	"aideps/internal/stage"
	"aideps/internal/store"
	"aideps/internal/workflow"
)

// orphanMinAge protects instance folders an in-flight ingest is still writing.
const orphanMinAge = time.Hour

// PIDFileName is written to the log directory while the daemon runs.
const PIDFileName = "aideps.pid"

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run starts the aideps daemon and blocks until cmdCtx is cancelled or the
// process receives SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(opts.LogLevel) != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rotateLog(cfg.Paths.LogDir, time.Now()); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to rotate previous log: %v\n", err)
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "aideps-*.log"},
	)

	pidPath := filepath.Join(cfg.Paths.LogDir, PIDFileName)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	for _, failed := range preflight.Failed(preflight.RunAll(signalCtx, cfg)) {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", failed.Name),
			logging.String("detail", failed.Detail),
			logging.String(logging.FieldImpact, "daemon may be unable to ingest or save stages"),
		)
	}

	st, err := store.Open(cfg)
	if err != nil {
		logger.Error("open store", logging.Error(err))
		return err
	}
	defer st.Close()

	validator, err := stage.NewSchemaValidator(cfg.Stages.SchemaDir)
	if err != nil {
		return fmt.Errorf("load stage schemas: %w", err)
	}

	rt := buildWiring(cfg, st, validator, logger)
	rt.cleanOrphans(signalCtx)

	d, err := daemon.New(cfg, st, rt.registry, rt.service, logger,
		daemon.WithNotifier(rt.notifier),
		daemon.WithMetrics(rt.metrics),
		daemon.WithStageHealth(validator.HealthCheck),
	)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check api_bind and that no other aideps daemon is running"),
		)
		return err
	}
	logger.Info("aideps daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("api", d.Addr()),
		logging.String("database", cfg.DatabasePath()),
		logging.Bool("inbox", cfg.Inbox.Enabled),
		logging.Bool("notifications", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	)

	<-signalCtx.Done()
	logger.Info("aideps daemon shutting down")
	return nil
}

type wiring struct {
	store    *store.Store
	layout   *datadir.Layout
	notifier notifications.Service
	metrics  *metrics.Collector
	registry *workflow.Registry
	service  *api.WorkflowService
	logger   *slog.Logger
}

// buildWiring wires the controller, registry listeners, and ingester shared
// by the HTTP API and the inbox watcher.
func buildWiring(cfg *config.Config, st *store.Store, validator stage.Validator, logger *slog.Logger) *wiring {
	layout := datadir.New(cfg.InstancesDir())
	notifier := notifications.NewService(cfg)
	collector := metrics.New()

	controller := workflow.NewControllerFromConfig(cfg, st, validator, logger, workflow.WithRecorder(collector))
	finished := workflow.NewNotificationListener(notifier, logger)
	finished.Name = st.DocumentName
	registry := workflow.NewRegistry(controller, st, logger,
		workflow.WithIdleTimeout(cfg.SessionIdleTimeout()),
		workflow.WithListener(datadir.NewMirror(layout, logger)),
		workflow.WithListener(finished),
		workflow.WithListener(collector),
	)
	collector.TrackSessions(registry.Len)

	ingester := documents.NewIngester(cfg, layout, st,
		documents.WithNotifier(notifier),
		documents.WithObserver(collector),
		documents.WithLogger(logger),
	)
	return &wiring{
		store:    st,
		layout:   layout,
		notifier: notifier,
		metrics:  collector,
		registry: registry,
		service:  api.NewWorkflowService(registry, st, ingester),
		logger:   logger,
	}
}

// cleanOrphans removes instance folders that no document row references.
func (w *wiring) cleanOrphans(ctx context.Context) {
	docs, err := w.store.ListDocuments(ctx)
	if err != nil {
		w.logger.Warn("skip orphan cleanup", logging.Error(err))
		return
	}
	known := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		known[doc.ID] = struct{}{}
	}
	result := w.layout.CleanOrphaned(known, orphanMinAge, w.logger)
	if len(result.Removed) > 0 {
		w.logger.Info("removed orphaned instance folders",
			logging.String(logging.FieldEventType, "orphans_removed"),
			logging.Int("count", len(result.Removed)),
		)
	}
}

// rotateLog renames a non-empty aideps.log to aideps-<timestamp>.log so each
// run starts a fresh file and retention can prune old runs.
func rotateLog(logDir string, now time.Time) error {
	if strings.TrimSpace(logDir) == "" {
		return nil
	}
	current := filepath.Join(logDir, logging.LogFileName)
	info, err := os.Stat(current)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	stamp := now.UTC().Format("20060102T150405.000Z")
	return os.Rename(current, filepath.Join(logDir, fmt.Sprintf("aideps-%s.log", stamp)))
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

// ReadPID returns the pid recorded in the log directory, or 0 when absent.
func ReadPID(logDir string) int {
	data, err := os.ReadFile(filepath.Join(logDir, PIDFileName))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
