// Package metrics exposes Prometheus collectors for the workflow daemon.
//
// Collector implements workflow.Recorder, workflow.Listener, and
// documents.Observer so the controller, registry, and ingester report into
// one private registry served at /metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aideps/internal/documents"
	"aideps/internal/services"
	"aideps/internal/stage"
	"aideps/internal/workflow"
)

const namespace = "aideps"

var (
	_ workflow.Recorder  = (*Collector)(nil)
	_ workflow.Listener  = (*Collector)(nil)
	_ documents.Observer = (*Collector)(nil)
)

// Collector owns the daemon's metric families.
type Collector struct {
	registry *prometheus.Registry

	stageCompletions   *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	saveAttempts       *prometheus.CounterVec
	saveDuration       *prometheus.HistogramVec
	invalidations      *prometheus.CounterVec
	workflowsFinished  prometheus.Counter
	documentsIngested  *prometheus.CounterVec
	ingestBytes        prometheus.Counter
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, including the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		stageCompletions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_completions_total",
			Help:      "Stages completed, by stage key.",
		}, []string{"stage"}),
		validationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_validation_failures_total",
			Help:      "Completion attempts rejected by stage validation.",
		}, []string{"stage"}),
		saveAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_save_attempts_total",
			Help:      "Stage completion writes, by outcome.",
		}, []string{"stage", "result"}),
		saveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_save_duration_seconds",
			Help:      "Latency of stage completion writes.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		invalidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_invalidations_total",
			Help:      "Edits of completed stages, by the reopened stage.",
		}, []string{"stage"}),
		workflowsFinished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Workflows that completed the final stage.",
		}),
		documentsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_ingested_total",
			Help:      "Upload ingest attempts, by file type and outcome.",
		}, []string{"file_type", "result"}),
		ingestBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_ingest_bytes_total",
			Help:      "Bytes admitted by successful ingests.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests, by route pattern and status code.",
		}, []string{"route", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency, by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// TrackSessions exports the number of in-memory workflow sessions.
func (c *Collector) TrackSessions(count func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Workflow sessions currently held in memory.",
	}, func() float64 { return float64(count()) }))
}

// Registry exposes the underlying registry (tests and extra collectors).
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ValidationFailed(id stage.ID) {
	c.validationFailures.WithLabelValues(id.String()).Inc()
}

func (c *Collector) SaveAttempted(id stage.ID, elapsed time.Duration, err error) {
	c.saveAttempts.WithLabelValues(id.String(), outcome(err)).Inc()
	c.saveDuration.WithLabelValues(id.String()).Observe(elapsed.Seconds())
}

func (c *Collector) StageCompleted(_ context.Context, _ workflow.Instance, id stage.ID) {
	c.stageCompletions.WithLabelValues(id.String()).Inc()
}

func (c *Collector) StagesInvalidated(_ context.Context, _ workflow.Instance, from stage.ID) {
	c.invalidations.WithLabelValues(from.String()).Inc()
}

func (c *Collector) WorkflowFinished(context.Context, workflow.Instance) {
	c.workflowsFinished.Inc()
}

func (c *Collector) DocumentIngested(fileType string, size int64, _ time.Duration, err error) {
	if fileType == "" {
		fileType = "none"
	}
	c.documentsIngested.WithLabelValues(fileType, outcome(err)).Inc()
	if err == nil && size > 0 {
		c.ingestBytes.Add(float64(size))
	}
}

// ObserveHTTP records one API request.
func (c *Collector) ObserveHTTP(route string, code int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, services.ErrTimeout):
		return "timeout"
	case errors.Is(err, services.ErrValidation):
		return "rejected"
	case errors.Is(err, services.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
