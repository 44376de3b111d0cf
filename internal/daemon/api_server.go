package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"aideps/internal/api"
	"aideps/internal/config"
	"aideps/internal/logging"
	"aideps/internal/services"
	"aideps/internal/stage"
)

// maxBodyBytes bounds request bodies; stage payloads are JSON documents, not
// uploads.
const maxBodyBytes = 8 << 20

const requestIDHeader = "X-Request-ID"

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon
	svc    *api.WorkflowService

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	if cfg == nil || d == nil {
		return nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
		svc:    d.service,
	}
	srv.server = &http.Server{
		Handler:           srv.handler(cfg.Paths.APIToken),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) handler(token string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/stages", s.handleStages)
	if m := s.daemon.metrics; m != nil {
		mux.Handle("GET /metrics", m.Handler())
	}

	mux.HandleFunc("POST /api/documents", s.handleIngest)
	mux.HandleFunc("GET /api/documents", s.handleDocuments)
	mux.HandleFunc("GET /api/documents/{id}", s.handleDocument)
	mux.HandleFunc("GET /api/documents/{id}/preview", s.handlePreview)
	mux.HandleFunc("POST /api/documents/{id}/schema", s.handleSchema)

	mux.HandleFunc("POST /api/workflows", s.handleStartWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleWorkflow)
	mux.HandleFunc("DELETE /api/workflows/{id}", s.handleAbandon)
	mux.HandleFunc("GET /api/workflows/{id}/status", s.handleWorkflowStatus)
	mux.HandleFunc("GET /api/workflows/{id}/history", s.handleHistory)
	mux.HandleFunc("PUT /api/workflows/{id}/stages/{n}/payload", s.handleRecordPayload)
	mux.HandleFunc("POST /api/workflows/{id}/stages/{n}/draft", s.handleDraft)
	mux.HandleFunc("POST /api/workflows/{id}/stages/{n}/complete", s.handleComplete)
	mux.HandleFunc("POST /api/workflows/{id}/stages/{n}/edit", s.handleEdit)
	mux.HandleFunc("POST /api/workflows/{id}/stages/{n}/review", s.handleReview)
	mux.HandleFunc("POST /api/workflows/{id}/navigate/{n}", s.handleNavigate)
	mux.HandleFunc("POST /api/workflows/{id}/back", s.handleBack)

	return s.withRequestID(authMiddleware(token, publicRoute, s.instrument(mux)))
}

// publicRoute exempts liveness and scraping from bearer auth.
func publicRoute(r *http.Request) bool {
	return r.Method == http.MethodGet && (r.URL.Path == "/api/health" || r.URL.Path == "/metrics")
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.daemon.Health(r.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleStages(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.StagesResponse{Stages: s.svc.Stages()})
}

func (s *apiServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req api.IngestRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.svc.Ingest(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *apiServer) handleDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.svc.Documents(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.DocumentListResponse{Documents: docs})
}

func (s *apiServer) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.Document(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *apiServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	rows := 0
	if raw := r.URL.Query().Get("rows"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "rows must be an integer"})
			return
		}
		rows = n
	}
	preview, err := s.svc.Preview(r.Context(), r.PathValue("id"), rows)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, preview)
}

func (s *apiServer) handleSchema(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	doc, err := s.svc.UpdateSchema(r.Context(), r.PathValue("id"), body)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *apiServer) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req api.StartWorkflowRequest
	if !s.decode(w, r, &req) {
		return
	}
	wf, err := s.svc.Start(r.Context(), req.DocumentID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

func (s *apiServer) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	for _, value := range r.URL.Query()["status"] {
		statuses = append(statuses, strings.Split(value, ",")...)
	}
	list, err := s.svc.List(r.Context(), statuses...)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.WorkflowListResponse{Workflows: list})
}

func (s *apiServer) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.svc.Describe(r.Context(), r.PathValue("id"))
	s.respond(w, r, wf, err)
}

func (s *apiServer) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	wf, err := s.svc.Status(r.Context(), r.PathValue("id"))
	s.respond(w, r, wf, err)
}

func (s *apiServer) handleAbandon(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Abandon(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.svc.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HistoryResponse{Entries: entries})
}

func (s *apiServer) handleRecordPayload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.stageParam(w, r)
	if !ok {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	wf, err := s.svc.RecordPayload(r.Context(), r.PathValue("id"), id, body)
	s.respond(w, r, wf, err)
}

func (s *apiServer) handleDraft(w http.ResponseWriter, r *http.Request) {
	id, ok := s.stageParam(w, r)
	if !ok {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req api.DraftRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid JSON body: " + err.Error()})
			return
		}
	}
	wf, err := s.svc.SaveDraft(r.Context(), r.PathValue("id"), id, req.Payload)
	s.respond(w, r, wf, err)
}

func (s *apiServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.stageParam(w, r)
	if !ok {
		return
	}
	wf, err := s.svc.Complete(r.Context(), r.PathValue("id"), id)
	s.respond(w, r, wf, err)
}

func (s *apiServer) handleEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.stageParam(w, r)
	if !ok {
		return
	}
	wf, err := s.svc.Edit(r.Context(), r.PathValue("id"), id)
	s.respond(w, r, wf, err)
}

func (s *apiServer) handleReview(w http.ResponseWriter, r *http.Request) {
	id, ok := s.stageParam(w, r)
	if !ok {
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	review, err := s.svc.Review(r.Context(), r.PathValue("id"), id, body)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, review)
}

func (s *apiServer) handleNavigate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.stageParam(w, r)
	if !ok {
		return
	}
	wf, err := s.svc.Navigate(r.Context(), r.PathValue("id"), id)
	s.respond(w, r, wf, err)
}

func (s *apiServer) handleBack(w http.ResponseWriter, r *http.Request) {
	wf, err := s.svc.Back(r.Context(), r.PathValue("id"))
	s.respond(w, r, wf, err)
}

func (s *apiServer) stageParam(w http.ResponseWriter, r *http.Request) (stage.ID, bool) {
	id, err := stage.Parse(r.PathValue("n"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: err.Error()})
		return 0, false
	}
	return id, true
}

func (s *apiServer) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, api.ErrorResponse{Error: "request body too large"})
			return nil, false
		}
		s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "read request body: " + err.Error()})
		return nil, false
	}
	return body, true
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func (s *apiServer) respond(w http.ResponseWriter, r *http.Request, wf api.Workflow, err error) {
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

func (s *apiServer) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, body := api.ErrorFrom(err)
	if status >= http.StatusInternalServerError {
		logging.WarnWithContext(logging.WithContext(r.Context(), s.logger), "api request failed", "api_request_failed",
			logging.Error(err),
			logging.String("path", r.URL.Path),
			logging.Int("status", status),
			logging.Bool("retryable", body.Retryable),
			logging.String(logging.FieldErrorHint, "check database and data directory health via /api/health"),
		)
	}
	s.writeJSON(w, status, body)
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

// withRequestID propagates or assigns a request id and exposes it to loggers.
func (s *apiServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}

// instrument must wrap the mux directly: the mux records the matched
// pattern on the request it is handed.
func (s *apiServer) instrument(next http.Handler) http.Handler {
	m := s.daemon.metrics
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTP(route, rec.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
