package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"aideps/internal/api"
	"aideps/internal/stage"
)

const defaultTimeout = 30 * time.Second

// ErrDaemonUnavailable reports that no daemon answered at the configured address.
var ErrDaemonUnavailable = errors.New("aideps daemon is not reachable")

// Error is a non-2xx daemon response.
type Error struct {
	Status    int
	Message   string
	Stage     stage.ID
	Unmet     []string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Stage.Valid() {
		return fmt.Sprintf("%s (stage %d %s, HTTP %d)", e.Message, int(e.Stage), e.Stage.Name(), e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Client calls the daemon HTTP API.
type Client struct {
	base     *url.URL
	token    string
	http     *http.Client
	attempts uint
	delay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetry sets how often idempotent reads are attempted on retryable failures.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

// New returns a client for the daemon at address, which may be a URL or a
// host:port bind address.
func New(address, token string, opts ...Option) (*Client, error) {
	base, err := BaseURL(address)
	if err != nil {
		return nil, err
	}
	c := &Client{
		base:     base,
		token:    strings.TrimSpace(token),
		http:     &http.Client{Timeout: defaultTimeout},
		attempts: 3,
		delay:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.attempts == 0 {
		c.attempts = 1
	}
	return c, nil
}

// BaseURL normalizes an api_bind value into a URL. Wildcard hosts resolve to
// loopback.
func BaseURL(address string) (*url.URL, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("api address is empty; set paths.api_bind")
	}
	if !strings.Contains(address, "://") {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, fmt.Errorf("invalid api address %q: %w", address, err)
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		address = "http://" + net.JoinHostPort(host, port)
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid api address %q: %w", address, err)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// URL returns the daemon base URL.
func (c *Client) URL() string { return c.base.String() }

// Health returns the daemon health report. Unhealthy daemons answer 503 with
// the same body, which is returned without error.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.get(ctx, "/api/health", nil, &out)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && len(out.Checks) > 0 {
		return &out, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the daemon status snapshot.
func (c *Client) Status(ctx context.Context) (*api.DaemonStatus, error) {
	var out api.DaemonStatus
	if err := c.get(ctx, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stages returns the stage catalog.
func (c *Client) Stages(ctx context.Context) ([]api.StageDefinition, error) {
	var out api.StagesResponse
	if err := c.get(ctx, "/api/stages", nil, &out); err != nil {
		return nil, err
	}
	return out.Stages, nil
}

// Ingest asks the daemon to admit a file it can read.
func (c *Client) Ingest(ctx context.Context, req api.IngestRequest) (*api.IngestResponse, error) {
	var out api.IngestResponse
	if err := c.send(ctx, http.MethodPost, "/api/documents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Documents lists registered documents.
func (c *Client) Documents(ctx context.Context) ([]api.Document, error) {
	var out api.DocumentListResponse
	if err := c.get(ctx, "/api/documents", nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// Document returns one document.
func (c *Client) Document(ctx context.Context, id string) (*api.Document, error) {
	var out api.Document
	if err := c.get(ctx, documentPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Preview returns the first rows of a CSV document. rows <= 0 uses the
// daemon default.
func (c *Client) Preview(ctx context.Context, id string, rows int) (*api.DocumentPreview, error) {
	query := url.Values{}
	if rows > 0 {
		query.Set("rows", strconv.Itoa(rows))
	}
	var out api.DocumentPreview
	if err := c.get(ctx, documentPath(id)+"/preview", query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSchema stores the column mapping of a document.
func (c *Client) UpdateSchema(ctx context.Context, id string, mapping json.RawMessage) (*api.Document, error) {
	var out api.Document
	if err := c.send(ctx, http.MethodPost, documentPath(id)+"/schema", mapping, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartWorkflow starts or resumes the workflow of a document.
func (c *Client) StartWorkflow(ctx context.Context, documentID string) (*api.Workflow, error) {
	var out api.Workflow
	if err := c.send(ctx, http.MethodPost, "/api/workflows", api.StartWorkflowRequest{DocumentID: documentID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Workflows lists persisted workflows, optionally filtered by status.
func (c *Client) Workflows(ctx context.Context, statuses ...string) ([]api.WorkflowSummary, error) {
	query := url.Values{}
	if len(statuses) > 0 {
		query.Set("status", strings.Join(statuses, ","))
	}
	var out api.WorkflowListResponse
	if err := c.get(ctx, "/api/workflows", query, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// Workflow returns the full workflow, including stage payloads.
func (c *Client) Workflow(ctx context.Context, id string) (*api.Workflow, error) {
	var out api.Workflow
	if err := c.get(ctx, workflowPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WorkflowStatus returns the workflow without payloads.
func (c *Client) WorkflowStatus(ctx context.Context, id string) (*api.Workflow, error) {
	var out api.Workflow
	if err := c.get(ctx, workflowPath(id)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns the audit trail, oldest first. limit <= 0 returns all.
func (c *Client) History(ctx context.Context, id string, limit int) ([]api.AuditEntry, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out api.HistoryResponse
	if err := c.get(ctx, workflowPath(id)+"/history", query, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// RecordPayload stores payload as the stage's in-memory payload.
func (c *Client) RecordPayload(ctx context.Context, id string, s stage.ID, payload json.RawMessage) (*api.Workflow, error) {
	var out api.Workflow
	if err := c.send(ctx, http.MethodPut, stagePath(id, s, "payload"), payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveDraft persists the stage payload without completing it. A nil payload
// saves what the daemon already holds.
func (c *Client) SaveDraft(ctx context.Context, id string, s stage.ID, payload json.RawMessage) (*api.Workflow, error) {
	var out api.Workflow
	if err := c.send(ctx, http.MethodPost, stagePath(id, s, "draft"), api.DraftRequest{Payload: payload}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Complete validates and persists the current stage.
func (c *Client) Complete(ctx context.Context, id string, s stage.ID) (*api.Workflow, error) {
	var out api.Workflow
	if err := c.send(ctx, http.MethodPost, stagePath(id, s, "complete"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Edit reopens a completed stage.
func (c *Client) Edit(ctx context.Context, id string, s stage.ID) (*api.Workflow, error) {
	var out api.Workflow
	if err := c.send(ctx, http.MethodPost, stagePath(id, s, "edit"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Review records the user's actions on a stage without changing progress.
func (c *Client) Review(ctx context.Context, id string, s stage.ID, actions json.RawMessage) (*api.StageReview, error) {
	var out api.StageReview
	if err := c.send(ctx, http.MethodPost, stagePath(id, s, "review"), actions, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Navigate moves the cursor to an accessible stage.
func (c *Client) Navigate(ctx context.Context, id string, s stage.ID) (*api.Workflow, error) {
	var out api.Workflow
	path := fmt.Sprintf("%s/navigate/%d", workflowPath(id), int(s))
	if err := c.send(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Back moves the cursor one stage back.
func (c *Client) Back(ctx context.Context, id string) (*api.Workflow, error) {
	var out api.Workflow
	if err := c.send(ctx, http.MethodPost, workflowPath(id)+"/back", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Abandon drops the in-memory session; persisted progress is kept.
func (c *Client) Abandon(ctx context.Context, id string) (*api.AbandonResponse, error) {
	var out api.AbandonResponse
	if err := c.send(ctx, http.MethodDelete, workflowPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func documentPath(id string) string {
	return "/api/documents/" + url.PathEscape(id)
}

func workflowPath(id string) string {
	return "/api/workflows/" + url.PathEscape(id)
}

func stagePath(id string, s stage.ID, action string) string {
	return fmt.Sprintf("%s/stages/%d/%s", workflowPath(id), int(s), action)
}

// get retries retryable failures; writes are sent once.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return retry.Do(
		func() error { return c.do(ctx, http.MethodGet, path, query, nil, out) },
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var apiErr *Error
			return errors.As(err, &apiErr) && apiErr.Retryable
		}),
	)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := *c.base
	target.Path = c.base.Path + path
	target.RawQuery = query.Encode()

	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case json.RawMessage:
		reader = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return fmt.Errorf("%w at %s", ErrDaemonUnavailable, c.base.Host)
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return decodeError(resp.StatusCode, data, out)
}

// decodeError builds an *Error from a failure body. Health reports are also
// decoded into out so callers can render 503 bodies.
func decodeError(status int, data []byte, out any) error {
	apiErr := &Error{Status: status, Message: http.StatusText(status)}
	var body api.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Stage = stage.ID(body.Stage)
		apiErr.Unmet = body.Unmet
		apiErr.Retryable = body.Retryable
	}
	if health, ok := out.(*api.HealthResponse); ok {
		_ = json.Unmarshal(data, health)
	}
	return apiErr
}
