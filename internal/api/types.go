package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// StageDefinition describes one entry of the stage catalog.
type StageDefinition struct {
	ID     int    `json:"id"`
	Key    string `json:"key"`
	Name   string `json:"name"`
	Folder string `json:"folder"`
}

// StageState reports one stage of a workflow.
type StageState struct {
	Stage     int             `json:"stage"`
	Key       string          `json:"key"`
	Name      string          `json:"name"`
	Status    string          `json:"status"`
	Current   bool            `json:"current"`
	Enterable bool            `json:"enterable"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Progress summarizes stage completion.
type Progress struct {
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// Workflow is the transport form of an in-memory workflow instance.
type Workflow struct {
	WorkflowID      string       `json:"workflowId"`
	DocumentID      string       `json:"documentId"`
	CurrentStage    int          `json:"currentStage"`
	CurrentStageKey string       `json:"currentStageKey"`
	CompletedStages []int        `json:"completedStages"`
	StaleStages     []int        `json:"staleStages,omitempty"`
	Finished        bool         `json:"finished"`
	Progress        Progress     `json:"progress"`
	Stages          []StageState `json:"stages"`
}

// WorkflowSummary is a persisted workflow header.
type WorkflowSummary struct {
	WorkflowID   string `json:"workflowId"`
	DocumentID   string `json:"documentId"`
	DocumentName string `json:"documentName,omitempty"`
	CurrentStage int    `json:"currentStage"`
	Status       string `json:"status"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"createdAt,omitempty"`
	UpdatedAt    string `json:"updatedAt,omitempty"`
	CompletedAt  string `json:"completedAt,omitempty"`
}

// Document describes an ingested survey data file.
type Document struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Filename     string   `json:"filename"`
	FileSize     int64    `json:"fileSize"`
	Organization string   `json:"organization,omitempty"`
	SurveyType   string   `json:"surveyType,omitempty"`
	RowCount     int      `json:"rowCount"`
	Columns      []string `json:"columns,omitempty"`
	CreatedAt    string   `json:"createdAt,omitempty"`
	// SchemaMapping is the column mapping last confirmed by the user.
	SchemaMapping json.RawMessage `json:"schemaMapping,omitempty"`
}

// DocumentPreview is the head of a document's data.
type DocumentPreview struct {
	DocumentID string              `json:"documentId"`
	Encoding   string              `json:"encoding"`
	Columns    []string            `json:"columns"`
	Rows       []map[string]string `json:"rows"`
	Types      map[string]string   `json:"types"`
}

// StageReview is the stored review of one stage.
type StageReview struct {
	WorkflowID  string          `json:"workflowId"`
	Stage       int             `json:"stage"`
	StageName   string          `json:"stageName"`
	Status      string          `json:"status"`
	UserActions json.RawMessage `json:"userActions"`
	ReviewedAt  string          `json:"reviewedAt,omitempty"`
}

// AuditEntry is one line of a workflow's history.
type AuditEntry struct {
	ID         int64  `json:"id"`
	WorkflowID string `json:"workflowId"`
	DocumentID string `json:"documentId,omitempty"`
	Stage      int    `json:"stage,omitempty"`
	Action     string `json:"action"`
	Detail     string `json:"detail,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Stage     int      `json:"stage,omitempty"`
	Unmet     []string `json:"unmet,omitempty"`
	Retryable bool     `json:"retryable"`
}

// HealthCheck mirrors a single readiness check.
type HealthCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is returned by /api/health.
type HealthResponse struct {
	Healthy bool          `json:"healthy"`
	Checks  []HealthCheck `json:"checks"`
}

// StageHealth reports which completion schema a stage is using.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running         bool           `json:"running"`
	PID             int            `json:"pid"`
	DatabasePath    string         `json:"databasePath"`
	DataDir         string         `json:"dataDir"`
	LockFilePath    string         `json:"lockFilePath"`
	InboxDir        string         `json:"inboxDir,omitempty"`
	ActiveSessions  int            `json:"activeSessions"`
	Documents       int            `json:"documents"`
	Workflows       map[string]int `json:"workflows"`
	CompletedStages int            `json:"completedStages"`
	StageHealth     []StageHealth  `json:"stageHealth"`
}

// StartWorkflowRequest starts or resumes the workflow of a document.
type StartWorkflowRequest struct {
	DocumentID string `json:"documentId"`
}

// IngestRequest admits a file readable by the daemon.
type IngestRequest struct {
	Path         string `json:"path"`
	Name         string `json:"name,omitempty"`
	Organization string `json:"organization,omitempty"`
	SurveyType   string `json:"surveyType,omitempty"`
}

// IngestResponse returns the new document and its started workflow.
type IngestResponse struct {
	Document Document `json:"document"`
	Workflow Workflow `json:"workflow"`
}

// DraftRequest optionally carries a payload to record before the draft save.
type DraftRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WorkflowListResponse wraps workflow summaries.
type WorkflowListResponse struct {
	Workflows []WorkflowSummary `json:"workflows"`
}

// DocumentListResponse wraps documents.
type DocumentListResponse struct {
	Documents []Document `json:"documents"`
}

// HistoryResponse wraps a workflow's audit trail.
type HistoryResponse struct {
	Entries []AuditEntry `json:"entries"`
}

// StagesResponse wraps the stage catalog.
type StagesResponse struct {
	Stages []StageDefinition `json:"stages"`
}

// AbandonResponse reports whether an in-memory session was dropped.
type AbandonResponse struct {
	WorkflowID string `json:"workflowId"`
	Dropped    bool   `json:"dropped"`
}
