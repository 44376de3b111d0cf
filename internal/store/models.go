package store

import (
	"encoding/json"
	"time"

	"aideps/internal/stage"
)

// Document is an uploaded survey data file.
type Document struct {
	ID           string
	Name         string
	Filename     string
	FilePath     string
	FileSize     int64
	Organization string
	SurveyType   string
	RowCount     int
	Columns      []string
	CreatedAt    time.Time
	// SchemaMapping is the last column mapping the user confirmed, if any.
	SchemaMapping json.RawMessage
}

// WorkflowStatus is the coarse lifecycle of a workflow record.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowCompleted WorkflowStatus = "completed"
)

// Workflow is the persisted header of a workflow.
type Workflow struct {
	ID           string
	DocumentID   string
	CurrentStage stage.ID
	Status       WorkflowStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// StageStatus is the persisted state of one stage row.
type StageStatus string

const (
	StagePending     StageStatus = "pending"
	StageDraft       StageStatus = "draft"
	StageCompleted   StageStatus = "completed"
	StageInvalidated StageStatus = "invalidated"
	// StageReviewed marks an open stage the user has reviewed but not
	// completed. Completed and invalidated stages keep their status when
	// reviewed.
	StageReviewed StageStatus = "reviewed"
)

// StageRecord is one row of workflow_stages.
type StageRecord struct {
	Stage       stage.ID
	Status      StageStatus
	Payload     stage.Payload
	Draft       stage.Payload
	CompletedAt *time.Time
	UpdatedAt   time.Time
	UserActions json.RawMessage
	ReviewedAt  *time.Time
}

// Audit actions written by the store itself.
const (
	ActionWorkflowCreated   = "workflow_created"
	ActionStageCompleted    = "stage_completed"
	ActionStagesInvalidated = "stages_invalidated"
	ActionWorkflowFinished  = "workflow_finished"
	ActionStageReviewed     = "stage_reviewed"
	ActionSchemaUpdated     = "schema_updated"
)

// AuditEntry is one line of a workflow's history.
type AuditEntry struct {
	ID         int64
	WorkflowID string
	DocumentID string
	Stage      stage.ID
	Action     string
	Detail     string
	CreatedAt  time.Time
}

// Stats summarizes the database contents.
type Stats struct {
	Documents       int
	Workflows       map[WorkflowStatus]int
	CompletedStages int
}

// DatabaseHealth reports diagnostic information about the database file.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	SchemaVersion    int
	TablesPresent    []string
	MissingTables    []string
	IntegrityCheck   bool
	Error            string
}
