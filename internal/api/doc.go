// Package api defines wire-format types and converters for the HTTP API
// layer. It translates workflow instances and store records into
// transport-friendly DTOs that the CLI and other consumers can render without
// coupling to internal types.
//
// # Key Types
//
// Workflow: one workflow with its current stage, per-stage state, progress,
// and (optionally) the recorded stage payloads.
//
// WorkflowSummary: persisted workflow header used by list views.
//
// Document, AuditEntry, StageDefinition: direct projections of store and
// catalog records.
//
// ErrorResponse: the body of every non-2xx response. Validation failures carry
// the unmet completion conditions; persistence failures set retryable.
//
// # Service
//
// WorkflowService binds the session registry, the store, and the ingester and
// is the only entry point the daemon's HTTP handlers call.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Stage payloads are passed through as
// json.RawMessage to avoid double-encoding. Timestamps use RFC3339 with
// milliseconds.
package api
