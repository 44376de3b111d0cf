// Package workflow owns the stage progression of each document's
// WorkflowInstance.
//
// The Controller is a set of pure state transitions over Instance values:
// every operation takes an instance and returns a new one, so callers never
// share mutable state with the controller. The only blocking step is the
// store write inside CompleteCurrentStage, which must be acknowledged before
// the returned instance advances; a failed or timed-out write leaves the input
// instance untouched and surfaces a retryable *PersistenceError.
//
// Navigation follows one rule: a stage may be entered when it is completed or
// is the immediate successor of the furthest completed stage. Editing a
// completed stage un-completes it and every later stage; their payloads are
// kept but marked stale until re-validated.
//
// The Registry keeps the active instances for the daemon, serializes all
// operations on one workflow behind a per-session lock, drops sessions once
// stage 7 completes or the user abandons them, and evicts idle sessions.
package workflow
