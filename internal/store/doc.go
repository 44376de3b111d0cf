// Package store persists documents, workflows, stage records, and the audit
// log in SQLite.
//
// Store implements workflow.Backend together with the optional Creator,
// Invalidator, and Resolver interfaces, so the session registry can resume a
// document's progress after a restart. A stage completion is written in one
// transaction with the workflow's current stage and an audit entry; the
// controller treats the commit as the durable acknowledgement.
//
// Schema changes bump schemaVersion in schema.go and add a migration step;
// older database files are upgraded in place when opened.
package store
