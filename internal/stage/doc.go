// Package stage defines the seven fixed survey-preparation stages and the
// completion predicates the workflow controller consults before a stage may be
// marked complete.
//
// The catalog is immutable: ids run 1..7 and each stage carries a stable key
// (used for schema file names and URLs), a display name, and the folder name
// used inside a document's instance directory. Payloads are opaque JSON; only
// validators look inside them.
package stage
