// Package notifications delivers workflow events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Enumerated event
// types cover document ingestion, finished workflows, and errors so the
// registry and daemon can emit consistent messages without duplicating HTTP
// glue. Per-event toggles in [notifications] suppress individual events.
package notifications
