// Package daemon coordinates the long-running aideps process.
//
// It wires the workflow session registry, the store, the HTTP API server, and
// the inbox watcher into a single lifecycle with flock-based locking to prevent
// multiple instances sharing one data directory. The daemon owns the idle
// session janitor and reports runtime status and readiness for the API.
//
// Keep orchestration logic here: stage rules live in internal/stage and
// internal/workflow while the daemon focuses on startup, shutdown, and
// transport.
package daemon
