// Package apiclient is the HTTP client the CLI uses to talk to a running
// aideps daemon.
//
// Every call decodes the daemon's JSON error body into *Error so commands can
// print unmet completion conditions and tell retryable persistence failures
// from rejected requests. Idempotent reads are retried briefly when the daemon
// reports a transient failure.
package apiclient
