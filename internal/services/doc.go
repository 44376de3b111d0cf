// Package services defines shared utilities consumed by the workflow
// controller, the store, and the HTTP surface.
//
// Key responsibilities:
//   - Context helpers that stamp workflow IDs, stage names, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper so callers can classify
//     failures (invalid transition, validation, persistence, not found)
//     without inspecting message text.
//   - HTTPStatus, which turns those markers into transport status codes.
//
// Use these helpers when wiring new workflow logic so operational behaviour
// (error handling, observability, retries) stays uniform across the daemon.
package services
