// Package preflight provides readiness checks for the filesystem paths and
// external services aideps depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and logs every failure before it
//     begins accepting uploads.
//   - The CLI "aideps status" command and the /api/health endpoint render the
//     same results so operators see one consistent view.
//
// Each check is gated by its config toggle -- disabled features are skipped.
package preflight
