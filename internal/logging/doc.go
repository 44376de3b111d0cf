// Package logging assembles structured slog loggers and formatting helpers used
// across aideps.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so controller and API code can
// tag log lines with workflow IDs, stage numbers, and correlation IDs without
// threading attributes by hand. A no-op logger is provided for tests and for
// wiring code that cannot fail.
//
// The daemon writes human-oriented lines to stdout and a JSON copy to
// <log_dir>/aideps.log; NewFromConfig wires both through a fan-out handler.
package logging
