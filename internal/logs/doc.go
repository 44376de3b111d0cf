// Package logs reads the daemon's JSON log file for `aideps logs`.
//
// Tail returns the last lines of aideps.log or everything after a byte
// offset, optionally blocking until new lines arrive. Entry parses one JSON
// record so the CLI can filter by level, component, or workflow and print a
// compact line per record.
package logs
