// Command aideps runs the survey-data-preparation daemon and drives its
// workflows over the HTTP API.
//
// `aideps daemon` runs the daemon in the foreground. Every other command
// except `config` talks to a running daemon at paths.api_bind (or --api).
package main
