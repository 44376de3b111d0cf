// Package config loads, normalizes, and validates aideps configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// AIDEPS_API_TOKEN. The Config type centralizes every knob the daemon and CLI
// need: where workflow data lives, how uploads are admitted, how hard stage
// completions are retried against the store, and how long idle sessions stay
// resident.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
