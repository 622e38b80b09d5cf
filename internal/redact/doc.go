// Package redact scrubs credentials out of captured terminal output before
// it reaches prompts, logs, audit records or the dashboard.
//
// A fast regex pass runs on every capture. When enabled, the gitleaks rule
// set runs as a second pass over what the regexes left behind.
package redact
