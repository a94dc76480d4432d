// Package config loads the reconciler process configuration from YAML:
// settings sources, output target, reload signalling, the directory sync
// scheduler, the identity store, job log sinks, notifications and the
// HTTP server.
package config
