// Package api serves the reconciler HTTP API: health, Prometheus metrics,
// directory sync job states and records, manual job runs and reconcile
// triggers.
package api
