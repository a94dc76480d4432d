// Package metrics defines Prometheus metrics for the reconciler, covering
// reconciliation passes, artifact application, service reloads, secret
// resolution, directory sync jobs, job log sinks, and mail delivery.
package metrics
