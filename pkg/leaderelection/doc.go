// Package leaderelection elects one active reconciler among replicas that
// share a Kubernetes namespace, using a coordination.k8s.io Lease. Only the
// leader applies artifacts and runs directory sync jobs.
package leaderelection
