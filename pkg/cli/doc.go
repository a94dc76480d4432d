// Package cli implements the omnibus-reconciler command line: settings
// validation, offline rendering, single reconciliation passes, one-off
// directory syncs and the long-running serve mode.
package cli
