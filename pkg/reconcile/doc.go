// Package reconcile runs reconciliation passes: parse and validate the
// settings, resolve secrets, render artifacts, apply those that changed,
// reload affected services and hand directory server definitions to the
// sync scheduler.
package reconcile
