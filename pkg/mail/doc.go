// Package mail sends sync job failure notifications over the SMTP relay
// configured in the settings document. The Notifier is a job log sink that
// is reconfigured on every reconciliation pass.
package mail
