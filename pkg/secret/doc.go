// Package secret resolves secret references (files, environment variables,
// the OS keyring, or wrapped legacy literals) into in-memory Secret values
// that redact themselves in every printed, logged, or serialized form.
package secret
