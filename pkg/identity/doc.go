// Package identity holds the local user and group-membership records that
// directory sync reconciles against. MemoryStore backs tests and single
// process deployments; PostgresStore persists to PostgreSQL.
package identity
