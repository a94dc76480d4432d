// Package joblog records directory sync job executions. A Run is opened when
// a job starts and finalized exactly once into an immutable Record, which is
// appended to a bounded in-memory Log and delivered asynchronously to the
// configured sinks (structured log, Kafka, mail notifications).
package joblog
