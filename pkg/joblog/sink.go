package joblog

import (
	"context"

	"go.uber.org/zap"
)

// Sink receives finalized job records.
type Sink interface {
	// Write delivers one record.
	Write(ctx context.Context, r Record) error

	// Close releases any resources held by the sink.
	Close() error

	// Name returns the sink's identifier.
	Name() string
}

// LogSink writes records to a structured logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("sync-jobs")}
}

func (s *LogSink) Write(_ context.Context, r Record) error {
	fields := []zap.Field{
		zap.String("id", r.ID),
		zap.String("server", r.Server),
		zap.String("kind", string(r.Kind)),
		zap.String("trigger", string(r.Trigger)),
		zap.String("outcome", string(r.Outcome)),
		zap.Time("started_at", r.StartedAt),
		zap.Duration("duration", r.Duration()),
		zap.Int("users_synced", r.UsersSynced),
		zap.Int("groups_synced", r.GroupsSynced),
	}
	if r.UsersCreated > 0 {
		fields = append(fields, zap.Int("users_created", r.UsersCreated))
	}
	if r.UsersBlocked > 0 {
		fields = append(fields, zap.Int("users_blocked", r.UsersBlocked))
	}
	if r.ErrorDetail != "" {
		fields = append(fields, zap.String("error_detail", r.ErrorDetail))
	}
	if len(r.EntryErrors) > 0 {
		fields = append(fields, zap.Int("entry_errors", len(r.EntryErrors)))
	}

	switch r.Outcome {
	case OutcomeFailed:
		s.logger.Warn("sync_job", fields...)
	default:
		s.logger.Info("sync_job", fields...)
	}
	return nil
}

// Close is a no-op for LogSink.
func (s *LogSink) Close() error {
	return nil
}

func (s *LogSink) Name() string {
	return "log"
}
