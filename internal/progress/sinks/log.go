// Package sinks holds progress.Sink implementations for logs, metrics and
// push notifications.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/twicsync/internal/progress"
)

// LogSink emits structured logs for each progress event at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("dur", evt.Dur),
		}
		if evt.PublicationID > 0 {
			fields = append(fields, zap.Int("twic_id", evt.PublicationID))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Path != "" {
			fields = append(fields, zap.String("path", evt.Path))
		}
		if evt.FromCache {
			fields = append(fields, zap.Bool("from_cache", true))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
