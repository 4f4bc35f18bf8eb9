package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/progress"
)

// LogSink writes each event as a structured log line. Alerts log at error
// level so they reach the same channel as other critical logs.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume implements progress.Sink.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("audit_id", evt.AuditID),
			zap.String("stage", string(evt.Stage)),
			zap.String("phase", evt.Phase),
		}
		if evt.To != "" {
			fields = append(fields, zap.String("to", evt.To))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL), zap.String("status_class", string(evt.StatusClass)), zap.Int64("bytes", evt.Bytes))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Code != "" {
			fields = append(fields, zap.String("code", evt.Code))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageAlert {
			s.logger.Error("audit alert", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
