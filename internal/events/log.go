package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, e Event) error {
	s.logger.Info("edge "+string(e.Kind),
		zap.Time("ts", e.Timestamp),
		zap.String("hostname", e.Hostname),
		zap.String("classification", e.Classification),
		zap.String("decision", e.Decision),
		zap.String("reason", e.Reason),
		zap.Bool("redirected", e.Redirected),
		zap.String("destination", e.Destination),
		zap.String("client_ip", e.ClientIP),
		zap.String("user_agent", e.UserAgent),
		zap.String("referer", e.Referer),
		zap.String("owner_id", e.OwnerID),
		zap.String("domain_id", e.DomainID),
	)
	return nil
}
