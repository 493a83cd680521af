package webhook

import (
	"context"
	"log/slog"
)

// LogProcessor records each accepted push in the log.
type LogProcessor struct {
	logger *slog.Logger
}

func NewLogProcessor(logger *slog.Logger) *LogProcessor {
	return &LogProcessor{logger: logger}
}

func (p *LogProcessor) Process(_ context.Context, d Delivery) error {
	p.logger.Info("push received",
		"delivery_id", d.ID,
		"ref", d.Push.Ref,
		"repository", d.Push.Repository.FullName,
		"commits", len(d.Push.Commits),
		"pusher", d.Push.Pusher.Name,
	)
	return nil
}
