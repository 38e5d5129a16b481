package sender

import (
	"context"
	"log/slog"

	"github.com/jonx8/Question-and-answer-app/internal/domain"
)

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	channel domain.Channel
	logger  *slog.Logger
}

func NewLogSender(channel domain.Channel, logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{channel: channel, logger: logger}
}

func (s *LogSender) Channel() domain.Channel {
	return s.channel
}

func (s *LogSender) Send(ctx context.Context, msg domain.Message) error {
	s.logger.InfoContext(ctx, "notification",
		"channel", s.channel,
		"notification_id", msg.NotificationID,
		"recipient_id", msg.RecipientID,
		"title", msg.Title,
	)
	return nil
}
