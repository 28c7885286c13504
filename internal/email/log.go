package email

import (
	"context"

	"github.com/stepauth/stepauth/internal/logger"
)

// LogSender writes outgoing mail to the log instead of sending it.
// Used when no provider is configured, which is only acceptable in
// development.
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log.WithComponent("email")}
}

// Send logs the message instead of delivering it.
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.log.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Msg("email delivery skipped (log sender)")
	return nil
}
