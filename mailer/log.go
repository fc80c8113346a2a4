package mailer

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogTransport only logs messages. Used as the development driver.
type LogTransport struct {
	logger *logrus.Entry
}

func NewLogTransport(logger *logrus.Entry) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.logger.WithFields(logrus.Fields{
		"to":       msg.To,
		"subject":  msg.Subject,
		"from":     formatAddress(msg.FromName, msg.FromEmail),
		"reply_to": msg.ReplyTo,
		"bytes":    len(msg.HTMLBody),
	}).Info("mail delivered to log")
	return nil
}
