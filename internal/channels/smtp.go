package channels

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/config"
)

// MailSender hands messages to an SMTP server. *gomail.Dialer satisfies it.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPChannel delivers email through a plain SMTP relay
type SMTPChannel struct {
	sender MailSender
	from   string
	logger *zap.Logger
}

// NewSMTPChannel creates an SMTP email channel
func NewSMTPChannel(cfg config.SMTPConfig, logger *zap.Logger) *SMTPChannel {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return NewSMTPChannelWithSender(dialer, cfg.From, logger)
}

// NewSMTPChannelWithSender creates an SMTP channel over an existing sender
func NewSMTPChannelWithSender(sender MailSender, from string, logger *zap.Logger) *SMTPChannel {
	return &SMTPChannel{sender: sender, from: from, logger: orNop(logger)}
}

// Send sends one email. gomail has no context support, so the call runs in
// its own goroutine and is abandoned when ctx ends.
func (s *SMTPChannel) Send(ctx context.Context, msg automation.OutboundMessage) (*automation.SendReceipt, error) {
	s.logger.Debug("Sending email over SMTP", zap.String("record_id", msg.RecordID), zap.String("to", msg.Address))

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.Address)
	m.SetHeader("Subject", msg.Title)
	m.SetHeader("X-Record-ID", msg.RecordID)
	m.SetBody("text/plain", msg.Body)
	m.AddAlternative("text/html", htmlBody(msg.Body))

	done := make(chan error, 1)
	go func() {
		done <- s.sender.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, &automation.TransportError{
				Channel: automation.ChannelEmail,
				Reason:  fmt.Sprintf("smtp send failed: %v", err),
			}
		}
	}

	s.logger.Info("Email sent over SMTP", zap.String("record_id", msg.RecordID))
	return &automation.SendReceipt{ExternalID: msg.RecordID}, nil
}

// Channel returns the channel type
func (s *SMTPChannel) Channel() automation.Channel {
	return automation.ChannelEmail
}
