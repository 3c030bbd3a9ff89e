package channels

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/config"
)

// EmailChannel delivers email through SendGrid
type EmailChannel struct {
	client *sendgrid.Client
	config config.SendGridConfig
	logger *zap.Logger
}

// NewEmailChannel creates a new SendGrid email channel
func NewEmailChannel(cfg config.SendGridConfig, logger *zap.Logger) *EmailChannel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.sendgrid.com"
	}
	req := sendgrid.GetRequest(cfg.APIKey, "/v3/mail/send", cfg.BaseURL)
	req.Method = "POST"
	return &EmailChannel{
		client: &sendgrid.Client{Request: req},
		config: cfg,
		logger: orNop(logger),
	}
}

// Send sends one email
func (e *EmailChannel) Send(ctx context.Context, msg automation.OutboundMessage) (*automation.SendReceipt, error) {
	e.logger.Debug("Sending email", zap.String("record_id", msg.RecordID), zap.String("to", msg.Address))

	from := mail.NewEmail(e.config.FromName, e.config.FromEmail)
	to := mail.NewEmail("", msg.Address)
	message := mail.NewSingleEmail(from, msg.Title, to, msg.Body, htmlBody(msg.Body))

	// tracking headers
	message.SetHeader("X-Record-ID", msg.RecordID)
	if msg.RecipientID != "" {
		message.SetHeader("X-Recipient-ID", msg.RecipientID)
	}

	response, err := e.client.SendWithContext(ctx, message)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &automation.TransportError{Channel: automation.ChannelEmail, Reason: err.Error()}
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		var messageID string
		if ids, ok := response.Headers["X-Message-Id"]; ok && len(ids) > 0 {
			messageID = ids[0]
		}
		e.logger.Info("Email sent", zap.String("record_id", msg.RecordID), zap.String("sendgrid_id", messageID))
		return &automation.SendReceipt{ExternalID: messageID}, nil
	}

	return nil, &automation.TransportError{
		Channel: automation.ChannelEmail,
		Reason:  fmt.Sprintf("sendgrid returned status %d: %s", response.StatusCode, response.Body),
	}
}

// Channel returns the channel type
func (e *EmailChannel) Channel() automation.Channel {
	return automation.ChannelEmail
}

// htmlBody turns a plain-text body into a minimal HTML part
func htmlBody(body string) string {
	return strings.ReplaceAll(html.EscapeString(body), "\n", "<br>")
}
