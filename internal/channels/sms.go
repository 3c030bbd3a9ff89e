package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/config"
)

// SMSChannel delivers text messages through Twilio
type SMSChannel struct {
	config config.TwilioConfig
	client *http.Client
	logger *zap.Logger
}

// NewSMSChannel creates a new SMS channel
func NewSMSChannel(cfg config.TwilioConfig, logger *zap.Logger) *SMSChannel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	return &SMSChannel{
		config: cfg,
		client: &http.Client{},
		logger: orNop(logger),
	}
}

// TwilioResponse represents the response from Twilio API
type TwilioResponse struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"error_code,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	Code         *int    `json:"code,omitempty"`
	Message      *string `json:"message,omitempty"`
}

// Send sends one text message. SMS has no subject line, so the title is
// prepended to the body when present.
func (s *SMSChannel) Send(ctx context.Context, msg automation.OutboundMessage) (*automation.SendReceipt, error) {
	s.logger.Debug("Sending SMS", zap.String("record_id", msg.RecordID), zap.String("to", msg.Address))

	body := msg.Body
	if msg.Title != "" {
		body = msg.Title + "\n" + msg.Body
	}

	data := url.Values{}
	data.Set("To", msg.Address)
	data.Set("From", s.config.FromNumber)
	data.Set("Body", body)

	twilioURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", strings.TrimRight(s.config.BaseURL, "/"), s.config.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, twilioURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build twilio request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &automation.TransportError{Channel: automation.ChannelSMS, Reason: err.Error()}
	}
	defer resp.Body.Close()

	var twilioResp TwilioResponse
	if err := json.NewDecoder(resp.Body).Decode(&twilioResp); err != nil {
		return nil, &automation.TransportError{
			Channel: automation.ChannelSMS,
			Reason:  fmt.Sprintf("failed to parse twilio response (status %d)", resp.StatusCode),
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Info("SMS sent", zap.String("record_id", msg.RecordID), zap.String("twilio_sid", twilioResp.SID))
		return &automation.SendReceipt{ExternalID: twilioResp.SID}, nil
	}

	errorMsg := "unknown twilio error"
	switch {
	case twilioResp.ErrorMessage != nil:
		errorMsg = *twilioResp.ErrorMessage
	case twilioResp.Message != nil:
		errorMsg = *twilioResp.Message
	}
	return nil, &automation.TransportError{
		Channel: automation.ChannelSMS,
		Reason:  fmt.Sprintf("twilio returned status %d: %s", resp.StatusCode, errorMsg),
	}
}

// Channel returns the channel type
func (s *SMSChannel) Channel() automation.Channel {
	return automation.ChannelSMS
}
