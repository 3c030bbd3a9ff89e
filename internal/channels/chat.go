package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/config"
)

// ChatChannel delivers chat messages through the LINE Messaging API push endpoint
type ChatChannel struct {
	config config.LineConfig
	client *http.Client
	logger *zap.Logger
}

// NewChatChannel creates a new chat channel
func NewChatChannel(cfg config.LineConfig, logger *zap.Logger) *ChatChannel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.line.me"
	}
	return &ChatChannel{
		config: cfg,
		client: &http.Client{},
		logger: orNop(logger),
	}
}

type linePushRequest struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type linePushResponse struct {
	SentMessages []struct {
		ID string `json:"id"`
	} `json:"sentMessages"`
	Message string `json:"message"`
}

// Send pushes one text message to the chat user in msg.Address
func (c *ChatChannel) Send(ctx context.Context, msg automation.OutboundMessage) (*automation.SendReceipt, error) {
	c.logger.Debug("Sending chat message", zap.String("record_id", msg.RecordID), zap.String("to", msg.Address))

	text := msg.Body
	if msg.Title != "" {
		text = msg.Title + "\n\n" + msg.Body
	}
	payload, err := json.Marshal(linePushRequest{
		To:       msg.Address,
		Messages: []lineMessage{{Type: "text", Text: text}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat message: %w", err)
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/v2/bot/message/push"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.ChannelToken)
	// LINE deduplicates pushes carrying the same retry key
	req.Header.Set("X-Line-Retry-Key", msg.RecordID)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &automation.TransportError{Channel: automation.ChannelChat, Reason: err.Error()}
	}
	defer resp.Body.Close()

	var lineResp linePushResponse
	_ = json.NewDecoder(resp.Body).Decode(&lineResp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		externalID := resp.Header.Get("X-Line-Request-Id")
		if len(lineResp.SentMessages) > 0 {
			externalID = lineResp.SentMessages[0].ID
		}
		c.logger.Info("Chat message sent", zap.String("record_id", msg.RecordID), zap.String("line_id", externalID))
		return &automation.SendReceipt{ExternalID: externalID}, nil
	}

	reason := lineResp.Message
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return nil, &automation.TransportError{
		Channel: automation.ChannelChat,
		Reason:  fmt.Sprintf("line returned status %d: %s", resp.StatusCode, reason),
	}
}

// Channel returns the channel type
func (c *ChatChannel) Channel() automation.Channel {
	return automation.ChannelChat
}
