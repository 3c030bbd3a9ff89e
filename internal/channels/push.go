package channels

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/config"
)

// Messenger sends a single FCM message. *messaging.Client satisfies it.
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// PushChannel delivers push notifications through Firebase Cloud Messaging
type PushChannel struct {
	client Messenger
	logger *zap.Logger
}

// NewPushChannel creates a push channel from a Firebase service account file
func NewPushChannel(ctx context.Context, cfg config.FirebaseConfig, logger *zap.Logger) (*PushChannel, error) {
	if _, err := os.Stat(cfg.CredentialsPath); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("firebase credentials file not found at %s", cfg.CredentialsPath)
	}

	opt := option.WithCredentialsFile(cfg.CredentialsPath)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase messaging client: %w", err)
	}

	return NewPushChannelWithMessenger(client, logger), nil
}

// NewPushChannelWithMessenger creates a push channel over an existing messenger
func NewPushChannelWithMessenger(client Messenger, logger *zap.Logger) *PushChannel {
	return &PushChannel{client: client, logger: orNop(logger)}
}

// Send sends one push notification. The address is the device's FCM token.
func (p *PushChannel) Send(ctx context.Context, msg automation.OutboundMessage) (*automation.SendReceipt, error) {
	p.logger.Debug("Sending push notification", zap.String("record_id", msg.RecordID))

	data := make(map[string]string, len(msg.Metadata)+2)
	for k, v := range msg.Metadata {
		data[k] = v
	}
	data["record_id"] = msg.RecordID
	data["recipient_id"] = msg.RecipientID

	message := &messaging.Message{
		Token: msg.Address,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Priority: messaging.PriorityHigh,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: msg.Title,
						Body:  msg.Body,
					},
					Sound: "default",
				},
			},
		},
	}

	response, err := p.client.Send(ctx, message)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &automation.TransportError{Channel: automation.ChannelPush, Reason: err.Error()}
	}

	p.logger.Info("Push notification sent", zap.String("record_id", msg.RecordID), zap.String("fcm_id", response))
	return &automation.SendReceipt{ExternalID: response}, nil
}

// Channel returns the channel type
func (p *PushChannel) Channel() automation.Channel {
	return automation.ChannelPush
}
