package channels

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/config"
)

// Registry holds the transport registered for each channel
type Registry struct {
	mu         sync.RWMutex
	transports map[automation.Channel]automation.Transport
}

var _ automation.TransportSet = (*Registry)(nil)

// NewRegistry creates a registry holding the given transports
func NewRegistry(transports ...automation.Transport) *Registry {
	r := &Registry{transports: make(map[automation.Channel]automation.Transport)}
	for _, t := range transports {
		r.Register(t)
	}
	return r
}

// Register adds a transport, replacing any transport already registered for its channel
func (r *Registry) Register(t automation.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Channel()] = t
}

// Transport retrieves the transport for a channel
func (r *Registry) Transport(ch automation.Channel) (automation.Transport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[ch]
	return t, ok
}

// Channels lists the registered channels in name order
func (r *Registry) Channels() []automation.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]automation.Channel, 0, len(r.transports))
	for ch := range r.transports {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Build registers a transport for every provider that has credentials in cfg.
// Email goes through SendGrid when an API key is set and falls back to SMTP.
// A push provider that fails to initialize is logged and left out.
// The returned timeouts are meant for automation.WithChannelTimeout.
func Build(ctx context.Context, cfg config.ChannelsConfig, logger *zap.Logger) (*Registry, map[automation.Channel]time.Duration) {
	logger = orNop(logger)
	reg := NewRegistry()
	timeouts := make(map[automation.Channel]time.Duration)

	switch {
	case cfg.SendGrid.APIKey != "":
		reg.Register(NewEmailChannel(cfg.SendGrid, logger))
		timeouts[automation.ChannelEmail] = cfg.SendGrid.Timeout
	case cfg.SMTP.Host != "":
		reg.Register(NewSMTPChannel(cfg.SMTP, logger))
		timeouts[automation.ChannelEmail] = cfg.SMTP.Timeout
	}

	if cfg.Firebase.CredentialsPath != "" {
		push, err := NewPushChannel(ctx, cfg.Firebase, logger)
		if err != nil {
			logger.Warn("Push channel disabled", zap.Error(err))
		} else {
			reg.Register(push)
			timeouts[automation.ChannelPush] = cfg.Firebase.Timeout
		}
	}

	if cfg.Twilio.AccountSID != "" {
		reg.Register(NewSMSChannel(cfg.Twilio, logger))
		timeouts[automation.ChannelSMS] = cfg.Twilio.Timeout
	}

	if cfg.Line.ChannelToken != "" {
		reg.Register(NewChatChannel(cfg.Line, logger))
		timeouts[automation.ChannelChat] = cfg.Line.Timeout
	}

	for _, ch := range []automation.Channel{automation.ChannelEmail, automation.ChannelPush, automation.ChannelSMS, automation.ChannelChat} {
		if _, ok := reg.Transport(ch); !ok {
			logger.Warn("No transport configured for channel", zap.String("channel", string(ch)))
		}
	}
	return reg, timeouts
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
