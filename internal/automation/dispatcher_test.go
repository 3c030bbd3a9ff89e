package automation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/channels"
	"github.com/alexnthnz/tutoring-automation/internal/database"
)

func recordsByChannel(records []*automation.Record) map[automation.Channel]*automation.Record {
	out := make(map[automation.Channel]*automation.Record, len(records))
	for _, rec := range records {
		out[rec.Channel] = rec
	}
	return out
}

func TestDispatchRendersOncePerChannel(t *testing.T) {
	h := newHarness(trigger0)

	res, err := h.dispatcher.Dispatch(context.Background(), intentFor(automation.ChannelEmail, automation.ChannelChat))
	require.NoError(t, err)
	require.Equal(t, 2, res.Sent)
	require.Zero(t, res.Failed)

	byChannel := recordsByChannel(res.Records)
	for _, ch := range []automation.Channel{automation.ChannelEmail, automation.ChannelChat} {
		rec := byChannel[ch]
		require.NotNil(t, rec)
		require.Equal(t, automation.StatusSent, rec.Status)
		require.Equal(t, "내일 14:00에 수업이 있습니다", rec.Body)
		require.Equal(t, "intent-1", rec.IntentID)
		require.NotEmpty(t, rec.ExternalID)
	}

	stored, total, err := h.store.ListRecords(context.Background(), automation.RecordFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, stored, 2)

	require.Len(t, h.email.Sent(), 1)
	require.Equal(t, "1@example.com", h.email.Sent()[0].Address)
	require.Equal(t, "U1", h.chat.Sent()[0].Address)
}

func TestDispatchChannelIndependence(t *testing.T) {
	h := newHarness(trigger0)
	h.email.failAll = true
	h.email.delay = 50 * time.Millisecond

	res, err := h.dispatcher.Dispatch(context.Background(), intentFor(automation.ChannelEmail, automation.ChannelPush))
	require.NoError(t, err)
	require.Equal(t, 1, res.Sent)
	require.Equal(t, 1, res.Failed)

	byChannel := recordsByChannel(res.Records)
	require.Equal(t, automation.StatusFailed, byChannel[automation.ChannelEmail].Status)
	require.Contains(t, byChannel[automation.ChannelEmail].ErrorMessage, "provider rejected message")
	require.Equal(t, automation.StatusSent, byChannel[automation.ChannelPush].Status)
	require.Len(t, h.push.Sent(), 1)
}

func TestDispatchTimeout(t *testing.T) {
	h := newHarness(trigger0)
	h.email.delay = time.Second
	disp := automation.NewDispatcher(h.registry, h.store, nil,
		automation.WithChannelTimeout(automation.ChannelEmail, 20*time.Millisecond),
	)

	start := time.Now()
	res, err := disp.Dispatch(context.Background(), intentFor(automation.ChannelEmail, automation.ChannelChat))
	require.NoError(t, err)
	require.Less(t, time.Since(start), 500*time.Millisecond)

	byChannel := recordsByChannel(res.Records)
	require.Equal(t, automation.StatusFailed, byChannel[automation.ChannelEmail].Status)
	require.Equal(t, "email transport: transport timeout after 20ms", byChannel[automation.ChannelEmail].ErrorMessage)
	require.Equal(t, automation.StatusSent, byChannel[automation.ChannelChat].Status)
}

func TestDispatchMissingVariable(t *testing.T) {
	h := newHarness(trigger0)
	intent := intentFor(automation.ChannelEmail, automation.ChannelChat)
	intent.Bindings = map[string]string{"name": "Kim"}

	res, err := h.dispatcher.Dispatch(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, 2, res.Failed)
	for _, rec := range res.Records {
		require.Equal(t, automation.StatusFailed, rec.Status)
		require.Contains(t, rec.ErrorMessage, "time")
		require.Empty(t, rec.Body)
	}
	require.Zero(t, h.email.Calls())
	require.Zero(t, h.chat.Calls())
}

func TestDispatchUnsupportedChannelAndMissingAddress(t *testing.T) {
	store := database.NewMemoryStore()
	email := newFakeTransport(automation.ChannelEmail)
	disp := automation.NewDispatcher(channels.NewRegistry(email), store, nil)

	intent := intentFor(automation.ChannelEmail, automation.ChannelSMS)
	res, err := disp.Dispatch(context.Background(), intent)
	require.NoError(t, err)
	byChannel := recordsByChannel(res.Records)
	require.Equal(t, automation.StatusSent, byChannel[automation.ChannelEmail].Status)
	require.Equal(t, "sms transport: unsupported channel type: sms", byChannel[automation.ChannelSMS].ErrorMessage)

	intent = intentFor(automation.ChannelEmail)
	intent.ID = "intent-2"
	intent.Addresses = nil
	res, err = disp.Dispatch(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, automation.StatusFailed, res.Records[0].Status)
	require.Contains(t, res.Records[0].ErrorMessage, "no address")
}

func TestRedeliverRequiresPending(t *testing.T) {
	h := newHarness(trigger0)
	_, err := h.dispatcher.Redeliver(context.Background(), &automation.Record{ID: "x", Status: automation.StatusFailed})
	require.ErrorIs(t, err, automation.ErrInvalidTransition)
}
