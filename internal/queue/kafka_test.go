package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
)

func TestEncodeDecodeTrigger(t *testing.T) {
	at := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	trigger := automation.Trigger{
		ID:          "trg-1",
		TriggerType: automation.TriggerReminder,
		Audience:    automation.AudienceStudent,
		Variables:   map[string]string{"time": "14:00"},
		Recipients: []automation.Recipient{{
			ID:        "s1",
			Addresses: map[automation.Channel]string{automation.ChannelChat: "U1"},
		}},
		OccurredAt: at,
	}

	msg, err := EncodeTrigger(trigger)
	require.NoError(t, err)
	require.Equal(t, "trg-1", string(msg.Key))
	require.Contains(t, msg.Headers, kafka.Header{Key: "trigger_type", Value: []byte("reminder")})

	got, err := DecodeTrigger(msg)
	require.NoError(t, err)
	require.Equal(t, trigger.ID, got.ID)
	require.Equal(t, trigger.Variables, got.Variables)
	require.Equal(t, "U1", got.Recipients[0].Addresses[automation.ChannelChat])
	require.True(t, at.Equal(got.OccurredAt))
}

func TestEncodeTriggerAssignsID(t *testing.T) {
	msg, err := EncodeTrigger(automation.Trigger{TriggerType: automation.TriggerReport})
	require.NoError(t, err)
	require.NotEmpty(t, msg.Key)

	got, err := DecodeTrigger(msg)
	require.NoError(t, err)
	require.Equal(t, string(msg.Key), got.ID)
	require.False(t, got.OccurredAt.IsZero())
}

func TestDecodeTriggerRejectsMalformed(t *testing.T) {
	_, err := DecodeTrigger(kafka.Message{Value: []byte("{not json")})
	require.Error(t, err)

	_, err = DecodeTrigger(kafka.Message{Key: []byte("k"), Value: []byte(`{"audience":"student"}`)})
	require.ErrorContains(t, err, "trigger_type")

	_, err = DecodeTrigger(kafka.Message{Key: []byte("k"), Value: []byte(`{"trigger_type":"report"}`)})
	require.ErrorContains(t, err, "occurred_at")
}

func TestDecodeTriggerFallsBackToMessageKey(t *testing.T) {
	got, err := DecodeTrigger(kafka.Message{Key: []byte("from-key"), Value: []byte(`{"trigger_type":"notification","occurred_at":"2024-01-15T09:00:00Z"}`)})
	require.NoError(t, err)
	require.Equal(t, "from-key", got.ID)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func triggerMessage(t *testing.T, id string, offset int64) kafka.Message {
	t.Helper()
	msg, err := EncodeTrigger(automation.Trigger{
		ID:          id,
		TriggerType: automation.TriggerReport,
		OccurredAt:  time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	msg.Offset = offset
	return msg
}

func testConsumer(reader *fakeReader) *Consumer {
	c := newConsumer(reader, zap.NewNop())
	c.retryDelay = time.Millisecond
	c.maxRetryDelay = 4 * time.Millisecond
	return c
}

func TestConsumeRetriesFailingHandler(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{triggerMessage(t, "trg-1", 7)}}
	c := testConsumer(reader)

	var calls atomic.Int32
	handler := func(ctx context.Context, trigger automation.Trigger) error {
		if calls.Add(1) < 3 {
			return errors.New("catalog unavailable")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, handler) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 1 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, []int64{7}, reader.commits())
}

func TestConsumeLeavesOffsetOnShutdown(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		triggerMessage(t, "trg-1", 7),
		triggerMessage(t, "trg-2", 8),
	}}
	c := testConsumer(reader)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	handler := func(ctx context.Context, trigger automation.Trigger) error {
		if calls.Add(1) == 3 {
			cancel()
		}
		return errors.New("store unreachable")
	}

	require.NoError(t, c.Consume(ctx, handler))
	require.Empty(t, reader.commits())
	require.Equal(t, int32(3), calls.Load())
}

func TestConsumeCommitsMalformedMessages(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Offset: 3, Value: []byte("{not json")},
		triggerMessage(t, "trg-1", 4),
	}}
	c := testConsumer(reader)

	var seen []string
	var mu sync.Mutex
	handler := func(ctx context.Context, trigger automation.Trigger) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, trigger.ID)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx, handler) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, []int64{3, 4}, reader.commits())
	mu.Lock()
	require.Equal(t, []string{"trg-1"}, seen)
	mu.Unlock()
}
