package automation_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/channels"
	"github.com/alexnthnz/tutoring-automation/internal/database"
)

var trigger0 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

// fakeTransport records sends and fails on demand
type fakeTransport struct {
	channel automation.Channel

	mu        sync.Mutex
	sent      []automation.OutboundMessage
	failNext  int
	failAll   bool
	delay     time.Duration
	callCount int
}

func newFakeTransport(ch automation.Channel) *fakeTransport {
	return &fakeTransport{channel: ch}
}

func (f *fakeTransport) Send(ctx context.Context, msg automation.OutboundMessage) (*automation.SendReceipt, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	if f.failAll || f.failNext > 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		return nil, &automation.TransportError{Channel: f.channel, Reason: "provider rejected message"}
	}
	f.sent = append(f.sent, msg)
	return &automation.SendReceipt{ExternalID: fmt.Sprintf("%s-%d", f.channel, len(f.sent))}, nil
}

func (f *fakeTransport) Channel() automation.Channel { return f.channel }

func (f *fakeTransport) Sent() []automation.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]automation.OutboundMessage(nil), f.sent...)
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount
}

func (f *fakeTransport) SetFailAll(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

// harness wires the automation services over in-memory storage
type harness struct {
	store      *database.MemoryStore
	queue      *database.MemoryIntentQueue
	email      *fakeTransport
	push       *fakeTransport
	sms        *fakeTransport
	chat       *fakeTransport
	registry   *channels.Registry
	scheduler  *automation.Scheduler
	dispatcher *automation.Dispatcher
	ledger     *automation.Ledger
	clock      *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newHarness(now time.Time) *harness {
	h := &harness{
		store: database.NewMemoryStore(),
		queue: database.NewMemoryIntentQueue(),
		email: newFakeTransport(automation.ChannelEmail),
		push:  newFakeTransport(automation.ChannelPush),
		sms:   newFakeTransport(automation.ChannelSMS),
		chat:  newFakeTransport(automation.ChannelChat),
		clock: &clock{now: now},
	}
	h.registry = channels.NewRegistry(h.email, h.push, h.sms, h.chat)
	h.scheduler = automation.NewScheduler(h.store, nil)
	h.dispatcher = automation.NewDispatcher(h.registry, h.store, nil, automation.WithClock(h.clock.Now))
	h.ledger = automation.NewLedger(automation.LedgerConfig{
		Store:       h.store,
		Redeliverer: h.dispatcher,
		Catalog:     h.store,
		Templates:   templateSaver{h.store},
		Now:         h.clock.Now,
	})
	return h
}

func (h *harness) orchestrator() *automation.Orchestrator {
	o, err := automation.NewOrchestrator(automation.OrchestratorConfig{
		Catalog:    h.store,
		Scheduler:  h.scheduler,
		Dispatcher: h.dispatcher,
		Ledger:     h.store,
		Deferred:   h.queue,
		Guard:      h.store,
		Now:        h.clock.Now,
	})
	if err != nil {
		panic(err)
	}
	return o
}

func (h *harness) poller() *automation.Poller {
	p, err := automation.NewPoller(automation.PollerConfig{
		Queue:      h.queue,
		Catalog:    h.store,
		Dispatcher: h.dispatcher,
		Now:        h.clock.Now,
	})
	if err != nil {
		panic(err)
	}
	return p
}

// templateSaver stores templates straight into the memory catalog
type templateSaver struct {
	store *database.MemoryStore
}

func (t templateSaver) CreateTemplate(ctx context.Context, tmpl automation.Template) (*automation.Template, error) {
	tmpl.ID = "tmpl-" + tmpl.Name
	if err := t.store.SaveTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

func lessonTemplate() automation.Template {
	return automation.Template{
		ID:        "lesson",
		Name:      "Lesson reminder",
		Type:      automation.TriggerReminder,
		Title:     "Lesson reminder",
		Content:   "내일 {time}에 수업이 있습니다",
		Variables: []string{"time"},
	}
}

func reminderRule() automation.Rule {
	return automation.Rule{
		ID:          "R1",
		Name:        "Remind students",
		TriggerType: automation.TriggerReminder,
		Conditions: automation.Conditions{
			TargetType: automation.AudienceStudent,
		},
		Schedule: automation.Schedule{Kind: automation.ScheduleDelay, DelayHours: 0.17},
		Message:  automation.Message{TemplateID: "lesson"},
		Channels: []automation.Channel{automation.ChannelEmail, automation.ChannelChat},
		Enabled:  true,
	}
}

func student(id string) automation.Recipient {
	return automation.Recipient{
		ID:   id,
		Name: "Kim",
		Addresses: map[automation.Channel]string{
			automation.ChannelEmail: id + "@example.com",
			automation.ChannelPush:  "fcm-" + id,
			automation.ChannelSMS:   "+8210" + id,
			automation.ChannelChat:  "U" + id,
		},
	}
}

func reminderTrigger(recipients ...automation.Recipient) automation.Trigger {
	return automation.Trigger{
		ID:          "trg-1",
		TriggerType: automation.TriggerReminder,
		Audience:    automation.AudienceStudent,
		Variables:   map[string]string{"time": "14:00"},
		Recipients:  recipients,
		OccurredAt:  trigger0,
	}
}

func intentFor(chs ...automation.Channel) *automation.Intent {
	r := student("1")
	return &automation.Intent{
		ID:            "intent-1",
		RuleID:        "R1",
		TriggerType:   automation.TriggerReminder,
		OccurrenceKey: automation.OccurrenceKey("R1", r.ID, trigger0),
		RecipientID:   r.ID,
		Addresses:     r.Addresses,
		FiredAt:       trigger0,
		Channels:      chs,
		TemplateID:    "lesson",
		Title:         "Lesson reminder",
		Body:          "내일 {time}에 수업이 있습니다",
		Bindings:      map[string]string{"time": "14:00"},
	}
}
