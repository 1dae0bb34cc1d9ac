package bus_test

import (
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/bus"
)

func TestPublishSubscribe(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicTaskStatusChanged)
	defer b.Unsubscribe(sub)

	b.Publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
		ProjectID: "p1", TaskID: 1, FromStatus: "requirements", ToStatus: "implementing",
	})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(bus.TaskStatusChangedEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", ev.Payload)
		}
		if payload.ToStatus != "implementing" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := bus.New()
	all := b.Subscribe("")
	workflowOnly := b.Subscribe("workflow.")
	supervisorOnly := b.Subscribe("supervisor.")
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(workflowOnly)
	defer b.Unsubscribe(supervisorOnly)

	b.Publish(bus.TopicTaskStatusChanged, nil)

	if len(all.Ch()) != 1 {
		t.Fatalf("empty prefix must match everything")
	}
	if len(workflowOnly.Ch()) != 1 {
		t.Fatalf("workflow prefix must match task status topic")
	}
	if len(supervisorOnly.Ch()) != 0 {
		t.Fatalf("supervisor prefix must not match workflow topic")
	}
}

func TestSlowConsumerDropsEvents(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; publishes never block.
	for i := 0; i < 150; i++ {
		b.Publish("workflow.test", i)
	}
	if got := len(sub.Ch()); got != 100 {
		t.Fatalf("expected buffer capped at 100, got %d", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatalf("expected closed channel after unsubscribe")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}
