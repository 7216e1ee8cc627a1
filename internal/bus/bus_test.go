package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindQueueEnqueued, Timestamp: time.Now(), Payload: "p"})

	select {
	case evt := <-ch:
		if evt.Kind != KindQueueEnqueued {
			t.Errorf("kind = %q, want %q", evt.Kind, KindQueueEnqueued)
		}
		if evt.Payload != "p" {
			t.Errorf("payload = %v, want p", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	queueCh, unsub1 := b.Subscribe("queue.", 10)
	defer unsub1()
	msgCh, unsub2 := b.Subscribe("message.", 10)
	defer unsub2()

	b.Publish(Event{Kind: KindMessageMerged})

	select {
	case <-msgCh:
	case <-time.After(time.Second):
		t.Fatal("message. subscriber should receive message.merged")
	}

	select {
	case evt := <-queueCh:
		t.Errorf("queue. subscriber received %q, want nothing", evt.Kind)
	default:
	}
}

func TestEmptyNamespaceReceivesEverything(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	kinds := []string{KindQueueEnqueued, KindMessageMerged, KindTransportConnected}
	for _, k := range kinds {
		b.Publish(Event{Kind: k})
	}
	for _, want := range kinds {
		select {
		case evt := <-ch:
			if evt.Kind != want {
				t.Errorf("kind = %q, want %q", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("queue.", 10)
	unsub()

	b.Publish(Event{Kind: KindQueueEnqueued})

	select {
	case evt := <-ch:
		t.Errorf("received %q after unsubscribe", evt.Kind)
	default:
	}
}

// TestFullSubscriberDoesNotBlockPublish verifies the non-blocking drop
// behavior: a stalled subscriber must never wedge the publisher, which
// runs on the transport read pump.
func TestFullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe("queue.", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Kind: KindQueueEnqueued})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}
}
