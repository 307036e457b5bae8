package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceMCP, Kind: KindActivity})
	b.Emit(SourceMCP, KindActivity, "fs", "text", "hi")
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func TestPublishFanOut(t *testing.T) {
	b := New()
	const n = 3
	chans := make([]<-chan Event, n)
	for i := range n {
		chans[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range chans {
			b.Unsubscribe(ch)
		}
	}()

	b.Emit(SourceOrchestrator, KindServerConnected, "filesystem", "server_version", "1.2.0")

	for i, ch := range chans {
		select {
		case got := <-ch:
			if got.Kind != KindServerConnected || got.Server() != "filesystem" {
				t.Errorf("subscriber %d: got %+v", i, got)
			}
			if got.Data["server_version"] != "1.2.0" {
				t.Errorf("subscriber %d: server_version = %v", i, got.Data["server_version"])
			}
			if got.Timestamp.IsZero() {
				t.Errorf("subscriber %d: zero timestamp", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := <-ch; got.Kind != "first" {
		t.Errorf("got kind %q, want first", got.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("expected the second event to be dropped, got %v", evt)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1) // no-op
	if _, ok := <-ch1; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}

	b.Unsubscribe(ch2)
	b.Publish(Event{Kind: KindActivity})
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range ch {
		}
	}()

	var pubs sync.WaitGroup
	for i := range 8 {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			for j := range 100 {
				b.Emit(SourceMCP, KindActivity, "srv", "publisher", i, "seq", j)
			}
		}()
	}
	pubs.Wait()
	b.Unsubscribe(ch)
	drained.Wait()
}
