package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 10)
	bus.Subscribe(TypePartitionProgress, received)

	bus.Publish(Event{
		Type:  TypePartitionProgress,
		Feed:  "nivoda",
		RunID: "run-1",
		Data:  map[string]int64{"next_offset": 250},
	})

	select {
	case evt := <-received:
		if evt.Type != TypePartitionProgress {
			t.Errorf("expected %s, got %s", TypePartitionProgress, evt.Type)
		}
		if evt.RunID != "run-1" {
			t.Errorf("expected run-1, got %s", evt.RunID)
		}
		if evt.Timestamp.IsZero() {
			t.Error("expected Publish to stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := make(chan Event, 10)
	ch2 := make(chan Event, 10)
	bus.Subscribe(TypeRunFinished, ch1)
	bus.Subscribe(TypeRunFinished, ch2)

	bus.Publish(Event{Type: TypeRunFinished, RunID: "run-1"})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := New()
	defer bus.Close()

	progressCh := make(chan Event, 10)
	doneCh := make(chan Event, 10)
	bus.Subscribe(TypePartitionProgress, progressCh)
	bus.Subscribe(TypePartitionDone, doneCh)

	bus.Publish(Event{Type: TypePartitionProgress, RunID: "run-1"})

	select {
	case <-progressCh:
	case <-time.After(time.Second):
		t.Fatal("progress subscriber did not receive event")
	}

	select {
	case <-doneCh:
		t.Fatal("done subscriber should NOT receive progress event")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}

func TestBus_WildcardSubscriber(t *testing.T) {
	bus := New()
	defer bus.Close()

	all := make(chan Event, 10)
	bus.Subscribe("*", all)

	bus.Publish(Event{Type: TypeRunCreated, RunID: "run-1"})
	bus.Publish(Event{Type: TypeRunConsolidated, RunID: "run-1"})

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("wildcard subscriber missed event %d", i)
		}
	}
}

func TestBus_PublishBatch(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 100)
	bus.Subscribe(TypePartitionProgress, received)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: TypePartitionProgress, RunID: "run-1"})
		}()
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if len(received) != 50 {
		t.Errorf("expected 50 events, got %d", len(received))
	}
}
