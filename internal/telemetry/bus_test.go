package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// TestBasicPublishSubscribe verifies events reach a channel subscriber stamped
// with sequence, time and session.
func TestBasicPublishSubscribe(t *testing.T) {
	b := NewBus("session-a")
	defer b.Close()

	ch := make(chan Event, 4)
	if err := b.Subscribe("test", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Publish(Event{Type: EventTrainStep, Step: 7})

	select {
	case ev := <-ch:
		if ev.Seq != 1 {
			t.Errorf("Expected seq 1, got %d", ev.Seq)
		}
		if ev.Step != 7 || ev.Type != EventTrainStep {
			t.Errorf("Unexpected event %+v", ev)
		}
		if ev.Session != "session-a" {
			t.Errorf("Expected session-a, got %q", ev.Session)
		}
		if ev.Time.IsZero() {
			t.Error("Expected publish time to be set")
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

// TestNonBlockingPublish verifies a full subscriber never stalls Publish.
func TestNonBlockingPublish(t *testing.T) {
	b := NewBus("s")
	defer b.Close()

	ch := make(chan Event, 1)
	if err := b.Subscribe("slow", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: EventSolve})
		b.Publish(Event{Type: EventSolve})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked (should be non-blocking)")
	}

	if ev := <-ch; ev.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", ev.Seq)
	}

	st, err := b.SubscriberStats("slow")
	if err != nil {
		t.Fatalf("SubscriberStats failed: %v", err)
	}
	if st.Sent != 1 || st.Dropped != 1 {
		t.Errorf("Expected 1 sent / 1 dropped, got %+v", st)
	}
	if got := b.Stats().Published; got != 2 {
		t.Errorf("Expected 2 published, got %d", got)
	}
}

// TestSubscribeLatest verifies the single-slot receiver keeps only the newest
// event and counts overwritten ones as dropped.
func TestSubscribeLatest(t *testing.T) {
	b := NewBus("s")
	defer b.Close()

	r, err := b.SubscribeLatest("status")
	if err != nil {
		t.Fatalf("SubscribeLatest failed: %v", err)
	}
	if _, ok := r.TryReceive(); ok {
		t.Fatal("Expected no event before first publish")
	}

	for i := 1; i <= 3; i++ {
		b.Publish(Event{Type: EventTrainStep, Step: uint64(i)})
	}

	ev, ok := r.Receive()
	if !ok {
		t.Fatal("Receive returned closed")
	}
	if ev.Step != 3 {
		t.Errorf("Expected latest step 3, got %d", ev.Step)
	}

	st, _ := b.SubscriberStats("status")
	if st.Sent != 3 || st.Dropped != 2 {
		t.Errorf("Expected 3 sent / 2 dropped, got %+v", st)
	}

	// A consumed event is not returned twice; Receive waits for the next one.
	got := make(chan Event, 1)
	go func() {
		ev, _ := r.Receive()
		got <- ev
	}()
	select {
	case ev := <-got:
		t.Fatalf("Receive returned stale event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	b.Publish(Event{Type: EventTrainStep, Step: 4})
	select {
	case ev := <-got:
		if ev.Step != 4 {
			t.Errorf("Expected step 4, got %d", ev.Step)
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for latest event")
	}
}

// TestCloseUnblocksReceivers verifies Close wakes blocked latest receivers.
func TestCloseUnblocksReceivers(t *testing.T) {
	b := NewBus("s")
	r, err := b.SubscribeLatest("waiter")
	if err != nil {
		t.Fatalf("SubscribeLatest failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, ok := r.Receive(); ok {
			t.Error("Expected closed receiver")
		}
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()
	wg.Wait()

	// Publishing after close is a no-op
	b.Publish(Event{Type: EventPing})
	if err := b.Subscribe("late", make(chan Event, 1)); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Expected ErrBusClosed, got %v", err)
	}
}

// TestSubscriberErrors verifies duplicate, nil and unknown subscribers.
func TestSubscriberErrors(t *testing.T) {
	b := NewBus("s")
	defer b.Close()

	if err := b.Subscribe("a", nil); !errors.Is(err, ErrNilChannel) {
		t.Errorf("Expected ErrNilChannel, got %v", err)
	}
	if err := b.Subscribe("a", make(chan Event, 1)); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := b.Subscribe("a", make(chan Event, 1)); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
	if _, err := b.SubscribeLatest("a"); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("Expected ErrSubscriberExists, got %v", err)
	}
	if err := b.Unsubscribe("a"); err != nil {
		t.Errorf("Unsubscribe failed: %v", err)
	}
	if err := b.Unsubscribe("a"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("Expected ErrSubscriberNotFound, got %v", err)
	}
	if _, err := b.SubscriberStats("missing"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("Expected ErrSubscriberNotFound, got %v", err)
	}
}

// TestConcurrentPublish verifies sequence numbers stay unique under load.
func TestConcurrentPublish(t *testing.T) {
	b := NewBus("s")
	defer b.Close()

	const publishers, each = 8, 100
	ch := make(chan Event, publishers*each)
	if err := b.Subscribe("all", ch); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				b.Publish(Event{Type: EventSolve})
			}
		}()
	}
	wg.Wait()
	close(ch)

	seen := make(map[uint64]bool)
	for ev := range ch {
		if seen[ev.Seq] {
			t.Fatalf("Duplicate seq %d", ev.Seq)
		}
		seen[ev.Seq] = true
	}
	if len(seen) != publishers*each {
		t.Errorf("Expected %d events, got %d", publishers*each, len(seen))
	}
}
