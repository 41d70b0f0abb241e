package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rafaelvaloto/Neura-Rig/internal/config"
	"github.com/rafaelvaloto/Neura-Rig/internal/telemetry"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return newToken(p.err)
}

func (p *fakePublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func testEmitter(t *testing.T) (*MQTTEmitter, *fakePublisher) {
	t.Helper()
	cfg, err := config.Parse([]byte("instance_id: rig-test\nmqtt:\n  publish_every: 5\n"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	e := NewMQTTEmitter(cfg)
	p := &fakePublisher{}
	e.pub = p
	e.connected = true
	return e, p
}

// TestPublishTopicsAndQoS verifies events land on {telemetry}/{type} with the
// configured QoS.
func TestPublishTopicsAndQoS(t *testing.T) {
	e, p := testEmitter(t)

	if err := e.Publish(telemetry.Event{Type: telemetry.EventConverged, Step: 12, Loss: 1e-5}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	msgs := p.all()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "neurarig/telemetry/rig-test/converged" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	if msgs[0].qos != 1 {
		t.Errorf("qos = %d, want 1", msgs[0].qos)
	}

	var ev telemetry.Event
	if err := json.Unmarshal(msgs[0].payload, &ev); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if ev.Step != 12 {
		t.Errorf("step = %d", ev.Step)
	}

	if got := e.Stats().Published["neurarig/telemetry/rig-test/converged"]; got != 1 {
		t.Errorf("published count = %d", got)
	}
}

// TestTrainStepSampling verifies only every publish_every-th train step is
// sent and pings are never sent.
func TestTrainStepSampling(t *testing.T) {
	e, p := testEmitter(t)

	for step := uint64(1); step <= 10; step++ {
		if err := e.Publish(telemetry.Event{Type: telemetry.EventTrainStep, Step: step}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	_ = e.Publish(telemetry.Event{Type: telemetry.EventPing})

	msgs := p.all()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2 (steps 5 and 10)", len(msgs))
	}
	if st := e.Stats(); st.Skipped != 8 {
		t.Errorf("skipped = %d, want 8", st.Skipped)
	}
}

// TestPublishErrors verifies disconnected and failing publishes are counted.
func TestPublishErrors(t *testing.T) {
	e, p := testEmitter(t)

	p.err = errors.New("broker gone")
	if err := e.Publish(telemetry.Event{Type: telemetry.EventSolve}); err == nil {
		t.Error("expected publish error")
	}

	e.setConnected(false)
	if err := e.Publish(telemetry.Event{Type: telemetry.EventSolve}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := e.PublishHealth([]byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	if st := e.Stats(); st.Errors != 2 {
		t.Errorf("errors = %d, want 2", st.Errors)
	}
}

// TestRunForwardsBusEvents verifies Run drains a bus subscription.
func TestRunForwardsBusEvents(t *testing.T) {
	e, p := testEmitter(t)
	bus := telemetry.NewBus("s")
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, bus) }()

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := bus.Stats().Subscribers["mqtt-emitter"]; ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("emitter never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(telemetry.Event{Type: telemetry.EventRigSetup, Bones: 4})

	for len(p.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never published")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
	if msgs := p.all(); msgs[0].topic != "neurarig/telemetry/rig-test/rig_setup" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
}

// TestBrokerURL verifies a bare host gets tcp:// and an explicit scheme is
// kept as written.
func TestBrokerURL(t *testing.T) {
	tests := []struct {
		broker string
		want   string
	}{
		{"localhost:1883", "tcp://localhost:1883"},
		{"tcp://localhost:1883", "tcp://localhost:1883"},
		{"ssl://broker.local:8883", "ssl://broker.local:8883"},
	}
	for _, tt := range tests {
		if got := brokerURL(tt.broker); got != tt.want {
			t.Errorf("brokerURL(%q) = %q, want %q", tt.broker, got, tt.want)
		}
	}
}
