package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rafaelvaloto/Neura-Rig/internal/telemetry"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

// TestRecordStepsAndConvergence verifies train steps are stored newest first
// and convergence marks the session.
func TestRecordStepsAndConvergence(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)
	id := uuid.NewString()

	if err := j.BeginSession(ctx, Session{ID: id, InstanceID: "rig", Profile: "Foot_IK", Backend: "native", StartMode: "training"}); err != nil {
		t.Fatalf("BeginSession failed: %v", err)
	}

	now := time.Now()
	for step := uint64(1); step <= 3; step++ {
		ev := telemetry.Event{Seq: step, Time: now, Session: id, Type: telemetry.EventTrainStep,
			Mode: "training", Step: step, Records: 1, Loss: float64(10 - step)}
		if err := j.Record(ctx, ev); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	conv := telemetry.Event{Seq: 4, Time: now, Session: id, Type: telemetry.EventConverged,
		Mode: "solving", Step: 4, Records: 1, Loss: 5e-5}
	if err := j.Record(ctx, conv); err != nil {
		t.Fatalf("Record converged failed: %v", err)
	}
	if err := j.Record(ctx, telemetry.Event{Session: id, Type: telemetry.EventPing, Time: now}); err != nil {
		t.Fatalf("Record ping failed: %v", err)
	}

	steps, err := j.RecentSteps(ctx, 2)
	if err != nil {
		t.Fatalf("RecentSteps failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].Step != 4 || steps[0].Mode != "solving" || steps[1].Step != 3 {
		t.Errorf("unexpected order: %+v", steps)
	}

	if err := j.EndSession(ctx, id, 4, 5e-5); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	sessions, err := j.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	s := sessions[0]
	if s.ID != id || s.ConvergedStep != 4 || s.Steps != 4 || s.EndedAt.IsZero() {
		t.Errorf("unexpected session %+v", s)
	}

	if n, err := j.EventCount(ctx, id, telemetry.EventConverged); err != nil || n != 1 {
		t.Errorf("converged events = %d (%v), want 1", n, err)
	}
	if n, _ := j.EventCount(ctx, id, telemetry.EventPing); n != 0 {
		t.Errorf("ping events = %d, want 0", n)
	}
}

// TestRunDrainsBus verifies the async writer persists bus events, including
// those still queued at cancellation.
func TestRunDrainsBus(t *testing.T) {
	ctx := context.Background()
	j := openTemp(t)
	id := uuid.NewString()
	if err := j.BeginSession(ctx, Session{ID: id, InstanceID: "rig", Profile: "p", Backend: "native", StartMode: "training"}); err != nil {
		t.Fatal(err)
	}

	bus := telemetry.NewBus(id)
	defer bus.Close()

	events := make(chan telemetry.Event, 64)
	if err := bus.Subscribe("journal", events); err != nil {
		t.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		j.Run(runCtx, events)
		close(done)
	}()

	for step := uint64(1); step <= 10; step++ {
		bus.Publish(telemetry.Event{Type: telemetry.EventTrainStep, Mode: "training", Step: step, Records: 1, Loss: 1})
	}
	bus.Publish(telemetry.Event{Type: telemetry.EventMalformed, Mode: "training", Detail: "50 floats"})

	cancel()
	<-done

	steps, err := j.RecentSteps(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 10 {
		t.Errorf("persisted %d steps, want 10", len(steps))
	}
	if n, _ := j.EventCount(ctx, id, telemetry.EventMalformed); n != 1 {
		t.Errorf("malformed events = %d, want 1", n)
	}
}

// TestClosed verifies writes after Close fail with ErrClosed.
func TestClosed(t *testing.T) {
	j := openTemp(t)
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	err := j.Record(context.Background(), telemetry.Event{Type: telemetry.EventSolve})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
