package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rafaelvaloto/Neura-Rig/internal/loss"
	"github.com/rafaelvaloto/Neura-Rig/internal/protocol"
	"github.com/rafaelvaloto/Neura-Rig/internal/rig"
	"github.com/rafaelvaloto/Neura-Rig/internal/solver"
	"github.com/rafaelvaloto/Neura-Rig/internal/telemetry"
	"github.com/rafaelvaloto/Neura-Rig/internal/training"
	"github.com/rafaelvaloto/Neura-Rig/internal/transport"
)

// Outcome describes what the engine did with one datagram
type Outcome struct {
	Kind  protocol.Kind
	Ping  bool
	Bones int                 // rig setup: bones now known
	Step  training.StepResult // pose data
	Reply []byte              // solver output to send back, nil if none
}

// EngineStatus is a snapshot of the packet loop, safe to read from any
// goroutine
type EngineStatus struct {
	Mode       training.Mode `json:"mode"`
	Steps      uint64        `json:"steps"`
	LastLoss   float64       `json:"last_loss"`
	Saved      bool          `json:"saved"`
	Bones      int           `json:"bones"`
	Packets    uint64        `json:"packets"`
	Pings      uint64        `json:"pings"`
	RigSetups  uint64        `json:"rig_setups"`
	Solves     uint64        `json:"solves"`
	Replies    uint64        `json:"replies"`
	Malformed  uint64        `json:"malformed"`
	Ignored    uint64        `json:"ignored"`
	Errors     uint64        `json:"errors"`
	LastPacket time.Time     `json:"last_packet"`
}

// Engine routes datagrams between the training controller and the solver.
// HandleDatagram and Run must be driven from a single goroutine; Status may
// be called concurrently.
type Engine struct {
	controller *training.Controller
	solver     *solver.Solver
	bus        telemetry.Bus
	bones      *rig.BoneMap

	mu     sync.RWMutex
	status EngineStatus
}

// NewEngine wires a controller and solver sharing one learner. bus may be nil.
func NewEngine(c *training.Controller, s *solver.Solver, bus telemetry.Bus) *Engine {
	e := &Engine{
		controller: c,
		solver:     s,
		bus:        bus,
		bones:      rig.NewBoneMap(),
	}
	e.status.Mode = c.Mode()
	e.status.Steps = c.Steps()
	return e
}

// Bones returns the current bone map. Only the loop goroutine may call it.
func (e *Engine) Bones() *rig.BoneMap { return e.bones }

// Status returns a copy of the current loop state
func (e *Engine) Status() EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// HandleDatagram processes one raw datagram. Errors describe the packet that
// failed and never leave the engine in a partial state.
func (e *Engine) HandleDatagram(raw []byte) (Outcome, error) {
	e.update(func(s *EngineStatus) {
		s.Packets++
		s.LastPacket = time.Now()
	})

	pkt, err := protocol.Decode(raw)
	if errors.Is(err, protocol.ErrPing) {
		e.update(func(s *EngineStatus) { s.Pings++ })
		e.publish(telemetry.Event{Type: telemetry.EventPing})
		return Outcome{Ping: true}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	switch pkt.Kind {
	case protocol.KindRigSetup:
		return e.handleRigSetup(pkt)
	case protocol.KindPoseData:
		return e.handlePose(pkt)
	default:
		e.update(func(s *EngineStatus) { s.Ignored++ })
		slog.Debug("ignoring packet", "kind", pkt.Kind.String(), "size", len(raw))
		return Outcome{Kind: pkt.Kind}, nil
	}
}

func (e *Engine) handleRigSetup(pkt protocol.Packet) (Outcome, error) {
	bones, err := rig.ParseBoneSetup(pkt.Payload)
	e.bones = bones

	for _, i := range bones.Indices() {
		name, _ := bones.Name(i)
		slog.Info("bone registered", "index", i, "name", name)
	}

	e.update(func(s *EngineStatus) {
		s.RigSetups++
		s.Bones = bones.Len()
	})

	ev := telemetry.Event{Type: telemetry.EventRigSetup, Bones: bones.Len()}
	if err != nil {
		ev.Detail = err.Error()
	}
	e.publish(ev)

	out := Outcome{Kind: pkt.Kind, Bones: bones.Len()}
	if err != nil {
		return out, fmt.Errorf("rig setup: %w", err)
	}
	return out, nil
}

func (e *Engine) handlePose(pkt protocol.Packet) (Outcome, error) {
	floats := pkt.Float64s()
	out := Outcome{Kind: pkt.Kind}

	if e.controller.Mode() == training.ModeTraining {
		res, err := e.controller.OnPosePacket(floats)
		out.Step = res
		if err != nil {
			e.fail(err, len(floats))
			return out, err
		}
		e.afterStep(res)
		if !res.Converged {
			return out, nil
		}
		// The converging packet is answered like any solving-mode packet
	}

	preds, err := e.solver.Solve(floats)
	if err != nil {
		e.fail(err, len(floats))
		return out, err
	}
	if len(preds) == 0 {
		return out, nil
	}

	out.Reply = protocol.EncodeFloat64s(protocol.KindSolverOutput, solver.Flatten(preds))
	e.update(func(s *EngineStatus) { s.Solves++ })
	e.publish(telemetry.Event{Type: telemetry.EventSolve, Records: len(preds)})
	return out, nil
}

func (e *Engine) afterStep(res training.StepResult) {
	e.update(func(s *EngineStatus) {
		s.Mode = res.Mode
		s.Steps = e.controller.Steps()
		s.Saved = e.controller.Saved()
		if res.Taken {
			s.LastLoss = res.Loss.Total
		}
	})
	if !res.Taken {
		return
	}

	ev := telemetry.Event{
		Type:           telemetry.EventTrainStep,
		Step:           res.Step,
		Records:        res.Records,
		Loss:           res.Loss.Total,
		Position:       res.Loss.Position,
		Regularization: res.Loss.Regularization,
		Limbs:          limbSamples(res.Loss.Limbs),
	}
	if res.Converged {
		ev.Type = telemetry.EventConverged
		if res.SaveErr != nil {
			ev.Detail = "save failed: " + res.SaveErr.Error()
		}
	}
	e.publish(ev)
}

func (e *Engine) fail(err error, floats int) {
	if errors.Is(err, training.ErrMalformedRecord) {
		e.update(func(s *EngineStatus) { s.Malformed++ })
		e.publish(telemetry.Event{
			Type:   telemetry.EventMalformed,
			Detail: fmt.Sprintf("%d floats", floats),
		})
		return
	}
	e.update(func(s *EngineStatus) { s.Errors++ })
}

// Run receives datagrams and answers solver queries until ctx is cancelled
// or the transport fails. io.EOF from a finite source is returned as is.
func (e *Engine) Run(ctx context.Context, t transport.Transport) error {
	slog.Info("packet loop started", "mode", e.controller.Mode().String())

	for {
		dg, err := t.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrNoData) {
				continue
			}
			if ctx.Err() != nil {
				slog.Info("packet loop stopping", "steps", e.controller.Steps())
				return nil
			}
			return err
		}

		out, err := e.HandleDatagram(dg.Data)
		if err != nil {
			slog.Warn("packet rejected",
				"kind", out.Kind.String(),
				"size", len(dg.Data),
				"from", addrString(dg),
				"error", err,
			)
			continue
		}

		if out.Reply == nil || dg.From == nil {
			continue
		}
		if err := t.Send(dg.From, out.Reply); err != nil {
			slog.Warn("failed to send solver output", "to", dg.From.String(), "error", err)
			continue
		}
		e.update(func(s *EngineStatus) { s.Replies++ })
	}
}

func (e *Engine) update(fn func(*EngineStatus)) {
	e.mu.Lock()
	fn(&e.status)
	e.mu.Unlock()
}

func (e *Engine) publish(ev telemetry.Event) {
	if e.bus == nil {
		return
	}
	if ev.Mode == "" {
		ev.Mode = e.controller.Mode().String()
	}
	e.bus.Publish(ev)
}

func limbSamples(limbs []loss.LimbResult) []telemetry.LimbSample {
	if len(limbs) == 0 {
		return nil
	}
	out := make([]telemetry.LimbSample, len(limbs))
	for i, l := range limbs {
		out[i] = telemetry.LimbSample{
			Name:    l.Name,
			Foot:    [3]float64{l.Foot.X, l.Foot.Y, l.Foot.Z},
			Target:  [3]float64{l.Target.X, l.Target.Y, l.Target.Z},
			Contact: l.Contact,
			Error:   l.L1,
		}
	}
	return out
}

func addrString(dg transport.Datagram) string {
	if dg.From == nil {
		return ""
	}
	return dg.From.String()
}
