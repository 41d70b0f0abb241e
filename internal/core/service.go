package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rafaelvaloto/Neura-Rig/internal/config"
	"github.com/rafaelvaloto/Neura-Rig/internal/control"
	"github.com/rafaelvaloto/Neura-Rig/internal/emitter"
	"github.com/rafaelvaloto/Neura-Rig/internal/journal"
	"github.com/rafaelvaloto/Neura-Rig/internal/learner"
	"github.com/rafaelvaloto/Neura-Rig/internal/loss"
	"github.com/rafaelvaloto/Neura-Rig/internal/rig"
	"github.com/rafaelvaloto/Neura-Rig/internal/solver"
	"github.com/rafaelvaloto/Neura-Rig/internal/telemetry"
	"github.com/rafaelvaloto/Neura-Rig/internal/training"
	"github.com/rafaelvaloto/Neura-Rig/internal/transport"
)

// Service is the main neurarigd orchestrator
type Service struct {
	cfg     *config.Config
	session string

	// Core components
	schema     *rig.Schema
	learner    learner.Learner
	controller *training.Controller
	engine     *Engine
	transport  transport.Transport

	// Observers
	bus            telemetry.Bus
	hub            *telemetry.Hub
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	journal        *journal.Journal
	server         *http.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // for the MQTT shutdown command
}

// NewServiceFromFile loads the configuration at path and builds a service
func NewServiceFromFile(configPath string) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewService(cfg)
}

// NewService builds the schema, learner, controller and engine for cfg.
// Schema, loss and learner problems are fatal here, before any packet is read.
func NewService(cfg *config.Config) (*Service, error) {
	profile := rig.FootIK()
	if cfg.Profile.Path != "" {
		p, err := rig.LoadProfile(cfg.Profile.Path)
		if err != nil {
			return nil, err
		}
		profile = p
	}

	schema, err := profile.Schema()
	if err != nil {
		return nil, fmt.Errorf("failed to build schema: %w", err)
	}

	builder, err := loss.NewBuilder(schema, cfg.LossOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to bind loss to schema: %w", err)
	}

	l, err := learner.New(cfg.LearnerConfig(schema.RecordSize(), schema.RequiredOutputSize()))
	if err != nil {
		return nil, fmt.Errorf("failed to create learner: %w", err)
	}

	startMode := training.ModeTraining
	if cfg.Training.ServePretrained {
		if err := l.Load(cfg.Training.WeightsPath); err != nil {
			return nil, fmt.Errorf("failed to load pretrained weights: %w", err)
		}
		startMode = training.ModeSolving
		slog.Info("pretrained weights loaded", "path", cfg.Training.WeightsPath)
	}

	ctrl, err := training.New(training.Config{
		Learner:              l,
		Builder:              builder,
		ConvergenceThreshold: cfg.Training.ConvergenceThreshold,
		WeightsPath:          cfg.Training.WeightsPath,
		StartMode:            startMode,
		LogEvery:             cfg.Training.LogEvery,
	})
	if err != nil {
		return nil, err
	}

	session := uuid.NewString()
	bus := telemetry.NewBus(session)

	s := &Service{
		cfg:        cfg,
		session:    session,
		schema:     schema,
		learner:    l,
		controller: ctrl,
		engine:     NewEngine(ctrl, solver.New(l, schema), bus),
		bus:        bus,
	}

	slog.Info("rig schema ready",
		"profile", schema.ProfileName(),
		"record_size", schema.RecordSize(),
		"output_size", schema.RequiredOutputSize(),
		"backend", cfg.Learner.Backend,
		"mode", startMode.String(),
		"session", session,
	)

	return s, nil
}

// Engine exposes the packet loop, mainly for tests and the replay command
func (s *Service) Engine() *Engine { return s.engine }

// Session returns the id stamped on every telemetry event of this run
func (s *Service) Session() string { return s.session }

// Run starts the observers, then drives the packet loop on t until ctx is
// cancelled, a shutdown command arrives or t is exhausted. An exhausted
// replay (io.EOF) is returned to the caller.
func (s *Service) Run(ctx context.Context, t transport.Transport) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.transport = t
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("neurarig service starting",
		"instance_id", s.cfg.InstanceID,
		"session", s.session,
	)

	if err := s.startObservers(ctx); err != nil {
		s.abortStart(cancel)
		return err
	}

	slog.Info("neurarig service running", "session", s.session)

	err := s.engine.Run(ctx, t)

	slog.Info("neurarig service run loop exiting", "steps", s.controller.Steps())
	return err
}

func (s *Service) startObservers(ctx context.Context) error {
	if err := s.startJournal(ctx); err != nil {
		return err
	}

	if s.cfg.Health.Port > 0 {
		if err := s.startHub(ctx); err != nil {
			return err
		}
		if err := s.StartHealthServer(s.cfg.Health.Port); err != nil {
			return err
		}
	}

	if s.cfg.MQTT.Broker == "" {
		slog.Info("mqtt disabled (no broker configured)")
		return nil
	}
	return s.startMQTT(ctx)
}

// abortStart stops whatever Run started before an observer failed and
// leaves the service ready for another Run
func (s *Service) abortStart(cancel context.CancelFunc) {
	slog.Warn("startup failed, stopping started components")

	if s.controlHandler != nil {
		s.controlHandler.Stop()
	}
	cancel()
	s.wg.Wait()
	_ = s.bus.Unsubscribe("journal")

	if s.journal != nil {
		if err := s.journal.EndSession(context.Background(), s.session, s.controller.Steps(), s.controller.LastLoss()); err != nil {
			slog.Error("failed to close journal session", "error", err)
		}
		s.journal.Close()
	}
	if s.emitter != nil {
		s.emitter.Disconnect()
	}
	if s.server != nil {
		s.server.Shutdown(context.Background())
	}
	if s.transport != nil {
		s.transport.Close()
	}

	s.mu.Lock()
	s.journal = nil
	s.hub = nil
	s.emitter = nil
	s.controlHandler = nil
	s.server = nil
	s.transport = nil
	s.cancelCtx = nil
	s.isRunning = false
	s.mu.Unlock()
}

func (s *Service) startJournal(ctx context.Context) error {
	if s.cfg.Journal.Path == "" {
		return nil
	}

	j, err := journal.Open(s.cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	err = j.BeginSession(ctx, journal.Session{
		ID:         s.session,
		InstanceID: s.cfg.InstanceID,
		Profile:    s.schema.ProfileName(),
		Backend:    s.cfg.Learner.Backend,
		StartMode:  s.controller.Mode().String(),
		StartedAt:  s.started,
	})
	if err != nil {
		j.Close()
		return fmt.Errorf("failed to record session: %w", err)
	}
	s.journal = j

	// Subscribe before the packet loop starts so no step is missed
	events := make(chan telemetry.Event, s.cfg.Journal.QueueSize)
	if err := s.bus.Subscribe("journal", events); err != nil {
		return fmt.Errorf("failed to subscribe journal: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		j.Run(ctx, events)
	}()

	slog.Info("training journal enabled", "path", s.cfg.Journal.Path)
	return nil
}

func (s *Service) startHub(ctx context.Context) error {
	hub, err := telemetry.NewHub(s.bus, "websocket")
	if err != nil {
		return fmt.Errorf("failed to create websocket hub: %w", err)
	}
	s.hub = hub

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		hub.Run(ctx)
	}()
	return nil
}

func (s *Service) startMQTT(ctx context.Context) error {
	s.emitter = emitter.NewMQTTEmitter(s.cfg)
	if err := s.emitter.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	s.controlHandler = control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
		OnGetStatus:  s.GetStatus,
		OnGetMetrics: s.getMetrics,
		OnShutdown:   s.shutdownViaControl,
	})
	if err := s.controlHandler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.emitter.Run(ctx, s.bus); err != nil {
			slog.Error("mqtt emitter stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publishHealth(ctx, 30*time.Second)
	}()

	return nil
}

// publishHealth pushes the health snapshot to MQTT on every tick
func (s *Service) publishHealth(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := s.HealthCheck().JSON()
			if err != nil {
				continue
			}
			if err := s.emitter.PublishHealth(payload); err != nil {
				slog.Debug("failed to publish health", "error", err)
			}
		}
	}
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelCtx
	s.mu.Unlock()

	slog.Info("shutting down neurarig service")

	// 1. Stop accepting commands
	if s.controlHandler != nil {
		slog.Info("stopping control handler")
		if err := s.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 2. Stop the packet loop and observers
	if cancel != nil {
		cancel()
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			slog.Error("failed to close transport", "error", err)
		}
	}

	// 3. Wait for observers to drain (without holding the lock)
	slog.Info("waiting for goroutines to finish")
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		slog.Warn("shutdown timeout waiting for goroutines")
	}

	// 4. Close the session record
	if s.journal != nil {
		if err := s.journal.EndSession(context.Background(), s.session, s.controller.Steps(), s.controller.LastLoss()); err != nil {
			slog.Error("failed to close journal session", "error", err)
		}
		if err := s.journal.Close(); err != nil {
			slog.Error("failed to close journal", "error", err)
		}
	}

	// 5. Disconnect MQTT
	if s.emitter != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}

	// 6. Health server last so health checks see the shutdown
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	s.bus.Close()

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("neurarig service shutdown complete",
		"uptime", uptime,
		"steps", s.controller.Steps(),
		"saved", s.controller.Saved(),
	)

	return nil
}

func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	cancel := s.cancelCtx
	s.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("service is not running")
	}
	cancel()
	return nil
}

// GetStatus returns the current status of the service
func (s *Service) GetStatus() map[string]interface{} {
	s.mu.RLock()
	started, running := s.started, s.isRunning
	s.mu.RUnlock()

	st := s.engine.Status()
	return map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"session":     s.session,
		"profile":     s.schema.ProfileName(),
		"uptime_s":    time.Since(started).Seconds(),
		"running":     running,
		"mode":        st.Mode.String(),
		"steps":       st.Steps,
		"last_loss":   st.LastLoss,
		"saved":       st.Saved,
		"bones":       st.Bones,
	}
}

func (s *Service) getMetrics() map[string]interface{} {
	st := s.engine.Status()
	out := map[string]interface{}{
		"packets":   st.Packets,
		"pings":     st.Pings,
		"rig_setup": st.RigSetups,
		"solves":    st.Solves,
		"replies":   st.Replies,
		"malformed": st.Malformed,
		"ignored":   st.Ignored,
		"errors":    st.Errors,
	}
	if s.emitter != nil {
		es := s.emitter.Stats()
		out["mqtt_errors"] = es.Errors
		out["mqtt_skipped"] = es.Skipped
	}
	return out
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	timeout := s.cfg.ShutdownTimeout()
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}
