package config

import (
	"fmt"
	"math"
	"regexp"

	"github.com/rafaelvaloto/Neura-Rig/internal/learner"
	"github.com/rafaelvaloto/Neura-Rig/internal/loss"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateNetwork(&cfg.Network); err != nil {
		return fmt.Errorf("network: %w", err)
	}

	if cfg.Pelvis.Position == "" {
		cfg.Pelvis.Position = "PelvisPosition"
	}
	if cfg.Pelvis.Rotation == "" {
		cfg.Pelvis.Rotation = "PelvisRotation"
	}

	defaults := loss.DefaultOptions()
	if cfg.Limbs.Right == nil {
		cfg.Limbs.Right = limbFromOptions(defaults.Limbs[0])
	}
	if cfg.Limbs.Left == nil {
		cfg.Limbs.Left = limbFromOptions(defaults.Limbs[1])
	}
	if err := validateLimb(cfg.Limbs.Right); err != nil {
		return fmt.Errorf("limbs.right: %w", err)
	}
	if err := validateLimb(cfg.Limbs.Left); err != nil {
		return fmt.Errorf("limbs.left: %w", err)
	}

	if err := validateTraining(&cfg.Training, defaults); err != nil {
		return fmt.Errorf("training: %w", err)
	}

	switch cfg.Learner.Backend {
	case "":
		cfg.Learner.Backend = learner.BackendNative
	case learner.BackendNative, learner.BackendLoom:
	default:
		return fmt.Errorf("learner.backend must be %q or %q, got %q",
			learner.BackendNative, learner.BackendLoom, cfg.Learner.Backend)
	}
	if cfg.Learner.HiddenSize < 0 || cfg.Learner.HiddenLayers < 0 {
		return fmt.Errorf("learner.hidden_size and learner.hidden_layers must be >= 0")
	}
	if cfg.Learner.LearningRate < 0 {
		return fmt.Errorf("learner.learning_rate must be >= 0")
	}

	if cfg.Health.Port < 0 || cfg.Health.Port > 65535 {
		return fmt.Errorf("health.port must be in [0, 65535]")
	}

	validateMQTT(cfg)

	if cfg.Journal.QueueSize <= 0 {
		cfg.Journal.QueueSize = 256
	}

	return nil
}

func validateNetwork(n *NetworkConfig) error {
	if n.Listen == "" {
		n.Listen = ":6003"
	}
	if n.BufferBytes == 0 {
		n.BufferBytes = 32 * 1024
	}
	if n.BufferBytes < 2 {
		return fmt.Errorf("buffer_bytes must be >= 2, got %d", n.BufferBytes)
	}
	if n.ReadTimeoutMS == 0 {
		n.ReadTimeoutMS = 500
	}
	if n.ReadTimeoutMS < 0 {
		return fmt.Errorf("read_timeout_ms must be > 0")
	}
	return nil
}

func validateLimb(l *LimbConfig) error {
	blocks := []struct{ key, value string }{
		{"hip_offset", l.HipOffset},
		{"contact", l.Contact},
		{"foot_target", l.FootTarget},
		{"thigh", l.Thigh},
		{"calf", l.Calf},
		{"foot", l.Foot},
	}
	for _, b := range blocks {
		if b.value == "" {
			return fmt.Errorf("%s block is required", b.key)
		}
	}

	axis := l.BoneAxis
	n := math.Sqrt(axis[0]*axis[0] + axis[1]*axis[1] + axis[2]*axis[2])
	if n == 0 {
		return fmt.Errorf("bone_axis must be non-zero")
	}
	if l.BoneLength1 <= 0 || l.BoneLength2 <= 0 {
		return fmt.Errorf("bone lengths must be > 0, got %g and %g", l.BoneLength1, l.BoneLength2)
	}
	return nil
}

func validateTraining(t *TrainingConfig, defaults loss.Options) error {
	if t.ConvergenceThreshold == 0 {
		t.ConvergenceThreshold = 1e-4
	}
	if t.ConvergenceThreshold < 0 {
		return fmt.Errorf("convergence_threshold must be > 0")
	}
	if t.WeightsPath == "" {
		t.WeightsPath = "neurarig_weights.bin"
	}
	if t.PositionWeight == nil {
		t.PositionWeight = &defaults.PositionWeight
	}
	if t.RegularizationWeight == nil {
		t.RegularizationWeight = &defaults.RegularizationWeight
	}
	if t.Epsilon == nil {
		t.Epsilon = &defaults.Epsilon
	}
	if *t.PositionWeight < 0 || *t.RegularizationWeight < 0 {
		return fmt.Errorf("position_weight and regularization_weight must be >= 0")
	}
	// the position term divides by grounded legs + epsilon
	if *t.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be > 0")
	}

	switch loss.Frame(t.Frame) {
	case "":
		t.Frame = string(loss.FramePelvis)
	case loss.FramePelvis, loss.FrameWorld:
	default:
		return fmt.Errorf("frame must be %q or %q, got %q", loss.FramePelvis, loss.FrameWorld, t.Frame)
	}

	if t.LogEvery == 0 {
		t.LogEvery = 30
	}
	if t.LogEvery < 0 {
		t.LogEvery = 0
	}
	return nil
}

func validateMQTT(cfg *Config) {
	if cfg.MQTT.Topics.Telemetry == "" {
		cfg.MQTT.Topics.Telemetry = fmt.Sprintf("neurarig/telemetry/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("neurarig/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("neurarig/health/%s", cfg.InstanceID)
	}

	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control":    1,
			"converged":  1,
			"rig_setup":  1,
			"train_step": 0,
			"solve":      0,
			"malformed":  0,
			"health":     0,
		}
	}

	if cfg.MQTT.PublishEvery <= 0 {
		cfg.MQTT.PublishEvery = 10
	}
}

func limbFromOptions(o loss.LimbOptions) *LimbConfig {
	return &LimbConfig{
		HipOffset:   o.HipOffset,
		Contact:     o.Contact,
		FootTarget:  o.FootTarget,
		Thigh:       o.Thigh,
		Calf:        o.Calf,
		Foot:        o.Foot,
		BoneAxis:    [3]float64{o.BoneAxis.X, o.BoneAxis.Y, o.BoneAxis.Z},
		BoneLength1: o.BoneLength1,
		BoneLength2: o.BoneLength2,
	}
}
