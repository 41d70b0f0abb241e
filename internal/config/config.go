package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rafaelvaloto/Neura-Rig/internal/kinematics"
	"github.com/rafaelvaloto/Neura-Rig/internal/learner"
	"github.com/rafaelvaloto/Neura-Rig/internal/loss"
)

// Config represents the complete neurarigd configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // default: 5
	Network          NetworkConfig  `yaml:"network"`
	Profile          ProfileConfig  `yaml:"profile"`
	Pelvis           PelvisConfig   `yaml:"pelvis"`
	Limbs            LimbsConfig    `yaml:"limbs"`
	Training         TrainingConfig `yaml:"training"`
	Learner          LearnerConfig  `yaml:"learner"`
	Health           HealthConfig   `yaml:"health"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	Journal          JournalConfig  `yaml:"journal"`
}

// NetworkConfig contains the datagram endpoint settings
type NetworkConfig struct {
	Listen        string `yaml:"listen"`          // default :6003
	BufferBytes   int    `yaml:"buffer_bytes"`    // default 32768
	ReadTimeoutMS int    `yaml:"read_timeout_ms"` // receive poll interval, default 500
}

// ProfileConfig selects the rig profile; empty path means the built-in Foot_IK
type ProfileConfig struct {
	Path string `yaml:"path"`
}

// PelvisConfig names the pelvis blocks of the training record
type PelvisConfig struct {
	Position string `yaml:"position"`
	Rotation string `yaml:"rotation"`
}

// LimbsConfig binds both legs
type LimbsConfig struct {
	Right *LimbConfig `yaml:"right,omitempty"`
	Left  *LimbConfig `yaml:"left,omitempty"`
}

// LimbConfig binds one leg to profile blocks and skeleton geometry
type LimbConfig struct {
	HipOffset   string     `yaml:"hip_offset"`
	Contact     string     `yaml:"contact"`
	FootTarget  string     `yaml:"foot_target"`
	Thigh       string     `yaml:"thigh"`
	Calf        string     `yaml:"calf"`
	Foot        string     `yaml:"foot"`
	BoneAxis    [3]float64 `yaml:"bone_axis"`
	BoneLength1 float64    `yaml:"bone_length_1"`
	BoneLength2 float64    `yaml:"bone_length_2"`
}

// TrainingConfig contains loss and convergence settings
type TrainingConfig struct {
	ConvergenceThreshold float64 `yaml:"convergence_threshold"` // default 1e-4
	WeightsPath          string  `yaml:"weights_path"`
	ServePretrained      bool    `yaml:"serve_pretrained"` // load weights and start in solving mode
	PositionWeight       *float64 `yaml:"position_weight,omitempty"` // nil means default, 0 disables the term
	RegularizationWeight *float64 `yaml:"regularization_weight,omitempty"`
	Epsilon              *float64 `yaml:"epsilon,omitempty"`
	Frame                string  `yaml:"frame"` // pelvis, world
	LogEvery             int     `yaml:"log_every"`
}

// LearnerConfig sizes the network
type LearnerConfig struct {
	Backend      string  `yaml:"backend"` // native, loom
	HiddenSize   int     `yaml:"hidden_size"`
	HiddenLayers int     `yaml:"hidden_layers"`
	LearningRate float64 `yaml:"learning_rate"`
	MaxGradNorm  float64 `yaml:"max_grad_norm"`
	Seed         int64   `yaml:"seed"`
}

// HealthConfig contains the HTTP health server settings; port 0 disables it
type HealthConfig struct {
	Port int `yaml:"port"`
}

// MQTTConfig contains MQTT broker settings; an empty broker disables MQTT
type MQTTConfig struct {
	Broker       string          `yaml:"broker"`
	Topics       MQTTTopics      `yaml:"topics"`
	QoS          map[string]byte `yaml:"qos"`
	PublishEvery int             `yaml:"publish_every"` // sample train steps, default 10
}

// MQTTTopics contains topic roots
type MQTTTopics struct {
	Telemetry string `yaml:"telemetry"`
	Control   string `yaml:"control"`
	Health    string `yaml:"health"`
}

// JournalConfig contains training journal settings; an empty path disables it
type JournalConfig struct {
	Path      string `yaml:"path"`
	QueueSize int    `yaml:"queue_size"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// ReadTimeout returns the receive poll interval
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Network.ReadTimeoutMS) * time.Millisecond
}

// LossOptions maps the pelvis, limb and training sections onto loss options
func (c *Config) LossOptions() loss.Options {
	opts := loss.DefaultOptions()
	opts.PelvisPosition = c.Pelvis.Position
	opts.PelvisRotation = c.Pelvis.Rotation
	if c.Training.PositionWeight != nil {
		opts.PositionWeight = *c.Training.PositionWeight
	}
	if c.Training.RegularizationWeight != nil {
		opts.RegularizationWeight = *c.Training.RegularizationWeight
	}
	if c.Training.Epsilon != nil {
		opts.Epsilon = *c.Training.Epsilon
	}
	opts.Frame = loss.Frame(c.Training.Frame)

	opts.Limbs = []loss.LimbOptions{
		c.Limbs.Right.options("right"),
		c.Limbs.Left.options("left"),
	}
	return opts
}

func (l *LimbConfig) options(name string) loss.LimbOptions {
	return loss.LimbOptions{
		Name:        name,
		HipOffset:   l.HipOffset,
		Contact:     l.Contact,
		FootTarget:  l.FootTarget,
		Thigh:       l.Thigh,
		Calf:        l.Calf,
		Foot:        l.Foot,
		BoneAxis:    kinematics.Vec3(l.BoneAxis[:]),
		BoneLength1: l.BoneLength1,
		BoneLength2: l.BoneLength2,
	}
}

// LearnerConfig maps the learner section for a schema of the given sizes
func (c *Config) LearnerConfig(inputSize, outputSize int) learner.Config {
	return learner.Config{
		Backend:      c.Learner.Backend,
		InputSize:    inputSize,
		OutputSize:   outputSize,
		HiddenSize:   c.Learner.HiddenSize,
		HiddenLayers: c.Learner.HiddenLayers,
		LearningRate: c.Learner.LearningRate,
		MaxGradNorm:  c.Learner.MaxGradNorm,
		Seed:         c.Learner.Seed,
	}
}
