package loss

import "github.com/rafaelvaloto/Neura-Rig/internal/kinematics"

// Frame names the space the hip offsets and foot targets are expressed in
type Frame string

const (
	// FramePelvis: hip offsets, targets and limb rotations are pelvis-relative.
	FramePelvis Frame = "pelvis"
	// FrameWorld: targets are in world space; the pelvis pose is applied to
	// the hip offset and the thigh rotation before the chain is evaluated.
	FrameWorld Frame = "world"
)

// LimbOptions binds one leg to schema blocks and skeleton geometry
type LimbOptions struct {
	Name string

	// Training record blocks
	HipOffset  string
	Contact    string
	FootTarget string

	// Predicted record blocks
	Thigh string
	Calf  string
	Foot  string

	BoneAxis    kinematics.Vector3
	BoneLength1 float64
	BoneLength2 float64
}

// Options configures the loss
type Options struct {
	PelvisPosition string
	PelvisRotation string
	Limbs          []LimbOptions

	PositionWeight       float64
	RegularizationWeight float64
	Epsilon              float64
	Frame                Frame
}

// DefaultOptions binds the Foot_IK profile with the reference skeleton's
// bone lengths
func DefaultOptions() Options {
	return Options{
		PelvisPosition: "PelvisPosition",
		PelvisRotation: "PelvisRotation",
		Limbs: []LimbOptions{
			{
				Name:        "right",
				HipOffset:   "HipOffsetR",
				Contact:     "HasHitR",
				FootTarget:  "FootTargetR",
				Thigh:       "ThighRotationR",
				Calf:        "CalfRotationR",
				Foot:        "FootRotationR",
				BoneAxis:    kinematics.Vector3{X: 1},
				BoneLength1: 45.751953,
				BoneLength2: 41.705513,
			},
			{
				Name:        "left",
				HipOffset:   "HipOffsetL",
				Contact:     "HasHitL",
				FootTarget:  "FootTargetL",
				Thigh:       "ThighRotationL",
				Calf:        "CalfRotationL",
				Foot:        "FootRotationL",
				BoneAxis:    kinematics.Vector3{X: -1},
				BoneLength1: 45.752106,
				BoneLength2: 41.705494,
			},
		},
		PositionWeight:       1.0,
		RegularizationWeight: 0.1,
		Epsilon:              1e-4,
		Frame:                FramePelvis,
	}
}
