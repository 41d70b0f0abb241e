package kinematics

// ChainDescriptor fixes the geometry of one leg
type ChainDescriptor struct {
	HipOffset   Vector3
	BoneLength1 float64 // hip to knee
	BoneLength2 float64 // knee to foot
	BoneAxis    Vector3 // bone direction in local space
}

// ChainResult holds the joint positions produced by Chain
type ChainResult struct {
	Knee Vector3
	Foot Vector3
}

// Chain runs forward kinematics for a thigh and calf rotation. Both
// rotations are normalized first; the calf rotation is local to the thigh.
// Non-finite inputs propagate to the result.
func Chain(desc ChainDescriptor, thigh, calf Quaternion) ChainResult {
	thigh = thigh.Normalize()
	calf = calf.Normalize()

	knee := desc.HipOffset.Add(thigh.Rotate(desc.BoneAxis).Scale(desc.BoneLength1))
	calfWorld := thigh.Mul(calf).Normalize()
	foot := knee.Add(calfWorld.Rotate(desc.BoneAxis).Scale(desc.BoneLength2))

	return ChainResult{Knee: knee, Foot: foot}
}
