// Package loss turns predicted joint rotations into a differentiable
// training signal: the rotations are run through two-bone forward kinematics
// and the resulting foot positions are compared with the foot targets of the
// legs that touch the ground.
package loss

import (
	"errors"
	"fmt"

	"github.com/rafaelvaloto/Neura-Rig/internal/autograd"
	"github.com/rafaelvaloto/Neura-Rig/internal/kinematics"
	"github.com/rafaelvaloto/Neura-Rig/internal/rig"
)

var (
	ErrUnknownField = errors.New("loss: unknown schema field")
	ErrFieldWidth   = errors.New("loss: unexpected field width")
	ErrShape        = errors.New("loss: record or prediction has wrong width")
)

type limbFields struct {
	opts    LimbOptions
	axis    [3]float64
	hip     rig.Field
	contact rig.Field
	target  rig.Field
	thigh   rig.Field
	calf    rig.Field
	foot    rig.Field
}

// Builder builds per-record loss graphs for one schema
type Builder struct {
	schema  *rig.Schema
	opts    Options
	pelvisP rig.Field
	pelvisR rig.Field
	limbs   []limbFields
}

// LimbPose is the per-leg slice of a training record
type LimbPose struct {
	HipOffset  kinematics.Vector3
	Contact    float64 // 0 or 1
	FootTarget kinematics.Vector3
}

// Pose is a training record split into named values
type Pose struct {
	PelvisPosition kinematics.Vector3
	PelvisRotation kinematics.Quaternion
	Limbs          []LimbPose
}

// LimbResult carries forward kinematics diagnostics for one leg
type LimbResult struct {
	Name    string
	Knee    kinematics.Vector3
	Foot    kinematics.Vector3
	Target  kinematics.Vector3
	Contact float64
	L1      float64 // unmasked foot to target distance
}

// Result is the value of a loss graph and its parts
type Result struct {
	Total          float64
	Position       float64
	Regularization float64
	Records        int
	Limbs          []LimbResult
}

// NewBuilder resolves every configured block against schema
func NewBuilder(schema *rig.Schema, opts Options) (*Builder, error) {
	if len(opts.Limbs) == 0 {
		return nil, fmt.Errorf("loss: no limbs configured")
	}
	if opts.Frame == "" {
		opts.Frame = FramePelvis
	}
	if opts.Frame != FramePelvis && opts.Frame != FrameWorld {
		return nil, fmt.Errorf("loss: unknown frame %q", opts.Frame)
	}

	b := &Builder{schema: schema, opts: opts}

	var err error
	if opts.Frame == FrameWorld {
		if b.pelvisP, err = recordField(schema, opts.PelvisPosition, 3); err != nil {
			return nil, err
		}
		if b.pelvisR, err = recordField(schema, opts.PelvisRotation, 4); err != nil {
			return nil, err
		}
	}

	for _, lo := range opts.Limbs {
		lf := limbFields{
			opts: lo,
			axis: [3]float64{lo.BoneAxis.X, lo.BoneAxis.Y, lo.BoneAxis.Z},
		}
		if lf.hip, err = recordField(schema, lo.HipOffset, 3); err != nil {
			return nil, err
		}
		if lf.contact, err = recordField(schema, lo.Contact, 1); err != nil {
			return nil, err
		}
		if lf.target, err = recordField(schema, lo.FootTarget, 3); err != nil {
			return nil, err
		}
		if lf.thigh, err = outputField(schema, lo.Thigh); err != nil {
			return nil, err
		}
		if lf.calf, err = outputField(schema, lo.Calf); err != nil {
			return nil, err
		}
		if lf.foot, err = outputField(schema, lo.Foot); err != nil {
			return nil, err
		}
		b.limbs = append(b.limbs, lf)
	}

	return b, nil
}

func recordField(s *rig.Schema, name string, width int) (rig.Field, error) {
	f, ok := s.RecordField(name)
	if !ok {
		return rig.Field{}, fmt.Errorf("%w: record block %q", ErrUnknownField, name)
	}
	if f.Width != width {
		return rig.Field{}, fmt.Errorf("%w: %q has %d floats, need %d", ErrFieldWidth, name, f.Width, width)
	}
	return f, nil
}

func outputField(s *rig.Schema, name string) (rig.Field, error) {
	f, ok := s.OutputField(name)
	if !ok {
		return rig.Field{}, fmt.Errorf("%w: output block %q", ErrUnknownField, name)
	}
	if f.Width != 4 {
		return rig.Field{}, fmt.Errorf("%w: %q has %d floats, need 4", ErrFieldWidth, name, f.Width)
	}
	return f, nil
}

// Extract slices one training record into named values. Contact flags are
// binarized at 0.5.
func (b *Builder) Extract(record []float64) (Pose, error) {
	if len(record) != b.schema.RecordSize() {
		return Pose{}, fmt.Errorf("%w: record has %d floats, need %d", ErrShape, len(record), b.schema.RecordSize())
	}

	p := Pose{PelvisRotation: kinematics.Identity()}
	if b.opts.Frame == FrameWorld {
		p.PelvisPosition = kinematics.Vec3(b.pelvisP.Slice(record))
		p.PelvisRotation = kinematics.Quat(b.pelvisR.Slice(record))
	}
	for _, lf := range b.limbs {
		contact := 0.0
		if lf.contact.Slice(record)[0] >= 0.5 {
			contact = 1
		}
		p.Limbs = append(p.Limbs, LimbPose{
			HipOffset:  kinematics.Vec3(lf.hip.Slice(record)),
			Contact:    contact,
			FootTarget: kinematics.Vec3(lf.target.Slice(record)),
		})
	}
	return p, nil
}

// Build returns the loss graph for one record and its predicted rotations.
//
// Each leg's thigh and calf rotations are normalized and chained; the foot's
// L1 distance to its target counts only when the leg is grounded, and the sum
// is divided by the number of grounded legs (plus Epsilon). A regularizer
// pulls every raw predicted quaternion toward unit length.
func (b *Builder) Build(record []float64, pred *autograd.Vec) (*autograd.Scalar, Result, error) {
	if pred.Len() != b.schema.RequiredOutputSize() {
		return nil, Result{}, fmt.Errorf("%w: prediction has %d floats, need %d",
			ErrShape, pred.Len(), b.schema.RequiredOutputSize())
	}
	pose, err := b.Extract(record)
	if err != nil {
		return nil, Result{}, err
	}

	res := Result{Records: 1}
	var masked, reg []*autograd.Scalar
	contactSum := 0.0

	var pelvis *autograd.Vec
	pelvisRot := pose.PelvisRotation.Normalize()
	if b.opts.Frame == FrameWorld {
		pelvis = autograd.Const(pelvisRot.Slice())
	}

	for i, lf := range b.limbs {
		lp := pose.Limbs[i]

		thighRaw := pred.Slice(lf.thigh.Offset, lf.thigh.Offset+4)
		calfRaw := pred.Slice(lf.calf.Offset, lf.calf.Offset+4)
		footRaw := pred.Slice(lf.foot.Offset, lf.foot.Offset+4)

		thigh := thighRaw.Normalize()
		calf := calfRaw.Normalize()
		hip := lp.HipOffset
		if pelvis != nil {
			hip = pose.PelvisPosition.Add(pelvisRot.Rotate(hip))
			thigh = autograd.QuatMul(pelvis, thigh).Normalize()
		}

		knee := autograd.Const(hip.Slice()).Add(autograd.QuatRotate(thigh, lf.axis).Scale(lf.opts.BoneLength1))
		calfWorld := autograd.QuatMul(thigh, calf).Normalize()
		foot := knee.Add(autograd.QuatRotate(calfWorld, lf.axis).Scale(lf.opts.BoneLength2))

		dist := foot.Sub(autograd.Const(lp.FootTarget.Slice())).Abs().Sum()
		masked = append(masked, dist.MulF(lp.Contact))
		contactSum += lp.Contact

		for _, q := range []*autograd.Vec{thighRaw, calfRaw, footRaw} {
			reg = append(reg, q.Norm().AddF(-1).Square())
		}

		res.Limbs = append(res.Limbs, LimbResult{
			Name:    lf.opts.Name,
			Knee:    kinematics.Vec3(knee.Data),
			Foot:    kinematics.Vec3(foot.Data),
			Target:  lp.FootTarget,
			Contact: lp.Contact,
			L1:      dist.Data,
		})
	}

	position := autograd.SumScalars(masked).MulF(1 / (contactSum + b.opts.Epsilon))
	regularization := autograd.SumScalars(reg).MulF(1 / float64(len(reg)))
	total := position.MulF(b.opts.PositionWeight).AddS(regularization.MulF(b.opts.RegularizationWeight))

	res.Total = total.Data
	res.Position = position.Data
	res.Regularization = regularization.Data
	return total, res, nil
}

// BuildBatch averages the per-record losses of a batch. The returned limb
// diagnostics are those of the last record.
func (b *Builder) BuildBatch(records [][]float64, preds []*autograd.Vec) (*autograd.Scalar, Result, error) {
	if len(records) == 0 || len(records) != len(preds) {
		return nil, Result{}, fmt.Errorf("%w: %d records, %d predictions", ErrShape, len(records), len(preds))
	}

	totals := make([]*autograd.Scalar, 0, len(records))
	var agg Result
	for i := range records {
		total, res, err := b.Build(records[i], preds[i])
		if err != nil {
			return nil, Result{}, fmt.Errorf("record %d: %w", i, err)
		}
		totals = append(totals, total)
		agg.Position += res.Position
		agg.Regularization += res.Regularization
		agg.Limbs = res.Limbs
	}

	n := float64(len(records))
	mean := autograd.SumScalars(totals).MulF(1 / n)
	agg.Total = mean.Data
	agg.Position /= n
	agg.Regularization /= n
	agg.Records = len(records)
	return mean, agg, nil
}

// Evaluate computes the loss of fixed predictions without exposing the graph
func (b *Builder) Evaluate(record, pred []float64) (Result, error) {
	_, res, err := b.Build(record, autograd.Const(pred))
	return res, err
}

// Schema returns the schema the builder resolved its fields against
func (b *Builder) Schema() *rig.Schema { return b.schema }
