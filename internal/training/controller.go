// Package training runs the online training loop: one optimizer step per
// pose packet until the loss first drops below the convergence threshold,
// at which point the weights are saved and the controller moves, for good,
// to solving mode.
package training

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/rafaelvaloto/Neura-Rig/internal/learner"
	"github.com/rafaelvaloto/Neura-Rig/internal/loss"
)

var ErrMalformedRecord = errors.New("training: malformed record")

// Config wires a controller
type Config struct {
	Learner              learner.Learner
	Builder              *loss.Builder
	ConvergenceThreshold float64 // default 1e-4
	WeightsPath          string
	StartMode            Mode
	LogEvery             int // log every N steps, 0 disables periodic logs
}

// StepResult describes what one pose packet did
type StepResult struct {
	Taken     bool // an optimizer step ran
	Records   int
	Step      uint64
	Loss      loss.Result
	Mode      Mode // mode after the packet
	Converged bool // this packet triggered the switch to solving
	Saved     bool
	SaveErr   error
}

// Controller owns the learner's training state. It is not safe for
// concurrent use; a session drives it from a single goroutine.
type Controller struct {
	cfg Config

	mode     Mode
	saved    bool
	steps    uint64
	lastLoss float64
}

// New validates cfg and returns a controller in cfg.StartMode
func New(cfg Config) (*Controller, error) {
	if cfg.Learner == nil {
		return nil, fmt.Errorf("training: learner is required")
	}
	if cfg.Builder == nil {
		return nil, fmt.Errorf("training: loss builder is required")
	}
	if cfg.WeightsPath == "" {
		return nil, fmt.Errorf("training: weights path is required")
	}
	if cfg.ConvergenceThreshold <= 0 {
		cfg.ConvergenceThreshold = 1e-4
	}
	return &Controller{cfg: cfg, mode: cfg.StartMode}, nil
}

// SplitRecords cuts floats into whole records of width values
func SplitRecords(floats []float64, width int) ([][]float64, error) {
	if width <= 0 || len(floats)%width != 0 {
		return nil, fmt.Errorf("%w: %d floats is not a multiple of record width %d",
			ErrMalformedRecord, len(floats), width)
	}
	n := len(floats) / width
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = floats[i*width : (i+1)*width]
	}
	return out, nil
}

// OnPosePacket trains on every record in floats.
//
// A packet that is not a whole number of records fails with
// ErrMalformedRecord and changes nothing. An empty packet, or any packet in
// solving mode, is a no-op. Otherwise one update runs on the batch mean loss;
// if the loss was under the threshold the weights are saved once and the
// controller switches to solving.
func (c *Controller) OnPosePacket(floats []float64) (StepResult, error) {
	records, err := SplitRecords(floats, c.cfg.Builder.Schema().RecordSize())
	if err != nil {
		return StepResult{Mode: c.mode}, err
	}
	if len(records) == 0 || c.mode == ModeSolving {
		return StepResult{Mode: c.mode, Step: c.steps}, nil
	}

	preds, err := c.cfg.Learner.Forward(records)
	if err != nil {
		return StepResult{Mode: c.mode}, fmt.Errorf("forward failed: %w", err)
	}
	total, res, err := c.cfg.Builder.BuildBatch(records, preds)
	if err != nil {
		return StepResult{Mode: c.mode}, fmt.Errorf("loss failed: %w", err)
	}
	if err := c.cfg.Learner.Update(total); err != nil {
		return StepResult{Mode: c.mode, Loss: res}, fmt.Errorf("update failed: %w", err)
	}

	c.steps++
	c.lastLoss = res.Total
	result := StepResult{
		Taken:   true,
		Records: len(records),
		Step:    c.steps,
		Loss:    res,
	}

	if c.cfg.LogEvery > 0 && c.steps%uint64(c.cfg.LogEvery) == 0 {
		slog.Info("training step",
			"step", c.steps,
			"loss", res.Total,
			"position", res.Position,
			"regularization", res.Regularization,
			"records", len(records),
		)
	}

	if res.Total < c.cfg.ConvergenceThreshold {
		result.Converged = true
		if !c.saved {
			if err := c.cfg.Learner.Save(c.cfg.WeightsPath); err != nil {
				result.SaveErr = err
				slog.Error("failed to save weights", "path", c.cfg.WeightsPath, "error", err)
			} else {
				c.saved = true
				result.Saved = true
				slog.Info("weights saved", "path", c.cfg.WeightsPath)
			}
		}
		c.mode = ModeSolving
		slog.Info("model converged, switching to solving mode",
			"step", c.steps,
			"loss", res.Total,
			"threshold", c.cfg.ConvergenceThreshold,
		)
	}

	result.Mode = c.mode
	return result, nil
}

func (c *Controller) Mode() Mode { return c.mode }

// Saved reports whether the weights have been written
func (c *Controller) Saved() bool { return c.saved }

// Steps returns the number of optimizer steps taken
func (c *Controller) Steps() uint64 { return c.steps }

// LastLoss returns the loss of the most recent step
func (c *Controller) LastLoss() float64 { return c.lastLoss }

// Threshold returns the effective convergence threshold
func (c *Controller) Threshold() float64 { return c.cfg.ConvergenceThreshold }
