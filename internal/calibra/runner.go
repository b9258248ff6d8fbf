package calibra

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/iqakit/calibra/internal/device"
	"github.com/iqakit/calibra/internal/logger"
	"github.com/iqakit/calibra/internal/metrics"
	"github.com/iqakit/calibra/internal/registry"
	"github.com/iqakit/calibra/internal/results"
	"github.com/iqakit/calibra/internal/tensor"
	"github.com/iqakit/calibra/internal/tolerance"
)

// Random input geometry for the synthetic checks.
const (
	consistencyBatch = 1
	consistencySide  = 256
	gradientBatch    = 2
	gradientSide     = 224
	imageChannels    = 3
)

// Runner drives the three calibration checks over a metric registry. Each
// check is a stateless, independently repeatable pass; the runner holds only
// read-only collaborators.
type Runner struct {
	reg   *registry.Registry
	table *results.Table
	dev   device.Device
	seed  int64
	log   *logger.Logger
}

// NewRunner wires a runner. table may be nil for runs that never call
// RunOfficial (consistency and gradient checks need no official values).
func NewRunner(reg *registry.Registry, table *results.Table, dev device.Device, seed int64) *Runner {
	return &Runner{
		reg:   reg,
		table: table,
		dev:   dev,
		seed:  seed,
		log:   logger.Log.With("calibra"),
	}
}

// RunOfficial compares every metric in the official result table against its
// recorded scores on the fixed corpus. A diverging metric fails its own
// report; the remaining metrics still run.
func (r *Runner) RunOfficial(ctx context.Context, dist, ref *tensor.Tensor) (Summary, error) {
	if r.table == nil {
		return Summary{}, fmt.Errorf("calibra: no official result table loaded")
	}
	if dist == nil || ref == nil {
		return Summary{}, fmt.Errorf("calibra: nil corpus batch")
	}
	if dist.Dims()[0] != ref.Dims()[0] {
		return Summary{}, fmt.Errorf("calibra: corpus batch size mismatch: %d vs %d",
			dist.Dims()[0], ref.Dims()[0])
	}

	var sum Summary
	for _, name := range r.table.Names() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		rep := r.officialOne(ctx, name, dist, ref)
		metrics.RecordCheck(string(CheckOfficial), rep.Pass, rep.Duration)
		if !rep.Skipped {
			metrics.RecordScoreError(rep.MaxAbsErr, rep.MaxRelErr)
		}
		r.logReport(rep)
		sum.Reports = append(sum.Reports, rep)
	}
	return sum, nil
}

func (r *Runner) officialOne(ctx context.Context, name string, dist, ref *tensor.Tensor) CheckReport {
	rep := CheckReport{Metric: name, Check: CheckOfficial}
	start := time.Now()
	defer func() { rep.Duration = time.Since(start) }()

	want, _ := r.table.Scores(name)

	caps, err := r.reg.Caps(name)
	if err != nil {
		rep.Err = err
		return rep
	}
	tol := tolerance.ForProfile(caps.Tolerance)

	m, err := r.reg.CreateMetric(name, r.dev, false)
	if err != nil {
		rep.Err = err
		return rep
	}

	res, err := m.Score(ctx, dist, ref)
	if err != nil {
		rep.Err = fmt.Errorf("metric %s: %w", name, err)
		return rep
	}
	primary := res.Primary()
	if primary == nil {
		rep.Err = fmt.Errorf("metric %s returned no score", name)
		return rep
	}

	cmp, err := tolerance.Compare(name, primary.Squeeze().Float64s(), want, tol)
	if err != nil {
		rep.Err = err
		return rep
	}
	rep.MaxAbsErr = cmp.MaxAbsErr
	rep.MaxRelErr = cmp.MaxRelErr
	rep.Pass = cmp.Pass
	if !cmp.Pass {
		rep.Err = fmt.Errorf("metric %s results mismatch with official results (max abs err %.4e at index %d)",
			name, cmp.MaxAbsErr, cmp.WorstIdx)
	}
	return rep
}

// RunConsistency verifies that every eligible metric scores an identical
// random input pair the same on both devices. Soft-skips entirely when no
// parallel device exists.
func (r *Runner) RunConsistency(ctx context.Context) (Summary, error) {
	var sum Summary
	if !device.ParallelAvailable() {
		metrics.RecordSkip(string(CheckConsistency), "no_parallel_device")
		r.log.Warn("skipping consistency check", "reason", "parallel device unavailable")
		sum.Reports = append(sum.Reports, CheckReport{
			Metric:  "*",
			Check:   CheckConsistency,
			Skipped: true,
			Reason:  "parallel device unavailable",
		})
		return sum, nil
	}

	for _, name := range r.reg.ListModels() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		caps, err := r.reg.Caps(name)
		if err != nil {
			return sum, err
		}
		if reason := consistencyExclusion(caps); reason != "" {
			metrics.RecordSkip(string(CheckConsistency), reason)
			sum.Reports = append(sum.Reports, CheckReport{
				Metric: name, Check: CheckConsistency, Skipped: true, Reason: reason,
			})
			continue
		}
		rep := r.consistencyOne(ctx, name)
		metrics.RecordCheck(string(CheckConsistency), rep.Pass, rep.Duration)
		r.logReport(rep)
		sum.Reports = append(sum.Reports, rep)
	}
	return sum, nil
}

func consistencyExclusion(caps registry.Capabilities) string {
	switch {
	case !caps.Deterministic:
		return "not_deterministic"
	case caps.DirectoryInput:
		return "directory_input"
	case !caps.StableOnRandom:
		return "unstable_on_random"
	}
	return ""
}

func (r *Runner) consistencyOne(ctx context.Context, name string) CheckReport {
	rep := CheckReport{Metric: name, Check: CheckConsistency}
	start := time.Now()
	defer func() { rep.Duration = time.Since(start) }()

	rng := rand.New(rand.NewSource(r.seed))
	x, err := tensor.Randn(rng, consistencyBatch, imageChannels, consistencySide, consistencySide)
	if err != nil {
		rep.Err = err
		return rep
	}
	y, err := tensor.Randn(rng, consistencyBatch, imageChannels, consistencySide, consistencySide)
	if err != nil {
		rep.Err = err
		return rep
	}

	cpuCtx, err := device.NewContext(device.CPU)
	if err != nil {
		rep.Err = err
		return rep
	}
	defer cpuCtx.Free()
	parCtx, err := device.NewContext(device.Parallel)
	if err != nil {
		rep.Err = err
		return rep
	}
	defer parCtx.Free()

	mCPU, err := r.reg.CreateMetric(name, device.CPU, false)
	if err != nil {
		rep.Err = err
		return rep
	}
	mPar, err := r.reg.CreateMetric(name, device.Parallel, false)
	if err != nil {
		rep.Err = err
		return rep
	}

	resCPU, err := mCPU.Score(ctx, cpuCtx.Put(x), cpuCtx.Put(y))
	if err != nil {
		rep.Err = fmt.Errorf("metric %s on cpu: %w", name, err)
		return rep
	}
	resPar, err := mPar.Score(ctx, parCtx.Put(x), parCtx.Put(y))
	if err != nil {
		rep.Err = fmt.Errorf("metric %s on parallel: %w", name, err)
		return rep
	}

	// Both scores move back to the host before comparison.
	gotCPU := cpuCtx.Get(resCPU.Primary()).Squeeze().Float64s()
	gotPar := parCtx.Get(resPar.Primary()).Squeeze().Float64s()

	cmp, err := tolerance.Compare(name, gotPar, gotCPU, tolerance.Default())
	if err != nil {
		rep.Err = err
		return rep
	}
	rep.MaxAbsErr = cmp.MaxAbsErr
	rep.MaxRelErr = cmp.MaxRelErr
	rep.Pass = cmp.Pass
	if !cmp.Pass {
		rep.Err = fmt.Errorf("metric %s results mismatch between cpu and parallel (max abs err %.4e)",
			name, cmp.MaxAbsErr)
	}
	return rep
}

// RunGradient back-propagates every eligible metric in loss mode from a
// random differentiable input and asserts a NaN-free gradient.
func (r *Runner) RunGradient(ctx context.Context) (Summary, error) {
	var sum Summary
	for _, name := range r.reg.ListModels() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		caps, err := r.reg.Caps(name)
		if err != nil {
			return sum, err
		}
		if reason := gradientExclusion(caps); reason != "" {
			metrics.RecordSkip(string(CheckGradient), reason)
			sum.Reports = append(sum.Reports, CheckReport{
				Metric: name, Check: CheckGradient, Skipped: true, Reason: reason,
			})
			continue
		}
		rep := r.gradientOne(ctx, name)
		metrics.RecordCheck(string(CheckGradient), rep.Pass, rep.Duration)
		r.logReport(rep)
		sum.Reports = append(sum.Reports, rep)
	}
	return sum, nil
}

func gradientExclusion(caps registry.Capabilities) string {
	switch {
	case !caps.Differentiable:
		return "not_differentiable"
	case caps.DirectoryInput:
		return "directory_input"
	case !caps.StableOnRandom:
		return "unstable_on_random"
	case !caps.StableGradOnRandom:
		return "unstable_grad_on_random"
	}
	return ""
}

func (r *Runner) gradientOne(ctx context.Context, name string) (rep CheckReport) {
	rep = CheckReport{Metric: name, Check: CheckGradient}
	start := time.Now()
	defer func() { rep.Duration = time.Since(start) }()

	// Device memory is released on every exit path, not just success.
	defer device.EmptyCache(r.dev)

	devCtx, err := device.NewContext(r.dev)
	if err != nil {
		rep.Err = err
		return rep
	}
	defer devCtx.Free()

	rng := rand.New(rand.NewSource(r.seed))
	x, err := tensor.Randn(rng, gradientBatch, imageChannels, gradientSide, gradientSide)
	if err != nil {
		rep.Err = err
		return rep
	}
	y, err := tensor.Randn(rng, gradientBatch, imageChannels, gradientSide, gradientSide)
	if err != nil {
		rep.Err = err
		return rep
	}
	x.RequiresGrad = true

	xDev := devCtx.Put(x)
	yDev := devCtx.Put(y)

	m, err := r.reg.CreateMetric(name, r.dev, true)
	if err != nil {
		rep.Err = err
		return rep
	}
	if tr, ok := m.(registry.Trainable); ok {
		tr.Train()
	}

	res, err := m.Score(ctx, xDev, yDev)
	if err != nil {
		rep.Err = fmt.Errorf("metric %s: %w", name, err)
		return rep
	}
	// Tuple-valued outputs reduce to their primary component.
	primary := res.Primary()
	if primary == nil {
		rep.Err = fmt.Errorf("metric %s returned no score", name)
		return rep
	}

	bp, ok := m.(registry.Backpropagator)
	if !ok {
		rep.Err = fmt.Errorf("metric %s declares differentiable but has no backward pass", name)
		return rep
	}
	if err := bp.Backward(primary); err != nil {
		rep.Err = fmt.Errorf("metric %s backward: %w", name, err)
		return rep
	}

	nans := xDev.GradNaNCount()
	metrics.RecordNaNGrads(nans)
	rep.Pass = nans == 0
	if !rep.Pass {
		rep.Err = fmt.Errorf("metric %s cannot be used in a gradient descent process (%d NaN grad entries)",
			name, nans)
	}
	return rep
}

func (r *Runner) logReport(rep CheckReport) {
	if rep.Pass {
		r.log.Debug("check passed", "check", string(rep.Check), "metric", rep.Metric,
			"max_abs_err", rep.MaxAbsErr, "duration", rep.Duration.String())
		return
	}
	r.log.Error("check failed", "check", string(rep.Check), "metric", rep.Metric,
		"err", fmt.Sprint(rep.Err))
}
