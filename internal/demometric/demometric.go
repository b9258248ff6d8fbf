// Package demometric registers "meandiff", a synthetic smoke metric used to
// exercise the calibration pipeline end to end without any real IQA model.
// It scores a batch pair by per-image mean absolute difference, runs on both
// device backends, and supports back-propagation.
package demometric

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/iqakit/calibra/internal/device"
	"github.com/iqakit/calibra/internal/registry"
	"github.com/iqakit/calibra/internal/tensor"
)

const Name = "meandiff"

type meanDiff struct {
	ctx      *device.Context
	training bool

	savedDist *tensor.Tensor
	savedRef  *tensor.Tensor
}

// Register installs meandiff into r.
func Register(r *registry.Registry) error {
	builder := func(opts registry.Options) (registry.Metric, error) {
		ctx, err := device.NewContext(opts.Device)
		if err != nil {
			return nil, err
		}
		return &meanDiff{ctx: ctx}, nil
	}
	return r.Register(Name, builder, registry.DefaultCapabilities())
}

func (m *meanDiff) Name() string { return Name }

func (m *meanDiff) Train() { m.training = true }

func (m *meanDiff) Score(_ context.Context, dist, ref *tensor.Tensor) (*registry.Result, error) {
	if dist == nil || ref == nil {
		return nil, fmt.Errorf("meandiff: nil input batch")
	}
	if !dist.SameShape(ref) {
		return nil, fmt.Errorf("meandiff: shape mismatch: %v vs %v", dist.Dims(), ref.Dims())
	}
	dims := dist.Dims()
	if len(dims) != 4 {
		return nil, fmt.Errorf("meandiff: expected NCHW batch, got shape %v", dims)
	}

	n := dims[0]
	perItem := dist.NumElements() / n
	dd, rd := dist.Data(), ref.Data()

	scores := make([]float32, n)
	for i := 0; i < n; i++ {
		base := i * perItem
		var mu sync.Mutex
		var total float64
		m.ctx.ParallelFor(perItem, func(lo, hi int) {
			var s float64
			for j := base + lo; j < base+hi; j++ {
				s += math.Abs(float64(dd[j] - rd[j]))
			}
			mu.Lock()
			total += s
			mu.Unlock()
		})
		scores[i] = float32(total / float64(perItem))
	}

	if dist.RequiresGrad {
		m.savedDist, m.savedRef = dist, ref
	}

	out, err := tensor.FromData(scores, n)
	if err != nil {
		return nil, err
	}
	return &registry.Result{Scores: []*tensor.Tensor{out}}, nil
}

// Backward propagates d(sum of scores)/d(dist) into the saved input:
// sign(dist-ref) / perItem for each element.
func (m *meanDiff) Backward(primary *tensor.Tensor) error {
	if m.savedDist == nil {
		return fmt.Errorf("meandiff: no saved input, Score a RequiresGrad tensor first")
	}
	dd, rd := m.savedDist.Data(), m.savedRef.Data()
	grad := m.savedDist.EnsureGrad()
	n := m.savedDist.Dims()[0]
	perItem := m.savedDist.NumElements() / n
	inv := float32(1.0 / float64(perItem))
	m.ctx.ParallelFor(len(dd), func(lo, hi int) {
		for j := lo; j < hi; j++ {
			switch {
			case dd[j] > rd[j]:
				grad[j] = inv
			case dd[j] < rd[j]:
				grad[j] = -inv
			default:
				grad[j] = 0
			}
		}
	})
	return nil
}
