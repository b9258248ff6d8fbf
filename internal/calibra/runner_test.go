package calibra

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/iqakit/calibra/internal/device"
	"github.com/iqakit/calibra/internal/registry"
	"github.com/iqakit/calibra/internal/results"
	"github.com/iqakit/calibra/internal/tensor"
	"github.com/iqakit/calibra/internal/tolerance"
)

// meanMetric scores each image by the mean of its distorted pixels; easy to
// precompute official values for.
type meanMetric struct {
	offset    float32
	tupleSize int
	nanGrad   bool
	noise     *rand.Rand

	trained   bool
	savedDist *tensor.Tensor
}

func (m *meanMetric) Name() string { return "mean" }

func (m *meanMetric) Train() { m.trained = true }

func (m *meanMetric) Score(_ context.Context, dist, ref *tensor.Tensor) (*registry.Result, error) {
	n := dist.Dims()[0]
	perItem := dist.NumElements() / n
	scores := make([]float32, n)
	for i := 0; i < n; i++ {
		var s float64
		for j := i * perItem; j < (i+1)*perItem; j++ {
			s += float64(dist.Data()[j])
		}
		scores[i] = float32(s/float64(perItem)) + m.offset
		if m.noise != nil {
			scores[i] += float32(m.noise.Float64())
		}
	}
	if dist.RequiresGrad {
		m.savedDist = dist
	}
	out, err := tensor.FromData(scores, n)
	if err != nil {
		return nil, err
	}
	res := &registry.Result{Scores: []*tensor.Tensor{out}}
	for i := 1; i < m.tupleSize; i++ {
		res.Scores = append(res.Scores, tensor.Scalar(float32(i)))
	}
	return res, nil
}

func (m *meanMetric) Backward(primary *tensor.Tensor) error {
	if m.savedDist == nil {
		return nil
	}
	grad := m.savedDist.EnsureGrad()
	v := float32(1.0 / float64(len(grad)))
	if m.nanGrad {
		v = float32(math.NaN())
	}
	for i := range grad {
		grad[i] = v
	}
	return nil
}

func registerMean(t *testing.T, r *registry.Registry, name string, m *meanMetric, caps registry.Capabilities) {
	t.Helper()
	builder := func(opts registry.Options) (registry.Metric, error) { return m, nil }
	if err := r.Register(name, builder, caps); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func corpusPair(t *testing.T, n int) (dist, ref *tensor.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	var err error
	dist, err = tensor.Randn(rng, n, 3, 8, 8)
	if err != nil {
		t.Fatalf("corpus dist: %v", err)
	}
	ref, err = tensor.Randn(rng, n, 3, 8, 8)
	if err != nil {
		t.Fatalf("corpus ref: %v", err)
	}
	return dist, ref
}

func officialFor(t *testing.T, dist *tensor.Tensor, name string, offset float64) *results.Table {
	t.Helper()
	n := dist.Dims()[0]
	perItem := dist.NumElements() / n
	vec := make([]float64, n)
	for i := 0; i < n; i++ {
		var s float64
		for j := i * perItem; j < (i+1)*perItem; j++ {
			s += float64(dist.Data()[j])
		}
		vec[i] = s/float64(perItem) + offset
	}
	table, err := results.FromMap(map[string][]float64{name: vec})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	return table
}

func TestRunOfficialPass(t *testing.T) {
	r := registry.New()
	registerMean(t, r, "mean", &meanMetric{}, registry.DefaultCapabilities())
	dist, ref := corpusPair(t, 3)
	table := officialFor(t, dist, "mean", 0)

	runner := NewRunner(r, table, device.CPU, 42)
	sum, err := runner.RunOfficial(context.Background(), dist, ref)
	if err != nil {
		t.Fatalf("RunOfficial failed: %v", err)
	}
	if !sum.OK() || sum.Passed() != 1 {
		t.Fatalf("expected 1 pass, got %+v", sum.Reports)
	}
}

func TestRunOfficialFailureNamesMetric(t *testing.T) {
	r := registry.New()
	// Scores diverge from the table by 5.0, far past tolerance.
	registerMean(t, r, "mean", &meanMetric{offset: 5}, registry.DefaultCapabilities())
	dist, ref := corpusPair(t, 3)
	table := officialFor(t, dist, "mean", 0)

	runner := NewRunner(r, table, device.CPU, 42)
	sum, err := runner.RunOfficial(context.Background(), dist, ref)
	if err != nil {
		t.Fatalf("RunOfficial failed: %v", err)
	}
	failed := sum.Failed()
	if len(failed) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failed))
	}
	if failed[0].Metric != "mean" || failed[0].Err == nil {
		t.Errorf("failure must name the metric: %+v", failed[0])
	}
}

func TestRunOfficialOtherMetricsContinueAfterFailure(t *testing.T) {
	r := registry.New()
	registerMean(t, r, "bad", &meanMetric{offset: 5}, registry.DefaultCapabilities())
	registerMean(t, r, "good", &meanMetric{}, registry.DefaultCapabilities())
	dist, ref := corpusPair(t, 2)

	badVec, _ := officialFor(t, dist, "bad", 0).Scores("bad")
	goodVec, _ := officialFor(t, dist, "good", 0).Scores("good")
	table, err := results.FromMap(map[string][]float64{"bad": badVec, "good": goodVec})
	if err != nil {
		t.Fatalf("table: %v", err)
	}

	runner := NewRunner(r, table, device.CPU, 42)
	sum, err := runner.RunOfficial(context.Background(), dist, ref)
	if err != nil {
		t.Fatalf("RunOfficial failed: %v", err)
	}
	if sum.Passed() != 1 || len(sum.Failed()) != 1 {
		t.Fatalf("expected 1 pass + 1 fail, got %+v", sum.Reports)
	}
}

func TestRunOfficialRelaxedProfile(t *testing.T) {
	r := registry.New()
	// 4% relative drift on scores near 10: outside the default tolerance,
	// inside the relaxed one.
	caps := registry.DefaultCapabilities()
	caps.Tolerance = tolerance.ProfileRelaxed
	registerMean(t, r, "niqe-like", &meanMetric{offset: 10}, caps)

	dist, ref := corpusPair(t, 2)
	vec, _ := officialFor(t, dist, "niqe-like", 10).Scores("niqe-like")
	want := make([]float64, len(vec))
	for i, v := range vec {
		want[i] = v * 1.04
	}

	table, err := results.FromMap(map[string][]float64{"niqe-like": want})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	runner := NewRunner(r, table, device.CPU, 42)
	sum, err := runner.RunOfficial(context.Background(), dist, ref)
	if err != nil {
		t.Fatalf("RunOfficial failed: %v", err)
	}
	if !sum.OK() {
		t.Errorf("relaxed profile should absorb 4%% drift: %+v", sum.Reports)
	}
}

func TestRunOfficialUnregisteredMetricFailsItsReport(t *testing.T) {
	r := registry.New()
	dist, ref := corpusPair(t, 2)
	table, err := results.FromMap(map[string][]float64{"ghost": {1, 2}})
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	runner := NewRunner(r, table, device.CPU, 42)
	sum, err := runner.RunOfficial(context.Background(), dist, ref)
	if err != nil {
		t.Fatalf("RunOfficial failed: %v", err)
	}
	if len(sum.Failed()) != 1 {
		t.Fatalf("expected 1 failure for unregistered metric, got %+v", sum.Reports)
	}
}

func TestRunOfficialNilTable(t *testing.T) {
	runner := NewRunner(registry.New(), nil, device.CPU, 42)
	dist, ref := corpusPair(t, 1)
	if _, err := runner.RunOfficial(context.Background(), dist, ref); err == nil {
		t.Error("expected error without a table")
	}
}

func TestRunConsistency(t *testing.T) {
	if !device.ParallelAvailable() {
		t.Skip("parallel backend unavailable")
	}
	r := registry.New()
	registerMean(t, r, "mean", &meanMetric{}, registry.DefaultCapabilities())

	nondetCaps := registry.DefaultCapabilities()
	nondetCaps.Deterministic = false
	registerMean(t, r, "sampler", &meanMetric{noise: rand.New(rand.NewSource(1))}, nondetCaps)

	dirCaps := registry.DefaultCapabilities()
	dirCaps.DirectoryInput = true
	registerMean(t, r, "dirs", &meanMetric{}, dirCaps)

	unstableCaps := registry.DefaultCapabilities()
	unstableCaps.StableOnRandom = false
	registerMean(t, r, "fragile", &meanMetric{}, unstableCaps)

	runner := NewRunner(r, nil, device.Parallel, 42)
	sum, err := runner.RunConsistency(context.Background())
	if err != nil {
		t.Fatalf("RunConsistency failed: %v", err)
	}
	if sum.Passed() != 1 {
		t.Errorf("expected only the deterministic tensor metric to run, got %d passes", sum.Passed())
	}
	if sum.Skipped() != 3 {
		t.Errorf("expected 3 capability skips, got %d: %+v", sum.Skipped(), sum.Reports)
	}
	if !sum.OK() {
		t.Errorf("consistency failures: %+v", sum.Failed())
	}
}

func TestRunGradient(t *testing.T) {
	r := registry.New()
	good := &meanMetric{}
	registerMean(t, r, "mean", good, registry.DefaultCapabilities())

	bad := &meanMetric{nanGrad: true}
	registerMean(t, r, "explodes", bad, registry.DefaultCapabilities())

	nondiffCaps := registry.DefaultCapabilities()
	nondiffCaps.Differentiable = false
	registerMean(t, r, "frozen", &meanMetric{}, nondiffCaps)

	runner := NewRunner(r, nil, device.CPU, 42)
	sum, err := runner.RunGradient(context.Background())
	if err != nil {
		t.Fatalf("RunGradient failed: %v", err)
	}

	if sum.Passed() != 1 {
		t.Errorf("expected 1 pass, got %d: %+v", sum.Passed(), sum.Reports)
	}
	failed := sum.Failed()
	if len(failed) != 1 || failed[0].Metric != "explodes" {
		t.Errorf("expected explodes to fail, got %+v", failed)
	}
	if sum.Skipped() != 1 {
		t.Errorf("expected 1 skip for non-differentiable metric, got %d", sum.Skipped())
	}
	if !good.trained {
		t.Error("gradient check must put the metric in training mode")
	}
}

func TestRunGradientTupleOutputReducesToPrimary(t *testing.T) {
	r := registry.New()
	m := &meanMetric{tupleSize: 3}
	registerMean(t, r, "tuple", m, registry.DefaultCapabilities())

	runner := NewRunner(r, nil, device.CPU, 42)
	sum, err := runner.RunGradient(context.Background())
	if err != nil {
		t.Fatalf("RunGradient failed: %v", err)
	}
	if !sum.OK() || sum.Passed() != 1 {
		t.Errorf("tuple-valued metric should pass via its primary score: %+v", sum.Reports)
	}
}

func TestRunConsistencyCoversGradientOnlyUnstableMetric(t *testing.T) {
	if !device.ParallelAvailable() {
		t.Skip("parallel backend unavailable")
	}
	// The built-in rules flag mad's backward pass as unstable; its forward
	// pass is fine, so the cross-device check must still run it.
	r := registry.New()
	registerMean(t, r, "mad", &meanMetric{}, registry.DefaultCapabilities())

	runner := NewRunner(r, nil, device.Parallel, 42)
	sum, err := runner.RunConsistency(context.Background())
	if err != nil {
		t.Fatalf("RunConsistency failed: %v", err)
	}
	if sum.Skipped() != 0 {
		t.Errorf("mad must not be skipped from consistency: %+v", sum.Reports)
	}
	if !sum.OK() || sum.Passed() != 1 {
		t.Errorf("expected mad to run and pass: %+v", sum.Reports)
	}
}

func TestRunGradientSkipsGradientUnstableMetric(t *testing.T) {
	r := registry.New()
	registerMean(t, r, "mad", &meanMetric{}, registry.DefaultCapabilities())

	runner := NewRunner(r, nil, device.CPU, 42)
	sum, err := runner.RunGradient(context.Background())
	if err != nil {
		t.Fatalf("RunGradient failed: %v", err)
	}
	if sum.Skipped() != 1 || sum.Passed() != 0 {
		t.Fatalf("expected mad skipped from gradient check: %+v", sum.Reports)
	}
	if sum.Reports[0].Reason != "unstable_grad_on_random" {
		t.Errorf("skip reason: got %q", sum.Reports[0].Reason)
	}
}

func TestRunConsistencyIdempotent(t *testing.T) {
	if !device.ParallelAvailable() {
		t.Skip("parallel backend unavailable")
	}
	r := registry.New()
	registerMean(t, r, "mean", &meanMetric{}, registry.DefaultCapabilities())
	runner := NewRunner(r, nil, device.Parallel, 42)

	for i := 0; i < 2; i++ {
		sum, err := runner.RunConsistency(context.Background())
		if err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
		if !sum.OK() {
			t.Fatalf("run %d had failures: %+v", i, sum.Failed())
		}
	}
}

func TestRunGradientReleasesDeviceMemory(t *testing.T) {
	r := registry.New()
	registerMean(t, r, "explodes", &meanMetric{nanGrad: true}, registry.DefaultCapabilities())

	before := device.AllocatedBytes(device.CPU)
	runner := NewRunner(r, nil, device.CPU, 42)
	if _, err := runner.RunGradient(context.Background()); err != nil {
		t.Fatalf("RunGradient failed: %v", err)
	}
	// Cleanup runs on the failure path too.
	if after := device.AllocatedBytes(device.CPU); after != before {
		t.Errorf("device memory leaked: before %d, after %d", before, after)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	r := registry.New()
	registerMean(t, r, "mean", &meanMetric{}, registry.DefaultCapabilities())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(r, nil, device.CPU, 42)
	if _, err := runner.RunGradient(ctx); err == nil {
		t.Error("expected context error")
	}
}
