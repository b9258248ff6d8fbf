package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iqakit/calibra/internal/device"
	"github.com/iqakit/calibra/internal/tensor"
)

// Options configure metric construction.
type Options struct {
	Device device.Device
	// AsLoss builds the metric for gradient flow so it can serve as a
	// training objective.
	AsLoss bool
}

// Result holds a metric's output. Metrics that return multiple tensors put
// the primary score first.
type Result struct {
	Scores []*tensor.Tensor
}

// Primary is the first (main) score tensor.
func (r *Result) Primary() *tensor.Tensor {
	if r == nil || len(r.Scores) == 0 {
		return nil
	}
	return r.Scores[0]
}

// Metric maps a (distorted, reference) image batch to quality scores.
type Metric interface {
	Name() string
	Score(ctx context.Context, dist, ref *tensor.Tensor) (*Result, error)
}

// Trainable metrics can switch to training mode for loss use.
type Trainable interface {
	Train()
}

// Backpropagator metrics support gradients: Backward propagates from the
// primary score back into any input that had RequiresGrad set on Score.
type Backpropagator interface {
	Backward(primary *tensor.Tensor) error
}

// Builder constructs a metric handle for the given options.
type Builder func(Options) (Metric, error)

type entry struct {
	builder Builder
	caps    Capabilities
}

// Registry maps metric names to builders and their capabilities.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	rules   []Rule
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]entry),
		rules:   defaultRules(),
	}
}

// Register installs a metric builder. Capabilities passed here are the
// metric's self-declaration; registry rules (built-in and capability-file)
// are applied on top.
func (r *Registry) Register(name string, b Builder, caps Capabilities) error {
	if name == "" {
		return fmt.Errorf("registry: empty metric name")
	}
	if b == nil {
		return fmt.Errorf("registry: nil builder for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("registry: metric %q already registered", name)
	}
	for _, rule := range r.rules {
		if rule.matches(name) {
			rule.Override.apply(&caps)
		}
	}
	r.entries[name] = entry{builder: b, caps: caps}
	return nil
}

// MustRegister panics on registration failure; for package init use.
func (r *Registry) MustRegister(name string, b Builder, caps Capabilities) {
	if err := r.Register(name, b, caps); err != nil {
		panic(err)
	}
}

// ListModels returns the registered metric names in sorted order.
func (r *Registry) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateMetric builds a metric handle by name on the given device.
func (r *Registry) CreateMetric(name string, dev device.Device, asLoss bool) (Metric, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown metric %q", name)
	}
	m, err := e.builder(Options{Device: dev, AsLoss: asLoss})
	if err != nil {
		return nil, fmt.Errorf("registry: create %q: %w", name, err)
	}
	return m, nil
}

// Caps returns a metric's effective capabilities.
func (r *Registry) Caps(name string) (Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Capabilities{}, fmt.Errorf("registry: unknown metric %q", name)
	}
	return e.caps, nil
}

// defaultRegistry backs the package-level API.
var defaultRegistry = New()

// DefaultRegistry exposes the process-wide registry.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

func Register(name string, b Builder, caps Capabilities) error {
	return defaultRegistry.Register(name, b, caps)
}

func MustRegister(name string, b Builder, caps Capabilities) {
	defaultRegistry.MustRegister(name, b, caps)
}

func ListModels() []string {
	return defaultRegistry.ListModels()
}

func CreateMetric(name string, dev device.Device, asLoss bool) (Metric, error) {
	return defaultRegistry.CreateMetric(name, dev, asLoss)
}
