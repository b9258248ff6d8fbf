package device

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/iqakit/calibra/internal/metrics"
	"github.com/iqakit/calibra/internal/tensor"
)

// Device names a compute backend. The reference backend is single-threaded
// "cpu"; "parallel" fans work out across GOMAXPROCS workers and is the
// harness's second backend for cross-device consistency checks.
type Device string

const (
	CPU      Device = "cpu"
	Parallel Device = "parallel"
)

// ParallelAvailable reports whether the parallel backend can actually run
// concurrently. With a single proc it degenerates to the cpu backend and
// consistency checks against it prove nothing.
func ParallelAvailable() bool {
	return runtime.GOMAXPROCS(0) > 1
}

// Available lists usable devices, cpu first.
func Available() []Device {
	devs := []Device{CPU}
	if ParallelAvailable() {
		devs = append(devs, Parallel)
	}
	return devs
}

// Default picks the preferred device: parallel when available, else cpu.
// Mirrors "cuda if available else cpu" device selection.
func Default() Device {
	if ParallelAvailable() {
		return Parallel
	}
	return CPU
}

// Parse validates a device name from config or flags.
func Parse(s string) (Device, error) {
	switch Device(s) {
	case CPU:
		return CPU, nil
	case Parallel:
		if !ParallelAvailable() {
			return "", fmt.Errorf("device: parallel backend unavailable (GOMAXPROCS=1)")
		}
		return Parallel, nil
	case "":
		return Default(), nil
	}
	return "", fmt.Errorf("device: unknown device %q", s)
}

var allocatedBytes sync.Map // map[Device]*atomic.Int64

func allocCounter(dev Device) *atomic.Int64 {
	actual, _ := allocatedBytes.LoadOrStore(dev, &atomic.Int64{})
	return actual.(*atomic.Int64)
}

func traceAlloc(dev Device, delta int64) {
	newVal := allocCounter(dev).Add(delta)
	metrics.RecordDeviceMemory(string(dev), newVal)
}

// AllocatedBytes returns the bytes currently resident on dev.
func AllocatedBytes(dev Device) int64 {
	return allocCounter(dev).Load()
}

// Context owns device-resident tensors and releases them as a unit.
type Context struct {
	dev        Device
	numThreads int

	mu       sync.Mutex
	resident []*tensor.Tensor
}

func NewContext(dev Device) (*Context, error) {
	switch dev {
	case CPU:
		return &Context{dev: dev, numThreads: 1}, nil
	case Parallel:
		return &Context{dev: dev, numThreads: runtime.GOMAXPROCS(0)}, nil
	}
	return nil, fmt.Errorf("device: unknown device %q", dev)
}

func (c *Context) Device() Device {
	return c.dev
}

func (c *Context) NumThreads() int {
	return c.numThreads
}

// Put copies t onto the device. The returned tensor is owned by the context
// and freed by Free.
func (c *Context) Put(t *tensor.Tensor) *tensor.Tensor {
	d := t.Clone()
	d.RequiresGrad = t.RequiresGrad
	c.mu.Lock()
	c.resident = append(c.resident, d)
	c.mu.Unlock()
	traceAlloc(c.dev, int64(d.NumElements())*4)
	return d
}

// Get copies a device-resident tensor back to the host, grad included.
func (c *Context) Get(t *tensor.Tensor) *tensor.Tensor {
	h := t.Clone()
	if t.Grad != nil {
		g := make([]float32, len(t.Grad))
		copy(g, t.Grad)
		h.Grad = g
	}
	return h
}

// ParallelFor splits [0, n) across the context's workers. The cpu backend
// runs the single chunk inline; the parallel backend runs per-worker ranges
// concurrently. Chunk boundaries change float accumulation order, which is
// exactly the divergence the consistency check watches for.
func (c *Context) ParallelFor(n int, f func(lo, hi int)) {
	if n <= 0 {
		return
	}
	workers := c.numThreads
	if workers <= 1 || n < workers {
		f(0, n)
		return
	}
	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			f(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// Free releases every tensor the context owns. Accounting returns to zero
// once all contexts on a device are freed.
func (c *Context) Free() {
	c.mu.Lock()
	resident := c.resident
	c.resident = nil
	c.mu.Unlock()
	var freed int64
	for _, t := range resident {
		freed += int64(t.NumElements()) * 4
		t.Free()
	}
	if freed > 0 {
		traceAlloc(c.dev, -freed)
	}
}

// EmptyCache drops any cached device allocations. Gradient checks call this
// unconditionally after back-propagation, pass or fail.
func EmptyCache(dev Device) {
	metrics.RecordDeviceMemory(string(dev), AllocatedBytes(dev))
	runtime.GC()
}
