package tensor

import "math"

// Stats summarizes a tensor's values for numerical auditing.
type Stats struct {
	Max   float32
	Min   float32
	Mean  float32
	RMS   float32
	NaNs  int
	Infs  int
	Zeros int
}

// ComputeStats scans the data once. NaN/Inf entries are counted but excluded
// from the running min/max/mean so a single bad value does not poison them.
func (t *Tensor) ComputeStats() Stats {
	stats := Stats{
		Max: float32(math.Inf(-1)),
		Min: float32(math.Inf(1)),
	}

	valid := 0
	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) {
			stats.NaNs++
			continue
		}
		if math.IsInf(f, 0) {
			stats.Infs++
			continue
		}
		if v == 0 {
			stats.Zeros++
		}
		if v > stats.Max {
			stats.Max = v
		}
		if v < stats.Min {
			stats.Min = v
		}
		stats.Mean += v
		stats.RMS += v * v
		valid++
	}

	if valid > 0 {
		n := float32(valid)
		stats.Mean /= n
		stats.RMS = float32(math.Sqrt(float64(stats.RMS / n)))
	} else {
		stats.Max, stats.Min = 0, 0
	}
	return stats
}
