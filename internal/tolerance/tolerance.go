package tolerance

import (
	"fmt"
	"math"
)

// Tolerance defines acceptable numeric drift versus official reference scores.
type Tolerance struct {
	Abs float64
	Rel float64
}

// Profile names a tolerance preset. Metrics declare their profile in the
// registry capability table instead of the runner keeping name lists.
type Profile string

const (
	// ProfileDefault is the standard calibration tolerance.
	ProfileDefault Profile = "default"
	// ProfileRelaxed covers metrics whose reference implementations are
	// non-deterministic or architecture-sensitive.
	ProfileRelaxed Profile = "relaxed"
)

var profiles = map[Profile]Tolerance{
	ProfileDefault: {Abs: 1e-2, Rel: 1e-2},
	ProfileRelaxed: {Abs: 1e-2, Rel: 6e-2},
}

// Default returns the standard calibration tolerance (abs 1e-2, rel 1e-2).
func Default() Tolerance {
	return profiles[ProfileDefault]
}

// Relaxed returns the loosened tolerance (abs 1e-2, rel 6e-2).
func Relaxed() Tolerance {
	return profiles[ProfileRelaxed]
}

// SetProfiles replaces both presets, letting a deployment tighten or loosen
// the bounds from configuration. The relaxed preset must not be tighter than
// the default one.
func SetProfiles(def, relaxed Tolerance) error {
	if def.Abs < 0 || def.Rel < 0 {
		return fmt.Errorf("tolerance: negative default bounds abs=%g rel=%g", def.Abs, def.Rel)
	}
	if relaxed.Abs < def.Abs || relaxed.Rel < def.Rel {
		return fmt.Errorf("tolerance: relaxed bounds abs=%g rel=%g tighter than default abs=%g rel=%g",
			relaxed.Abs, relaxed.Rel, def.Abs, def.Rel)
	}
	profiles[ProfileDefault] = def
	profiles[ProfileRelaxed] = relaxed
	return nil
}

// ForProfile resolves a profile name. Unknown profiles fall back to default.
func ForProfile(p Profile) Tolerance {
	if t, ok := profiles[p]; ok {
		return t
	}
	return Default()
}

// Close reports whether a is within tolerance of b, using the same combined
// absolute/relative bound as torch.allclose: |a-b| <= abs + rel*|b|.
func (tol Tolerance) Close(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	return math.Abs(a-b) <= tol.Abs+tol.Rel*math.Abs(b)
}

// AllClose applies Close element-wise. Length mismatch is never close.
func AllClose(got, want []float64, tol Tolerance) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if !tol.Close(got[i], want[i]) {
			return false
		}
	}
	return true
}

// Report records the outcome of comparing a computed score vector against its
// expectation.
type Report struct {
	Name      string
	MaxAbsErr float64
	MaxRelErr float64
	WorstIdx  int
	Tolerance Tolerance
	Pass      bool
}

// Compare checks got against want element-wise and reports the worst errors.
// A length mismatch is a hard error rather than a failed report, since it
// means the corpus and the reference table disagree about shape.
func Compare(name string, got, want []float64, tol Tolerance) (Report, error) {
	r := Report{Name: name, Tolerance: tol, Pass: true}
	if len(got) != len(want) {
		return r, fmt.Errorf("tolerance: %s score length mismatch: got %d, want %d",
			name, len(got), len(want))
	}
	for i := range got {
		absErr := math.Abs(got[i] - want[i])
		if math.IsNaN(got[i]) || math.IsNaN(want[i]) {
			absErr = math.Inf(1)
		}
		relErr := absErr
		if den := math.Abs(want[i]); den > 0 {
			relErr = absErr / den
		}
		if absErr > r.MaxAbsErr {
			r.MaxAbsErr = absErr
			r.WorstIdx = i
		}
		if relErr > r.MaxRelErr {
			r.MaxRelErr = relErr
		}
		if !tol.Close(got[i], want[i]) {
			r.Pass = false
		}
	}
	return r, nil
}
