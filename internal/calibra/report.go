package calibra

import (
	"fmt"
	"time"
)

// Check identifies which calibration pass produced a report.
type Check string

const (
	CheckOfficial    Check = "official"
	CheckConsistency Check = "consistency"
	CheckGradient    Check = "gradient"
)

// CheckReport is the outcome of one metric under one check.
type CheckReport struct {
	Metric    string
	Check     Check
	Pass      bool
	Skipped   bool
	Reason    string
	MaxAbsErr float64
	MaxRelErr float64
	Duration  time.Duration
	Err       error
}

func (r CheckReport) String() string {
	switch {
	case r.Skipped:
		return fmt.Sprintf("%s/%s: skipped (%s)", r.Check, r.Metric, r.Reason)
	case r.Pass:
		return fmt.Sprintf("%s/%s: pass (max abs err %.2e)", r.Check, r.Metric, r.MaxAbsErr)
	case r.Err != nil:
		return fmt.Sprintf("%s/%s: FAIL (%v)", r.Check, r.Metric, r.Err)
	}
	return fmt.Sprintf("%s/%s: FAIL (max abs err %.2e, max rel err %.2e)",
		r.Check, r.Metric, r.MaxAbsErr, r.MaxRelErr)
}

// Summary aggregates the reports of one check pass.
type Summary struct {
	Reports []CheckReport
}

// Failed returns the failing reports (skips are not failures).
func (s Summary) Failed() []CheckReport {
	var out []CheckReport
	for _, r := range s.Reports {
		if !r.Skipped && !r.Pass {
			out = append(out, r)
		}
	}
	return out
}

// Passed counts passing reports.
func (s Summary) Passed() int {
	n := 0
	for _, r := range s.Reports {
		if !r.Skipped && r.Pass {
			n++
		}
	}
	return n
}

// Skipped counts skipped reports.
func (s Summary) Skipped() int {
	n := 0
	for _, r := range s.Reports {
		if r.Skipped {
			n++
		}
	}
	return n
}

// OK reports whether nothing failed.
func (s Summary) OK() bool {
	return len(s.Failed()) == 0
}
