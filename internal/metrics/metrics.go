package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calibra_checks_total",
		Help: "Calibration checks by check kind and result",
	}, []string{"check", "result"})

	CheckDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "calibra_check_duration_seconds",
		Help: "Duration of a single metric's calibration check",
	}, []string{"check"})

	ScoreAbsError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calibra_score_abs_error",
		Help:    "Max absolute error of computed scores vs official results",
		Buckets: []float64{0, 1e-5, 1e-4, 1e-3, 1e-2, 0.05, 0.1, 0.5, 1, 10},
	})

	ScoreRelError = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calibra_score_rel_error",
		Help:    "Max relative error of computed scores vs official results",
		Buckets: []float64{0, 1e-5, 1e-4, 1e-3, 1e-2, 0.06, 0.1, 0.5, 1},
	})

	NaNGradsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calibra_nan_grads_total",
		Help: "Total NaN entries observed in metric gradients",
	})

	DeviceMemoryBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "calibra_device_memory_bytes",
		Help: "Current bytes resident on a compute device",
	}, []string{"device"})

	FixtureLoadDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "calibra_fixture_load_seconds",
		Help: "Time to load session fixtures (corpus, result table)",
	})

	SkippedChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calibra_skipped_checks_total",
		Help: "Checks skipped by reason (device unavailable, capability excluded)",
	}, []string{"check", "reason"})
)

func RecordCheck(check string, pass bool, duration time.Duration) {
	result := "pass"
	if !pass {
		result = "fail"
	}
	ChecksTotal.WithLabelValues(check, result).Inc()
	CheckDuration.WithLabelValues(check).Observe(duration.Seconds())
}

func RecordScoreError(absErr, relErr float64) {
	ScoreAbsError.Observe(absErr)
	ScoreRelError.Observe(relErr)
}

func RecordNaNGrads(count int) {
	if count > 0 {
		NaNGradsTotal.Add(float64(count))
	}
}

func RecordDeviceMemory(device string, bytes int64) {
	DeviceMemoryBytes.WithLabelValues(device).Set(float64(bytes))
}

func RecordSkip(check, reason string) {
	SkippedChecksTotal.WithLabelValues(check, reason).Inc()
}

func RecordFixtureLoad(duration time.Duration) {
	FixtureLoadDuration.Observe(duration.Seconds())
}
