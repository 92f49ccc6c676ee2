package pipeline

import (
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Metrics is the measurable surface of a sealed artifact that check
// predicates evaluate against.
type Metrics struct {
	Rows      int64
	Bytes     int64
	RowErrors int64
	// Custom carries materializer-reported metrics (match rates, fallback
	// rates) keyed by name.
	Custom map[string]float64
}

// Metric returns a custom metric, or 0 when the materializer did not report
// it.
func (m Metrics) Metric(name string) float64 {
	return m.Custom[name]
}

// ErrorRate is row errors over total rows seen.
func (m Metrics) ErrorRate() float64 {
	total := m.Rows + m.RowErrors
	if total == 0 {
		return 0
	}
	return float64(m.RowErrors) / float64(total)
}

// Check is a quality gate on one asset's output, evaluated after the
// artifact seals. ERROR failures block descendants; WARN failures are
// recorded in the run report and do not block.
type Check struct {
	Name        string
	Severity    types.CheckSeverity
	Threshold   float64
	Description string
	// Predicate returns the observed value and whether it satisfies the
	// gate.
	Predicate func(m Metrics) (value float64, passed bool)
}

// MinRows gates on a minimum artifact row count.
func MinRows(threshold int64) Check {
	return Check{
		Name:        "min_rows",
		Severity:    types.SeverityError,
		Threshold:   float64(threshold),
		Description: "artifact must not be empty or truncated",
		Predicate: func(m Metrics) (float64, bool) {
			return float64(m.Rows), m.Rows >= threshold
		},
	}
}

// MaxErrorRate gates on the row decode error rate.
func MaxErrorRate(threshold float64) Check {
	return Check{
		Name:        "max_error_rate",
		Severity:    types.SeverityError,
		Threshold:   threshold,
		Description: "row error rate within tolerance",
		Predicate: func(m Metrics) (float64, bool) {
			rate := m.ErrorRate()
			return rate, rate <= threshold
		},
	}
}

// MinMetric gates on a materializer-reported metric staying at or above a
// floor (match rate regression guard).
func MinMetric(metric string, threshold float64, severity types.CheckSeverity) Check {
	return Check{
		Name:        "min_" + metric,
		Severity:    severity,
		Threshold:   threshold,
		Description: metric + " must not regress below threshold",
		Predicate: func(m Metrics) (float64, bool) {
			v := m.Metric(metric)
			return v, v >= threshold
		},
	}
}

// MaxMetric gates on a materializer-reported metric staying at or below a
// ceiling (fallback rate guard).
func MaxMetric(metric string, threshold float64, severity types.CheckSeverity) Check {
	return Check{
		Name:        "max_" + metric,
		Severity:    severity,
		Threshold:   threshold,
		Description: metric + " must stay below threshold",
		Predicate: func(m Metrics) (float64, bool) {
			v := m.Metric(metric)
			return v, v <= threshold
		},
	}
}

// runChecks evaluates every check against the sealed artifact's metrics.
func runChecks(asset string, checks []Check, m Metrics, log logging.Logger) []types.CheckResult {
	results := make([]types.CheckResult, 0, len(checks))
	for _, c := range checks {
		value, passed := c.Predicate(m)
		result := types.CheckResult{
			Asset:       asset,
			Check:       c.Name,
			Severity:    c.Severity,
			Passed:      passed,
			Value:       value,
			Threshold:   c.Threshold,
			Description: c.Description,
		}
		if !passed {
			log.Warn("quality check failed",
				logging.String("asset", asset),
				logging.String("check", c.Name),
				logging.String("severity", string(c.Severity)),
				logging.Float64("value", value),
				logging.Float64("threshold", c.Threshold))
		}
		results = append(results, result)
	}
	return results
}

// hasBlockingFailure reports whether any ERROR-severity check failed.
func hasBlockingFailure(results []types.CheckResult) bool {
	for _, r := range results {
		if r.Blocking() {
			return true
		}
	}
	return false
}
