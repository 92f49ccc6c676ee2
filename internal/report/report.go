// Package report turns a finished run into human- and machine-readable
// output: console summaries, run report JSON, benchmark comparison against
// the catalog baseline, and Prometheus collectors.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Summary is the aggregated view of one run.
type Summary struct {
	RunID    string        `json:"run_id"`
	Mode     types.RunMode `json:"mode"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`

	Materialized int `json:"materialized"`
	Observed     int `json:"observed"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"` // upstream failures, gates, cancellations

	Rows      int64 `json:"rows"`
	Bytes     int64 `json:"bytes"`
	RowErrors int64 `json:"row_errors"`
	Retries   int   `json:"retries"`

	Failures     []AssetFailure      `json:"failures,omitempty"`
	GateFailures []types.CheckResult `json:"gate_failures,omitempty"`
}

// AssetFailure names one asset that did not complete and why.
type AssetFailure struct {
	Asset  string            `json:"asset"`
	Status types.AssetStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

// Summarize folds a run's per-asset results into a Summary. Failed checks
// of any severity are surfaced so warnings are visible even when the run
// succeeded.
func Summarize(run *types.Run) *Summary {
	s := &Summary{
		RunID:   run.RunID,
		Mode:    run.Mode,
		Started: run.Started,
	}
	if !run.Ended.IsZero() {
		s.Duration = run.Ended.Sub(run.Started)
	}
	for _, res := range run.Results {
		switch res.Status {
		case types.StatusMaterialized:
			s.Materialized++
		case types.StatusObserved:
			s.Observed++
		case types.StatusFailed:
			s.Failed++
			s.Failures = append(s.Failures, AssetFailure{Asset: res.Asset, Status: res.Status, Reason: res.Error})
		default:
			s.Skipped++
			s.Failures = append(s.Failures, AssetFailure{Asset: res.Asset, Status: res.Status, Reason: res.Error})
		}
		if res.Meta == nil {
			continue
		}
		s.Rows += res.Meta.Artifact.Rows
		s.Bytes += res.Meta.Artifact.Bytes
		s.RowErrors += res.Meta.RowErrors
		s.Retries += res.Meta.Retries
		for _, c := range res.Meta.Checks {
			if !c.Passed {
				s.GateFailures = append(s.GateFailures, c)
			}
		}
	}
	sort.Slice(s.Failures, func(i, j int) bool { return s.Failures[i].Asset < s.Failures[j].Asset })
	return s
}

// WriteJSON emits the machine-readable run report.
func (s *Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode run report")
	}
	return nil
}

// WriteConsole emits the operator-facing summary.
func (s *Summary) WriteConsole(w io.Writer) {
	fmt.Fprintf(w, "run %s (%s) finished in %s\n", s.RunID, s.Mode, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  materialized: %d  observed: %d  failed: %d  skipped: %d\n",
		s.Materialized, s.Observed, s.Failed, s.Skipped)
	fmt.Fprintf(w, "  rows: %d  bytes: %d  row errors: %d  retries: %d\n",
		s.Rows, s.Bytes, s.RowErrors, s.Retries)
	for _, f := range s.Failures {
		if f.Reason != "" {
			fmt.Fprintf(w, "  %-12s %s: %s\n", f.Status, f.Asset, f.Reason)
		} else {
			fmt.Fprintf(w, "  %-12s %s\n", f.Status, f.Asset)
		}
	}
	for _, c := range s.GateFailures {
		fmt.Fprintf(w, "  %-5s check %s on %s: value %.4f vs threshold %.4f\n",
			c.Severity, c.Check, c.Asset, c.Value, c.Threshold)
	}
}
