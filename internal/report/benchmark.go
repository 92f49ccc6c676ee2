package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// BaselineSource provides historical check values per asset. The run
// catalog satisfies this; a missing baseline (first run of an asset) is a
// NotFound error, not a failure.
type BaselineSource interface {
	BaselineMetrics(ctx context.Context, asset string) (map[string]float64, error)
}

// Delta compares one check value against its baseline.
type Delta struct {
	Asset     string  `json:"asset"`
	Check     string  `json:"check"`
	Baseline  float64 `json:"baseline"`
	Current   float64 `json:"current"`
	Change    float64 `json:"change"` // current - baseline, sign follows the check direction
	Regressed bool    `json:"regressed"`
}

// Benchmark compares run check values against catalog baselines.
type Benchmark struct {
	baseline BaselineSource
	// Tolerance is the absolute drift allowed before a check counts as a
	// regression.
	Tolerance float64
	logger    logging.Logger
}

// NewBenchmark builds a comparator. Tolerance <= 0 flags any movement in
// the bad direction.
func NewBenchmark(baseline BaselineSource, tolerance float64, log logging.Logger) *Benchmark {
	return &Benchmark{baseline: baseline, Tolerance: tolerance, logger: log}
}

// Compare evaluates every check of every materialized asset in the run
// against the stored baseline. Checks are directional by naming convention:
// "min_" checks regress when the value falls, "max_" checks regress when it
// rises. Assets with no baseline yet are skipped.
func (b *Benchmark) Compare(ctx context.Context, run *types.Run) ([]Delta, error) {
	var deltas []Delta
	for _, res := range run.Results {
		if res.Status != types.StatusMaterialized || res.Meta == nil || len(res.Meta.Checks) == 0 {
			continue
		}
		base, err := b.baseline.BaselineMetrics(ctx, res.Asset)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeNotFound) {
				b.logger.Info("no baseline for asset, skipping comparison",
					logging.String("asset", res.Asset))
				continue
			}
			return nil, err
		}
		for _, c := range res.Meta.Checks {
			prev, ok := base[c.Check]
			if !ok {
				continue
			}
			d := Delta{
				Asset:    res.Asset,
				Check:    c.Check,
				Baseline: prev,
				Current:  c.Value,
			}
			if strings.HasPrefix(c.Check, "max_") {
				// lower is better
				d.Change = c.Value - prev
				d.Regressed = d.Change > b.Tolerance
			} else {
				// higher is better (min_rows, min_match_rate)
				d.Change = c.Value - prev
				d.Regressed = -d.Change > b.Tolerance
			}
			deltas = append(deltas, d)
		}
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].Asset != deltas[j].Asset {
			return deltas[i].Asset < deltas[j].Asset
		}
		return deltas[i].Check < deltas[j].Check
	})
	return deltas, nil
}

// Regressions filters a comparison down to the checks that moved the wrong
// way.
func Regressions(deltas []Delta) []Delta {
	var out []Delta
	for _, d := range deltas {
		if d.Regressed {
			out = append(out, d)
		}
	}
	return out
}

// WriteDeltas prints a comparison table.
func WriteDeltas(w io.Writer, deltas []Delta) {
	if len(deltas) == 0 {
		fmt.Fprintln(w, "no baseline comparisons available")
		return
	}
	for _, d := range deltas {
		marker := "ok"
		if d.Regressed {
			marker = "REGRESSED"
		}
		fmt.Fprintf(w, "%-40s %-20s baseline %.4f -> current %.4f (%+.4f) %s\n",
			d.Asset, d.Check, d.Baseline, d.Current, d.Change, marker)
	}
}
