package report

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

func sampleRun() *types.Run {
	started := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	return &types.Run{
		RunID:   "01HRUN",
		Mode:    types.ModeFull,
		Started: started,
		Ended:   started.Add(90 * time.Second),
		Results: []types.AssetResult{
			{
				Asset:  "raw/awards",
				Status: types.StatusMaterialized,
				Meta: &types.Materialization{
					Artifact:  types.Artifact{Asset: "raw/awards", Rows: 1000, Bytes: 4096},
					RowErrors: 3,
					Retries:   1,
				},
			},
			{
				Asset:  "enriched/awards",
				Status: types.StatusMaterialized,
				Meta: &types.Materialization{
					Artifact: types.Artifact{Asset: "enriched/awards", Rows: 997},
					Checks: []types.CheckResult{
						{Asset: "enriched/awards", Check: "min_match_rate", Severity: types.SeverityError, Passed: true, Value: 0.82, Threshold: 0.70},
						{Asset: "enriched/awards", Check: "max_fallback_rate", Severity: types.SeverityWarn, Passed: false, Value: 0.31, Threshold: 0.25},
					},
				},
			},
			{Asset: "raw/contracts", Status: types.StatusFailed, Error: "dump missing"},
			{Asset: "graph/contracts", Status: types.StatusUpstreamFailed},
		},
	}
}

func TestSummarizeCounts(t *testing.T) {
	s := Summarize(sampleRun())

	require.Equal(t, 2, s.Materialized)
	require.Equal(t, 1, s.Failed)
	require.Equal(t, 1, s.Skipped)
	require.Equal(t, int64(1997), s.Rows)
	require.Equal(t, int64(3), s.RowErrors)
	require.Equal(t, 1, s.Retries)
	require.Equal(t, 90*time.Second, s.Duration)

	require.Len(t, s.GateFailures, 1, "only failed checks surface")
	require.Equal(t, "max_fallback_rate", s.GateFailures[0].Check)

	require.Len(t, s.Failures, 2)
	require.Equal(t, "graph/contracts", s.Failures[0].Asset, "failures sorted by asset")
	require.Equal(t, "raw/contracts", s.Failures[1].Asset)
}

func TestSummaryJSONRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Summarize(sampleRun()).WriteJSON(&buf))

	var back Summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	require.Equal(t, "01HRUN", back.RunID)
	require.Equal(t, int64(1997), back.Rows)
}

func TestWriteConsoleMentionsFailures(t *testing.T) {
	var buf bytes.Buffer
	Summarize(sampleRun()).WriteConsole(&buf)
	out := buf.String()
	require.Contains(t, out, "raw/contracts: dump missing")
	require.Contains(t, out, "max_fallback_rate")
}

type fakeBaseline struct {
	metrics map[string]map[string]float64
}

func (f *fakeBaseline) BaselineMetrics(_ context.Context, asset string) (map[string]float64, error) {
	m, ok := f.metrics[asset]
	if !ok {
		return nil, errors.NotFound("no baseline recorded").WithDetail(asset)
	}
	return m, nil
}

func TestBenchmarkDetectsRegression(t *testing.T) {
	baseline := &fakeBaseline{metrics: map[string]map[string]float64{
		"enriched/awards": {
			"min_match_rate":    0.90, // current 0.82 is a regression
			"max_fallback_rate": 0.30, // current 0.31 is within tolerance
		},
	}}
	b := NewBenchmark(baseline, 0.02, logging.NewNop())

	deltas, err := b.Compare(context.Background(), sampleRun())
	require.NoError(t, err)
	require.Len(t, deltas, 2, "assets without a baseline are skipped")

	regressions := Regressions(deltas)
	require.Len(t, regressions, 1)
	require.Equal(t, "min_match_rate", regressions[0].Check)
	require.InDelta(t, -0.08, regressions[0].Change, 1e-9)
}

func TestBenchmarkDirectionality(t *testing.T) {
	baseline := &fakeBaseline{metrics: map[string]map[string]float64{
		"enriched/awards": {
			"min_match_rate":    0.70, // current 0.82 improved
			"max_fallback_rate": 0.10, // current 0.31 regressed (higher is worse)
		},
	}}
	b := NewBenchmark(baseline, 0.02, logging.NewNop())

	deltas, err := b.Compare(context.Background(), sampleRun())
	require.NoError(t, err)

	regressions := Regressions(deltas)
	require.Len(t, regressions, 1)
	require.Equal(t, "max_fallback_rate", regressions[0].Check)
}
