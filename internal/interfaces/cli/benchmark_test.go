package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/storage"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

func benchContext(t *testing.T, storeRoot string) *CLIContext {
	t.Helper()
	cfg := &config.Config{}
	cfg.Storage.Backend = "local"
	cfg.Storage.Root = storeRoot
	return &CLIContext{Config: cfg, Logger: logging.NewNop()}
}

// sealSidecar commits a sidecar for an asset so the snapshot path has a
// newest materialization to read.
func sealSidecar(t *testing.T, storeRoot, asset string, meta types.Materialization) {
	t.Helper()
	store, err := storage.NewLocalStore(storeRoot)
	require.NoError(t, err)
	wc, err := store.Create(context.Background(), asset+"/0f0f0f.meta.json")
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(wc).Encode(meta))
	require.NoError(t, wc.Commit(context.Background()))
}

func writeBaselineFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "baseline.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func enrichedMeta(matchRate float64) types.Materialization {
	return types.Materialization{
		Artifact: types.Artifact{Asset: assetEnrichedAwards, Rows: 100},
		Checks: []types.CheckResult{{
			Asset: assetEnrichedAwards, Check: "min_match_rate",
			Severity: types.SeverityError, Passed: true,
			Value: matchRate, Threshold: 0.85,
		}},
	}
}

func TestBenchmarkPassesWithinTolerance(t *testing.T) {
	root := t.TempDir()
	sealSidecar(t, root, assetEnrichedAwards, enrichedMeta(0.91))

	opts := &benchmarkOptions{
		Assets:       []string{assetEnrichedAwards},
		Tolerance:    0.02,
		BaselinePath: writeBaselineFile(t, `{"enriched/awards":{"min_match_rate":0.90}}`),
	}
	require.NoError(t, runBenchmark(context.Background(), benchContext(t, root), opts))
}

func TestBenchmarkFlagsRegression(t *testing.T) {
	root := t.TempDir()
	sealSidecar(t, root, assetEnrichedAwards, enrichedMeta(0.80))

	opts := &benchmarkOptions{
		Assets:       []string{assetEnrichedAwards},
		Tolerance:    0.02,
		BaselinePath: writeBaselineFile(t, `{"enriched/awards":{"min_match_rate":0.95}}`),
	}
	err := runBenchmark(context.Background(), benchContext(t, root), opts)
	require.True(t, errors.IsCode(err, errors.ErrCodeGateBlocking))
}

func TestBenchmarkWithoutArtifacts(t *testing.T) {
	opts := &benchmarkOptions{
		Tolerance:    0.02,
		BaselinePath: writeBaselineFile(t, `{}`),
	}
	err := runBenchmark(context.Background(), benchContext(t, t.TempDir()), opts)
	require.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestLoadFileBaselineRejectsMalformed(t *testing.T) {
	_, err := loadFileBaseline(writeBaselineFile(t, `{"enriched/awards": [1, 2]}`))
	require.True(t, errors.IsCode(err, errors.ErrCodeSerialization))
}
