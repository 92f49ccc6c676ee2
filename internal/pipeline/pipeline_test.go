package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/storage"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

func TestFingerprintDeterminism(t *testing.T) {
	cfg := map[string]any{"chunk_size": 10000, "tolerance": 0.05}
	a, err := Fingerprint("v1", cfg, []string{"fp-b", "fp-a"})
	require.NoError(t, err)
	b, err := Fingerprint("v1", map[string]any{"tolerance": 0.05, "chunk_size": 10000}, []string{"fp-a", "fp-b"})
	require.NoError(t, err)
	require.Equal(t, a, b, "key order and upstream order must not matter")

	changedCode, _ := Fingerprint("v2", cfg, []string{"fp-a", "fp-b"})
	require.NotEqual(t, a, changedCode)
	changedCfg, _ := Fingerprint("v1", map[string]any{"chunk_size": 5000, "tolerance": 0.05}, []string{"fp-a", "fp-b"})
	require.NotEqual(t, a, changedCfg)
	changedUpstream, _ := Fingerprint("v1", cfg, []string{"fp-a", "fp-c"})
	require.NotEqual(t, a, changedUpstream)
}

func noopMaterializer(rows int64) Materializer {
	return func(ctx context.Context, mc *MaterializeContext) (*MaterializeOutput, error) {
		if _, err := io.WriteString(mc.Writer, "data"); err != nil {
			return nil, err
		}
		return &MaterializeOutput{Rows: rows}, nil
	}
}

func simpleAsset(key string, inputs ...string) *Asset {
	return &Asset{
		Key:           key,
		Inputs:        inputs,
		StorageFormat: "parquet",
		Config:        map[string]any{"asset": key},
		Materialize:   noopMaterializer(10),
	}
}

func TestPlanTopologicalAndStable(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(simpleAsset("raw/awards"))
	reg.MustRegister(simpleAsset("raw/registry"))
	reg.MustRegister(simpleAsset("normalized/awards", "raw/awards"))
	reg.MustRegister(simpleAsset("enriched/awards", "normalized/awards", "raw/registry"))

	plan, err := reg.Plan([]string{"enriched/awards"})
	require.NoError(t, err)
	// lexicographic among ready assets: raw/awards unlocks normalized/awards,
	// which sorts ahead of the still-ready raw/registry
	require.Equal(t, []string{"raw/awards", "normalized/awards", "raw/registry", "enriched/awards"}, plan)

	again, err := reg.Plan([]string{"enriched/awards"})
	require.NoError(t, err)
	require.Equal(t, plan, again, "plans are deterministic")

	_, err = reg.Plan([]string{"no/such"})
	require.True(t, errors.IsCode(err, errors.ErrCodeAssetNotFound))
}

func TestPlanRejectsCycle(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(simpleAsset("a", "b"))
	reg.MustRegister(simpleAsset("b", "a"))
	_, err := reg.Plan(nil)
	require.True(t, errors.IsCode(err, errors.ErrCodeAssetCycle))
}

func runtimeCfg() config.RuntimeConfig {
	return config.RuntimeConfig{
		Parallelism:    2,
		AssetTimeout:   time.Minute,
		MaxRetries:     2,
		RetryBackoff:   time.Millisecond,
		CodeVersion:    "test-1",
		MemWarnMB:      1 << 20, // never trips in tests
		MemCriticalMB:  1 << 21,
		MemSampleEvery: time.Hour,
		ChunkDownstep:  0.5,
	}
}

func newStore(t *testing.T) *storage.LocalStore {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestRunMaterializesGraph(t *testing.T) {
	reg := NewRegistry()
	var order []string
	var mu sync.Mutex
	track := func(key string, inputs ...string) *Asset {
		a := simpleAsset(key, inputs...)
		inner := a.Materialize
		a.Materialize = func(ctx context.Context, mc *MaterializeContext) (*MaterializeOutput, error) {
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
			return inner(ctx, mc)
		}
		return a
	}
	reg.MustRegister(track("raw/awards"))
	reg.MustRegister(track("normalized/awards", "raw/awards"))

	store := newStore(t)
	runner := NewRunner(reg, store, runtimeCfg(), logging.NewNop())
	run, err := runner.Run(context.Background(), nil, types.ModeFull, "")
	require.NoError(t, err)
	require.True(t, run.Succeeded())
	require.Equal(t, []string{"raw/awards", "normalized/awards"}, order)
	require.NotEmpty(t, run.RunID)

	// artifact and sidecar both sealed
	for _, res := range run.Results {
		require.Equal(t, types.StatusMaterialized, res.Status)
		require.NotNil(t, res.Meta)
		_, err := store.Stat(context.Background(), res.Meta.Artifact.Path)
		require.NoError(t, err)
		rc, err := store.Open(context.Background(), res.Meta.Artifact.SidecarPath)
		require.NoError(t, err)
		var meta types.Materialization
		require.NoError(t, json.NewDecoder(rc).Decode(&meta))
		rc.Close()
		require.Equal(t, res.Meta.Artifact.Fingerprint, meta.Artifact.Fingerprint)
		require.Equal(t, int64(10), meta.Artifact.Rows)
	}

	// downstream fingerprint embeds upstream fingerprint
	require.Equal(t,
		[]string{run.Results[0].Meta.Artifact.Fingerprint},
		run.Results[1].Meta.Artifact.Upstream)
}

func TestIncrementalRunObservesUnchanged(t *testing.T) {
	reg := NewRegistry()
	var calls atomic.Int32
	a := simpleAsset("raw/awards")
	inner := a.Materialize
	a.Materialize = func(ctx context.Context, mc *MaterializeContext) (*MaterializeOutput, error) {
		calls.Add(1)
		return inner(ctx, mc)
	}
	reg.MustRegister(a)

	store := newStore(t)
	runner := NewRunner(reg, store, runtimeCfg(), logging.NewNop())

	first, err := runner.Run(context.Background(), nil, types.ModeIncremental, "")
	require.NoError(t, err)
	require.Equal(t, types.StatusMaterialized, first.Results[0].Status)

	second, err := runner.Run(context.Background(), nil, types.ModeIncremental, "")
	require.NoError(t, err)
	require.Equal(t, types.StatusObserved, second.Results[0].Status)
	require.Equal(t, int32(1), calls.Load(), "unchanged fingerprint skips rematerialization")
	require.Equal(t, first.Results[0].Meta.Artifact.Fingerprint, second.Results[0].Meta.Artifact.Fingerprint)

	// full mode rematerializes regardless
	third, err := runner.Run(context.Background(), nil, types.ModeFull, "")
	require.NoError(t, err)
	require.Equal(t, types.StatusMaterialized, third.Results[0].Status)
	require.Equal(t, int32(2), calls.Load())
}

func TestFailureSkipsDescendants(t *testing.T) {
	reg := NewRegistry()
	bad := simpleAsset("raw/contracts")
	bad.Materialize = func(ctx context.Context, mc *MaterializeContext) (*MaterializeOutput, error) {
		return nil, errors.New(errors.ErrCodeSourceUnavailable, "dump missing")
	}
	reg.MustRegister(bad)
	reg.MustRegister(simpleAsset("normalized/contracts", "raw/contracts"))
	reg.MustRegister(simpleAsset("raw/awards")) // independent subgraph

	store := newStore(t)
	runner := NewRunner(reg, store, runtimeCfg(), logging.NewNop())
	run, err := runner.Run(context.Background(), nil, types.ModeFull, "")
	require.NoError(t, err)

	byAsset := map[string]types.AssetResult{}
	for _, res := range run.Results {
		byAsset[res.Asset] = res
	}
	require.Equal(t, types.StatusFailed, byAsset["raw/contracts"].Status)
	require.Equal(t, types.StatusUpstreamFailed, byAsset["normalized/contracts"].Status)
	require.Equal(t, types.StatusMaterialized, byAsset["raw/awards"].Status,
		"independent subgraphs keep running")
	require.False(t, run.Succeeded())

	// the failed asset left nothing behind
	objs, err := store.List(context.Background(), "raw/contracts/")
	require.NoError(t, err)
	require.Empty(t, objs, "failed materializations leave no partial artifacts")
}

func TestBlockingGateSkipsDescendants(t *testing.T) {
	reg := NewRegistry()
	gated := simpleAsset("normalized/awards")
	gated.Checks = []Check{MinRows(100)} // materializer produces 10
	reg.MustRegister(gated)
	reg.MustRegister(simpleAsset("enriched/awards", "normalized/awards"))

	warned := simpleAsset("normalized/registry")
	warned.Checks = []Check{MinMetric("match_rate", 0.9, types.SeverityWarn)}
	reg.MustRegister(warned)
	reg.MustRegister(simpleAsset("enriched/registry", "normalized/registry"))

	runner := NewRunner(reg, newStore(t), runtimeCfg(), logging.NewNop())
	run, err := runner.Run(context.Background(), nil, types.ModeFull, "")
	require.NoError(t, err)

	byAsset := map[string]types.AssetResult{}
	for _, res := range run.Results {
		byAsset[res.Asset] = res
	}
	require.Equal(t, types.StatusMaterialized, byAsset["normalized/awards"].Status,
		"the gated asset itself seals")
	require.Equal(t, types.StatusUpstreamGate, byAsset["enriched/awards"].Status)

	require.Equal(t, types.StatusMaterialized, byAsset["normalized/registry"].Status)
	require.Equal(t, types.StatusMaterialized, byAsset["enriched/registry"].Status,
		"WARN checks never block")
	require.False(t, byAsset["normalized/registry"].Meta.Checks[0].Passed)
}

func TestRetriesThenSucceeds(t *testing.T) {
	reg := NewRegistry()
	var calls atomic.Int32
	flaky := simpleAsset("raw/awards")
	flaky.Materialize = func(ctx context.Context, mc *MaterializeContext) (*MaterializeOutput, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New(errors.ErrCodeExternalTransient, "timeout")
		}
		io.WriteString(mc.Writer, "data")
		return &MaterializeOutput{Rows: 1}, nil
	}
	reg.MustRegister(flaky)

	runner := NewRunner(reg, newStore(t), runtimeCfg(), logging.NewNop())
	run, err := runner.Run(context.Background(), nil, types.ModeFull, "")
	require.NoError(t, err)
	require.Equal(t, types.StatusMaterialized, run.Results[0].Status)
	require.Equal(t, 2, run.Results[0].Meta.Retries)
	require.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhaustedReportsFailure(t *testing.T) {
	reg := NewRegistry()
	broken := simpleAsset("raw/awards")
	broken.Materialize = func(ctx context.Context, mc *MaterializeContext) (*MaterializeOutput, error) {
		return nil, errors.New(errors.ErrCodeRowErrorRate, "too many bad rows")
	}
	reg.MustRegister(broken)

	runner := NewRunner(reg, newStore(t), runtimeCfg(), logging.NewNop())
	run, err := runner.Run(context.Background(), nil, types.ModeFull, "")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, run.Results[0].Status)
	require.Contains(t, run.Results[0].Error, "too many bad rows")
}

// recordingCatalog and recordingEvents capture runtime callbacks.
type recordingCatalog struct {
	mu   sync.Mutex
	runs []*types.Run
	mats []*types.Materialization
}

func (c *recordingCatalog) RecordRun(_ context.Context, run *types.Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, run)
	return nil
}

func (c *recordingCatalog) RecordMaterialization(_ context.Context, _ string, m *types.Materialization) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mats = append(c.mats, m)
	return nil
}

type recordingEvents struct {
	mu           sync.Mutex
	materialized []string
	failed       []string
	completed    int
}

func (e *recordingEvents) AssetMaterialized(_ context.Context, _ string, m *types.Materialization) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.materialized = append(e.materialized, m.Artifact.Asset)
	return nil
}

func (e *recordingEvents) AssetFailed(_ context.Context, _ string, asset, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, asset)
	return nil
}

func (e *recordingEvents) RunCompleted(_ context.Context, _ *types.Run) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed++
	return nil
}

func TestCatalogAndEventsWiring(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(simpleAsset("raw/awards"))
	bad := simpleAsset("raw/contracts")
	bad.Materialize = func(ctx context.Context, mc *MaterializeContext) (*MaterializeOutput, error) {
		return nil, errors.New(errors.ErrCodeSourceUnavailable, "gone")
	}
	reg.MustRegister(bad)

	catalog := &recordingCatalog{}
	events := &recordingEvents{}
	runner := NewRunner(reg, newStore(t), runtimeCfg(), logging.NewNop(),
		WithCatalog(catalog), WithEvents(events))

	_, err := runner.Run(context.Background(), nil, types.ModeFull, "")
	require.NoError(t, err)

	require.Len(t, catalog.runs, 1)
	require.Len(t, catalog.mats, 1)
	require.Equal(t, []string{"raw/awards"}, events.materialized)
	require.Equal(t, []string{"raw/contracts"}, events.failed)
	require.Equal(t, 1, events.completed)
}

func TestMemorySamplerZeroThresholdsDisabled(t *testing.T) {
	s := NewMemorySampler(config.RuntimeConfig{MemSampleEvery: time.Millisecond}, logging.NewNop())
	for i := 0; i < 3; i++ {
		s.sample()
	}
	require.False(t, s.Critical(), "unset thresholds must not trip")
	select {
	case <-s.Pressure():
		t.Fatal("pressure signalled with thresholds unset")
	default:
	}
	require.Greater(t, s.PeakMB(), 0.0, "peak tracking still works")
}
