package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/storage"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Catalog records runs and materializations durably. Implemented by the
// Postgres catalog; nil disables recording.
type Catalog interface {
	RecordRun(ctx context.Context, run *types.Run) error
	RecordMaterialization(ctx context.Context, runID string, m *types.Materialization) error
}

// Events publishes materialization lifecycle events. Implemented by the
// Kafka producer; nil disables publishing.
type Events interface {
	AssetMaterialized(ctx context.Context, runID string, m *types.Materialization) error
	AssetFailed(ctx context.Context, runID, asset, reason string) error
	RunCompleted(ctx context.Context, run *types.Run) error
}

// Runner materializes a planned selection of assets.
type Runner struct {
	reg       *Registry
	store     storage.ObjectStore
	cfg       config.RuntimeConfig
	chunkSize int
	logger    logging.Logger
	catalog   Catalog
	events    Events
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

func WithCatalog(c Catalog) RunnerOption { return func(r *Runner) { r.catalog = c } }
func WithEvents(e Events) RunnerOption   { return func(r *Runner) { r.events = e } }

// WithChunkSize overrides the starting chunk size handed to materializers.
func WithChunkSize(n int) RunnerOption { return func(r *Runner) { r.chunkSize = n } }

func NewRunner(reg *Registry, store storage.ObjectStore, cfg config.RuntimeConfig, log logging.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{reg: reg, store: store, cfg: cfg, chunkSize: config.DefaultChunkSize, logger: log}
	if r.cfg.Parallelism <= 0 {
		r.cfg.Parallelism = config.DefaultParallelism
	}
	if r.cfg.MaxRetries < 0 {
		r.cfg.MaxRetries = 0
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// artifactKey places an asset's artifact. Asset keys follow the
// "<stage>/<name>" convention; keys without a stage land under "assets".
func artifactKey(a *Asset, partition, fingerprint string) string {
	stage, name, ok := strings.Cut(a.Key, "/")
	if !ok {
		stage, name = "assets", a.Key
	}
	return storage.ArtifactKey(stage, name, partition, fingerprint, a.StorageFormat)
}

// fingerprints computes every planned asset's fingerprint in dependency
// order. Deterministic: same code version, config, and inputs give the same
// plan.
func (r *Runner) fingerprints(order []string) (map[string]string, error) {
	fps := make(map[string]string, len(order))
	for _, key := range order {
		a, _ := r.reg.Get(key)
		upstream := make([]string, 0, len(a.Inputs))
		for _, in := range a.Inputs {
			upstream = append(upstream, fps[in])
		}
		fp, err := Fingerprint(r.cfg.CodeVersion, a.Config, upstream)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeFingerprint, "failed to fingerprint asset").WithDetail(key)
		}
		fps[key] = fp
	}
	return fps, nil
}

// Run plans and executes the selection. Individual asset failures do not
// abort the run: descendants are skipped with upstream_failed (or
// upstream_quality_gate_failed) and independent subgraphs continue.
func (r *Runner) Run(ctx context.Context, selection []string, mode types.RunMode, partition string) (*types.Run, error) {
	order, err := r.reg.Plan(selection)
	if err != nil {
		return nil, err
	}
	fps, err := r.fingerprints(order)
	if err != nil {
		return nil, err
	}

	run := &types.Run{
		RunID:     ulid.Make().String(),
		Mode:      mode,
		Selection: append([]string(nil), selection...),
		Started:   time.Now().UTC(),
	}
	r.logger.Info("run started",
		logging.String("run_id", run.RunID),
		logging.String("mode", string(mode)),
		logging.Int("assets", len(order)))

	sampler := NewMemorySampler(r.cfg, r.logger)
	samplerCtx, stopSampler := context.WithCancel(ctx)
	defer stopSampler()
	go sampler.Run(samplerCtx)

	var (
		mu          sync.Mutex
		results     = map[string]*types.AssetResult{}
		gateBlocked = map[string]bool{}
		done        = map[string]chan struct{}{}
	)
	for _, key := range order {
		done[key] = make(chan struct{})
	}
	sem := make(chan struct{}, r.cfg.Parallelism)

	var wg sync.WaitGroup
	for _, key := range order {
		key := key
		a, _ := r.reg.Get(key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done[key])
			result := r.runAsset(ctx, run, a, partition, fps, sampler, sem, done, &mu, results, gateBlocked)
			mu.Lock()
			results[key] = result
			if result.Meta != nil && hasBlockingFailure(result.Meta.Checks) {
				gateBlocked[key] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	stopSampler()

	for _, key := range order {
		run.Results = append(run.Results, *results[key])
	}
	run.Ended = time.Now().UTC()

	if r.catalog != nil {
		if err := r.catalog.RecordRun(ctx, run); err != nil {
			return run, errors.Wrap(err, errors.ErrCodeCatalogError, "failed to record run")
		}
	}
	if r.events != nil {
		if err := r.events.RunCompleted(ctx, run); err != nil {
			r.logger.Warn("failed to publish run completion", logging.Err(err))
		}
	}
	r.logger.Info("run finished",
		logging.String("run_id", run.RunID),
		logging.Bool("succeeded", run.Succeeded()),
		logging.Duration("elapsed", run.Ended.Sub(run.Started)))
	return run, nil
}

func (r *Runner) runAsset(
	ctx context.Context,
	run *types.Run,
	a *Asset,
	partition string,
	fps map[string]string,
	sampler *MemorySampler,
	sem chan struct{},
	done map[string]chan struct{},
	mu *sync.Mutex,
	results map[string]*types.AssetResult,
	gateBlocked map[string]bool,
) *types.AssetResult {
	result := &types.AssetResult{Asset: a.Key, Started: time.Now().UTC()}
	finish := func(status types.AssetStatus, err error) *types.AssetResult {
		result.Status = status
		result.Ended = time.Now().UTC()
		if err != nil {
			result.Error = err.Error()
		}
		if status == types.StatusFailed && r.events != nil {
			if pubErr := r.events.AssetFailed(ctx, run.RunID, a.Key, result.Error); pubErr != nil {
				r.logger.Warn("failed to publish asset failure", logging.Err(pubErr))
			}
		}
		return result
	}

	// Wait for upstream assets, then inherit their disposition.
	for _, in := range a.Inputs {
		select {
		case <-done[in]:
		case <-ctx.Done():
			return finish(types.StatusCancelled, ctx.Err())
		}
	}
	mu.Lock()
	var upstreamErr error
	var upstreamStatus types.AssetStatus
	for _, in := range a.Inputs {
		dep := results[in]
		switch {
		case gateBlocked[in]:
			upstreamStatus = types.StatusUpstreamGate
			upstreamErr = errors.Newf(errors.ErrCodeUpstreamGate, "upstream %q failed a blocking quality gate", in)
		case dep.Status == types.StatusFailed,
			dep.Status == types.StatusUpstreamFailed,
			dep.Status == types.StatusCancelled:
			if upstreamStatus != types.StatusUpstreamGate {
				upstreamStatus = types.StatusUpstreamFailed
				upstreamErr = errors.Newf(errors.ErrCodeUpstreamFailed, "upstream %q did not materialize", in)
			}
		case dep.Status == types.StatusUpstreamGate:
			upstreamStatus = types.StatusUpstreamGate
			upstreamErr = errors.Newf(errors.ErrCodeUpstreamGate, "upstream %q was gate-blocked", in)
		}
	}
	mu.Unlock()
	if upstreamErr != nil {
		return finish(upstreamStatus, upstreamErr)
	}

	fp := fps[a.Key]
	key := artifactKey(a, partition, fp)

	// Incremental mode: a sealed artifact for this fingerprint means
	// nothing upstream changed, so observe and move on.
	if run.Mode == types.ModeIncremental {
		if info, err := r.store.Stat(ctx, key); err == nil {
			r.logger.Debug("asset observed",
				logging.String("asset", a.Key),
				logging.String("fingerprint", fp))
			result.Meta = &types.Materialization{Artifact: types.Artifact{
				Asset: a.Key, Partition: partition, Fingerprint: fp,
				Path: key, SidecarPath: storage.SidecarKey(key),
				Bytes: info.Size, ProducedAt: info.ModTime,
			}}
			return finish(types.StatusObserved, nil)
		}
	}

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return finish(types.StatusCancelled, ctx.Err())
	}

	meta, err := r.materialize(ctx, run, a, partition, fp, key, fps, sampler)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeCancelled) || ctx.Err() != nil {
			return finish(types.StatusCancelled, err)
		}
		return finish(types.StatusFailed, err)
	}
	result.Meta = meta

	if r.catalog != nil {
		if err := r.catalog.RecordMaterialization(ctx, run.RunID, meta); err != nil {
			r.logger.Error("failed to record materialization",
				logging.String("asset", a.Key), logging.Err(err))
		}
	}
	if r.events != nil {
		if err := r.events.AssetMaterialized(ctx, run.RunID, meta); err != nil {
			r.logger.Warn("failed to publish materialization", logging.Err(err))
		}
	}
	return finish(types.StatusMaterialized, nil)
}

// materialize runs the asset with bounded retries. Memory-pressure
// cancellations of non-streaming assets retry at a down-stepped chunk size.
func (r *Runner) materialize(
	ctx context.Context,
	run *types.Run,
	a *Asset,
	partition, fp, key string,
	fps map[string]string,
	sampler *MemorySampler,
) (*types.Materialization, error) {
	chunk := r.chunkSize
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "run cancelled")
			}
			r.logger.Info("retrying asset",
				logging.String("asset", a.Key),
				logging.Int("attempt", attempt),
				logging.Int("chunk_size", chunk))
		}
		meta, err := r.attempt(ctx, run, a, partition, fp, key, fps, sampler, chunk)
		if err == nil {
			meta.Retries = attempt
			return meta, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "run cancelled")
		}
		if errors.IsCode(err, errors.ErrCodeMemoryPressure) && !a.Streaming {
			next := int(float64(chunk) * r.cfg.ChunkDownstep)
			if next < 1 {
				next = 1
			}
			chunk = next
		}
	}
	return nil, lastErr
}

func (r *Runner) attempt(
	ctx context.Context,
	run *types.Run,
	a *Asset,
	partition, fp, key string,
	fps map[string]string,
	sampler *MemorySampler,
	chunk int,
) (_ *types.Materialization, retErr error) {
	timeout := r.cfg.AssetTimeout
	if timeout <= 0 {
		timeout = config.DefaultAssetTimeout
	}
	actx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			cancel(ctx.Err())
		case <-timer.C:
			cancel(errors.Newf(errors.ErrCodeAssetTimeout, "asset %q exceeded %s", a.Key, timeout))
		case <-actx.Done():
		}
	}()

	// Non-streaming assets cannot flush on demand; critical memory pressure
	// cancels the attempt so it can retry at a smaller chunk size.
	pressure := sampler.Pressure()
	if !a.Streaming {
		go func() {
			select {
			case <-pressure:
				cancel(errors.Newf(errors.ErrCodeMemoryPressure, "asset %q cancelled under memory pressure", a.Key))
			case <-actx.Done():
			}
		}()
		pressure = nil
	}

	upstream := map[string]types.Artifact{}
	var upstreamFPs []string
	for _, in := range a.Inputs {
		inAsset, _ := r.reg.Get(in)
		upstream[in] = types.Artifact{
			Asset:       in,
			Partition:   partition,
			Fingerprint: fps[in],
			Path:        artifactKey(inAsset, partition, fps[in]),
		}
		upstreamFPs = append(upstreamFPs, fps[in])
	}
	sort.Strings(upstreamFPs)

	w, err := r.store.Create(actx, key)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			if abortErr := w.Abort(); abortErr != nil {
				r.logger.Warn("failed to abort staged artifact", logging.Err(abortErr))
			}
		}
	}()
	cw := &countingWriter{w: w}

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	started := time.Now()

	out, err := a.Materialize(actx, &MaterializeContext{
		RunID:       run.RunID,
		Asset:       a,
		Mode:        run.Mode,
		Partition:   partition,
		Fingerprint: fp,
		ChunkSize:   chunk,
		Writer:      cw,
		Store:       r.store,
		Upstream:    upstream,
		Pressure:    pressure,
		Logger:      r.logger,
	})
	if err != nil {
		if cause := context.Cause(actx); cause != nil && actx.Err() != nil {
			return nil, cause
		}
		return nil, err
	}
	if err := w.Commit(actx); err != nil {
		return nil, err
	}
	committed = true

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	peakDelta := 0.0
	if after.HeapAlloc > before.HeapAlloc {
		peakDelta = float64(after.HeapAlloc-before.HeapAlloc) / (1024 * 1024)
	}
	if p := sampler.PeakMB() - float64(before.HeapAlloc)/(1024*1024); p > peakDelta {
		peakDelta = p
	}

	metrics := Metrics{Rows: out.Rows, Bytes: cw.n, RowErrors: out.RowErrors, Custom: out.Metrics}
	checks := runChecks(a.Key, a.Checks, metrics, r.logger)

	meta := &types.Materialization{
		Artifact: types.Artifact{
			Asset:       a.Key,
			Partition:   partition,
			Fingerprint: fp,
			Path:        key,
			SidecarPath: storage.SidecarKey(key),
			Rows:        out.Rows,
			Bytes:       cw.n,
			ProducedAt:  time.Now().UTC(),
			Upstream:    upstreamFPs,
		},
		DurationMS:     time.Since(started).Milliseconds(),
		PeakMemDeltaMB: peakDelta,
		Checks:         checks,
		RowErrors:      out.RowErrors,
	}
	if err := r.writeSidecar(actx, meta); err != nil {
		return nil, err
	}
	r.logger.Info("asset materialized",
		logging.String("asset", a.Key),
		logging.String("fingerprint", fp),
		logging.Int64("rows", out.Rows),
		logging.Int64("bytes", cw.n),
		logging.Duration("elapsed", time.Since(started)))
	return meta, nil
}

func (r *Runner) writeSidecar(ctx context.Context, meta *types.Materialization) error {
	w, err := r.store.Create(ctx, meta.Artifact.SidecarPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		w.Abort()
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode sidecar")
	}
	return w.Commit(ctx)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
