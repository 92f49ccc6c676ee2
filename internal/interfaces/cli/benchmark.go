package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/enrich"
	"github.com/hollomancer/sbir-analytics-sub004/internal/extract"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/postgres"
	"github.com/hollomancer/sbir-analytics-sub004/internal/lookup"
	"github.com/hollomancer/sbir-analytics-sub004/internal/report"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

type benchmarkOptions struct {
	Assets       []string
	Tolerance    float64
	BaselinePath string
	SamplePath   string
}

// NewBenchmarkCmd compares the newest sealed artifacts' check values
// against a baseline and fails on regressions.
func NewBenchmarkCmd() *cobra.Command {
	opts := &benchmarkOptions{}
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Compare current check values against a recorded baseline",
		Long: "Benchmark reads the checks recorded for the newest sealed artifacts and\n" +
			"compares them to baseline values from the run catalog, or from a JSON\n" +
			"file mapping asset to check values. With --sample, the enrichment engine\n" +
			"runs against a fixed award sample instead, so rate drift is measurable\n" +
			"without a full materialization. Regressions beyond the tolerance fail\n" +
			"the command.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			return runBenchmark(cmd.Context(), cc, opts)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.Assets, "assets", nil, "asset selection (default: all registered assets)")
	f.Float64Var(&opts.Tolerance, "tolerance", 0.02, "allowed drift before a delta counts as a regression")
	f.StringVar(&opts.BaselinePath, "baseline", "", "baseline JSON file (default: the run catalog)")
	f.StringVar(&opts.SamplePath, "sample", "", "award sample CSV to enrich instead of reading sealed artifacts")
	return cmd
}

func runBenchmark(ctx context.Context, cc *CLIContext, opts *benchmarkOptions) error {
	cfg, log := cc.Config, cc.Logger

	var baseline report.BaselineSource
	if opts.BaselinePath != "" {
		fb, err := loadFileBaseline(opts.BaselinePath)
		if err != nil {
			return err
		}
		baseline = fb
	} else {
		if !cfg.Catalog.Enabled {
			return errors.New(errors.ErrCodeConfigInvalid, "benchmark needs --baseline or an enabled catalog")
		}
		catalog, err := postgres.NewCatalog(ctx, cfg.Catalog, log)
		if err != nil {
			return err
		}
		defer catalog.Close()
		baseline = catalog
	}

	var run *types.Run
	var err error
	if opts.SamplePath != "" {
		run, err = sampleEnrichmentRun(ctx, cc, opts.SamplePath)
	} else {
		run, err = currentRunSnapshot(ctx, cc, opts.Assets)
	}
	if err != nil {
		return err
	}

	b := report.NewBenchmark(baseline, opts.Tolerance, log)
	deltas, err := b.Compare(ctx, run)
	if err != nil {
		return err
	}
	report.WriteDeltas(os.Stdout, deltas)

	if regressions := report.Regressions(deltas); len(regressions) > 0 {
		return errors.Newf(errors.ErrCodeGateBlocking, "%d check(s) regressed beyond tolerance %.4f",
			len(regressions), opts.Tolerance)
	}
	return nil
}

// currentRunSnapshot reconstructs a run view from the newest sealed sidecar
// of each selected asset, so benchmarking does not require rematerializing.
func currentRunSnapshot(ctx context.Context, cc *CLIContext, selection []string) (*types.Run, error) {
	store, err := openStore(cc.Config, cc.Logger)
	if err != nil {
		return nil, err
	}
	reg := buildRegistry(&assetDeps{cfg: cc.Config, log: cc.Logger})
	if len(selection) == 0 {
		selection = reg.Keys()
	}

	run := &types.Run{RunID: "snapshot", Mode: types.ModeFull}
	for _, key := range selection {
		if _, ok := reg.Get(key); !ok {
			return nil, errors.Newf(errors.ErrCodeAssetNotFound, "unknown asset %q", key)
		}
		meta, err := newestMaterialization(ctx, store, key)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		run.Results = append(run.Results, types.AssetResult{
			Asset:  key,
			Status: types.StatusMaterialized,
			Meta:   meta,
		})
	}
	if len(run.Results) == 0 {
		return nil, errors.NotFound("no sealed artifacts for the selection")
	}
	return run, nil
}

// sampleEnrichmentRun enriches a fixed award sample and reports the
// resulting rates as if they were the enriched asset's checks, so the
// benchmark measures engine drift in isolation.
func sampleEnrichmentRun(ctx context.Context, cc *CLIContext, samplePath string) (*types.Run, error) {
	cfg, log := cc.Config, cc.Logger

	corpus := func(ctx context.Context) ([]lookup.Entry, error) {
		var entries []lookup.Entry
		err := eachSourceRecord(ctx, cfg.Sources.RegistryPath, registrySchema(), cfg, func(rec types.Record) error {
			entries = append(entries, lookup.Entry{
				UEI:   rec.String("uei"),
				DUNS:  rec.String("duns"),
				Name:  rec.String("legal_name"),
				State: rec.String("state"),
				City:  rec.String("city"),
				Zip:   rec.String("zip"),
				NAICS: rec.String("naics"),
			})
			return nil
		})
		return entries, err
	}
	ix, err := lookup.NewProvider(corpus, log).Get(ctx)
	if err != nil {
		return nil, err
	}
	engine := enrich.New(cfg.Enrich, ix, nil, "award_id", log)

	chunk := types.Chunk{}
	err = eachSourceRecord(ctx, samplePath, awardsSchema(), cfg, func(rec types.Record) error {
		a, err := awardFromRecord(rec)
		if err != nil {
			return nil // malformed sample rows are not what this measures
		}
		chunk.Records = append(chunk.Records, recordFromAward(a))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if chunk.Len() == 0 {
		return nil, errors.NotFound("sample contains no usable awards").WithDetail(samplePath)
	}
	for _, spec := range []enrich.FieldSpec{enrich.FieldUEI, enrich.FieldNAICS} {
		if _, err := engine.EnrichChunk(ctx, chunk, spec); err != nil {
			return nil, err
		}
	}

	stats := engine.Stats()
	matchRate, fallbackRate := 1.0, 0.0
	for _, field := range stats.Fields() {
		fs := stats.Field(field)
		if r := fs.MatchRate(); r < matchRate {
			matchRate = r
		}
		if r := fs.FallbackRate(); r > fallbackRate {
			fallbackRate = r
		}
	}
	return &types.Run{
		RunID: "sample",
		Mode:  types.ModeFull,
		Results: []types.AssetResult{{
			Asset:  assetEnrichedAwards,
			Status: types.StatusMaterialized,
			Meta: &types.Materialization{
				Artifact: types.Artifact{Asset: assetEnrichedAwards, Rows: int64(chunk.Len())},
				Checks: []types.CheckResult{
					{
						Asset: assetEnrichedAwards, Check: "min_match_rate",
						Severity: types.SeverityError, Value: matchRate,
						Threshold: cfg.Enrich.MinMatchRate,
						Passed:    matchRate >= cfg.Enrich.MinMatchRate,
					},
					{
						Asset: assetEnrichedAwards, Check: "max_fallback_rate",
						Severity: types.SeverityWarn, Value: fallbackRate,
						Threshold: cfg.Enrich.MaxFallbackRate,
						Passed:    fallbackRate <= cfg.Enrich.MaxFallbackRate,
					},
				},
			},
		}},
	}, nil
}

// eachSourceRecord streams a source file directly, outside the artifact
// store.
func eachSourceRecord(ctx context.Context, path string, schema types.Schema, cfg *config.Config, fn func(types.Record) error) error {
	d := extractDescriptor(schema.Name, path, extract.FormatCSV, "")
	ex, err := extract.ForFormat(d, schema, extract.Options{
		ChunkSize:      cfg.Extract.ChunkSize,
		ErrorTolerance: cfg.Extract.ErrorTolerance,
	})
	if err != nil {
		return err
	}
	it, err := ex.Open(ctx, d)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		chunk, err := it.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		for _, rec := range chunk.Records {
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
}

// fileBaseline serves baselines out of a JSON file shaped
// {"asset": {"check": value}}.
type fileBaseline map[string]map[string]float64

func loadFileBaseline(path string) (fileBaseline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceUnavailable, "failed to read baseline file").WithDetail(path)
	}
	var fb fileBaseline
	if err := json.Unmarshal(raw, &fb); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "malformed baseline file").WithDetail(path)
	}
	return fb, nil
}

func (f fileBaseline) BaselineMetrics(_ context.Context, asset string) (map[string]float64, error) {
	m, ok := f[asset]
	if !ok {
		return nil, errors.NotFound("no baseline recorded").WithDetail(asset)
	}
	return m, nil
}
