package cli

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/enrich"
	"github.com/hollomancer/sbir-analytics-sub004/internal/graph"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/kafka"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/postgres"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/redis"
	"github.com/hollomancer/sbir-analytics-sub004/internal/pipeline"
	"github.com/hollomancer/sbir-analytics-sub004/internal/report"
	"github.com/hollomancer/sbir-analytics-sub004/internal/storage"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

type materializeOptions struct {
	Assets      []string
	Mode        string
	Partition   string
	ReportPath  string
	MetricsAddr string
}

// NewMaterializeCmd runs the asset pipeline.
func NewMaterializeCmd() *cobra.Command {
	opts := &materializeOptions{}
	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "Materialize pipeline assets",
		Long: "Materialize plans the selected assets with their upstream closure and\n" +
			"runs them in dependency order. With --mode incremental, assets whose\n" +
			"fingerprint already has a sealed artifact are observed instead of rebuilt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := GetCLIContext(cmd)
			if err != nil {
				return err
			}
			return runMaterialize(cmd.Context(), cc, opts)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.Assets, "assets", nil, "asset selection (default: all registered assets)")
	f.StringVar(&opts.Mode, "mode", string(types.ModeFull), "run mode (full, incremental)")
	f.StringVar(&opts.Partition, "partition", "", "partition key for partitioned assets")
	f.StringVar(&opts.ReportPath, "report", "", "write the run report JSON to this path")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address for the duration of the run")
	return cmd
}

func runMaterialize(ctx context.Context, cc *CLIContext, opts *materializeOptions) error {
	cfg, log := cc.Config, cc.Logger

	mode := types.RunMode(opts.Mode)
	if mode != types.ModeFull && mode != types.ModeIncremental {
		return errors.Newf(errors.ErrCodeInvalidParam, "mode %q is not full or incremental", opts.Mode)
	}

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}

	var runnerOpts []pipeline.RunnerOption
	if cfg.Extract.ChunkSize > 0 {
		runnerOpts = append(runnerOpts, pipeline.WithChunkSize(cfg.Extract.ChunkSize))
	}
	if cfg.Catalog.Enabled {
		catalog, err := postgres.NewCatalog(ctx, cfg.Catalog, log)
		if err != nil {
			return err
		}
		defer catalog.Close()
		runnerOpts = append(runnerOpts, pipeline.WithCatalog(catalog))
	}
	publisher := kafka.NewPublisher(cfg.Kafka, log)
	defer publisher.Close()
	if publisher.Enabled() {
		runnerOpts = append(runnerOpts, pipeline.WithEvents(publisher))
	}

	var cache enrich.EntryCache
	if cfg.Redis.Addr != "" {
		rc, err := redis.NewEntryCache(ctx, cfg.Redis, log)
		if err != nil {
			// The cache is an accelerator; a run without it is slower,
			// not wrong.
			log.Warn("registry cache unavailable, continuing without it", logging.Err(err))
		} else {
			defer rc.Close()
			cache = rc
		}
	}

	metrics := report.NewMetrics("sbir")
	if opts.MetricsAddr != "" {
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: metrics.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics listener stopped", logging.Err(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	deps := &assetDeps{
		cfg:     cfg,
		log:     log,
		cache:   cache,
		metrics: metrics,
		dialGraph: func(ctx context.Context) (graph.Executor, func(), error) {
			d, err := graph.NewDriver(cfg.Graph, log)
			if err != nil {
				return nil, nil, err
			}
			return d, func() { d.Close() }, nil
		},
	}

	runner := pipeline.NewRunner(buildRegistry(deps), store, cfg.Runtime, log, runnerOpts...)
	run, err := runner.Run(ctx, opts.Assets, mode, opts.Partition)
	if err != nil {
		return err
	}
	metrics.ObserveRun(run)

	summary := report.Summarize(run)
	summary.WriteConsole(os.Stdout)
	if opts.ReportPath != "" {
		f, err := os.Create(opts.ReportPath)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeStorage, "failed to create run report").WithDetail(opts.ReportPath)
		}
		defer f.Close()
		if err := summary.WriteJSON(f); err != nil {
			return err
		}
	}
	return runOutcome(run)
}

// runOutcome maps a finished run to a coded error: blocking quality gates
// exit 2, any other failed asset exits 1.
func runOutcome(run *types.Run) error {
	for _, res := range run.Results {
		if res.Meta == nil {
			continue
		}
		for _, c := range res.Meta.Checks {
			if c.Blocking() {
				return errors.Newf(errors.ErrCodeGateBlocking,
					"check %s failed on %s: value %.4f vs threshold %.4f",
					c.Check, c.Asset, c.Value, c.Threshold)
			}
		}
	}
	if !run.Succeeded() {
		return errors.Newf(errors.ErrCodeInternal, "run %s finished with failed assets", run.RunID)
	}
	return nil
}

// openStore builds the configured artifact store backend.
func openStore(cfg *config.Config, log logging.Logger) (storage.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "minio":
		return storage.NewMinioStore(cfg.Storage, log)
	default:
		return storage.NewLocalStore(cfg.Storage.Root)
	}
}
