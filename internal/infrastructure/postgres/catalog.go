// Package postgres implements the run and artifact catalog: a durable record
// of every run, every materialization, and the fingerprints they produced,
// queryable for incremental planning and benchmark baselines.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// poolAPI is the slice of pgxpool.Pool the catalog uses, kept narrow so
// tests can fake it.
type poolAPI interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// DSN builds the catalog connection string. The password comes from
// configuration, which sources it from the environment.
func DSN(cfg config.CatalogConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password),
		cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)
}

// Catalog records runs and materializations in PostgreSQL.
type Catalog struct {
	pool   poolAPI
	logger logging.Logger
}

// NewCatalog connects a pool and verifies it with a ping.
func NewCatalog(ctx context.Context, cfg config.CatalogConfig, log logging.Logger) (*Catalog, error) {
	poolCfg, err := pgxpool.ParseConfig(DSN(cfg))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCatalogError, "invalid catalog configuration")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCatalogError, "failed to create catalog pool")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to reach catalog database")
	}
	log.Info("catalog connected",
		logging.String("host", cfg.Host),
		logging.String("database", cfg.DBName))
	return &Catalog{pool: pool, logger: log}, nil
}

func newCatalogWithPool(pool poolAPI, log logging.Logger) *Catalog {
	return &Catalog{pool: pool, logger: log}
}

func (c *Catalog) Close() {
	c.pool.Close()
}

// RecordRun upserts the run row with its final results.
func (c *Catalog) RecordRun(ctx context.Context, run *types.Run) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode run results")
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO runs (run_id, mode, selection, started, ended, succeeded, results)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE
		SET ended = EXCLUDED.ended, succeeded = EXCLUDED.succeeded, results = EXCLUDED.results`,
		run.RunID, string(run.Mode), run.Selection, run.Started, run.Ended, run.Succeeded(), results)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCatalogError, "failed to record run").WithDetail(run.RunID)
	}
	return nil
}

// RecordMaterialization inserts one artifact row. Re-materializations of the
// same fingerprint update the row instead of duplicating it.
func (c *Catalog) RecordMaterialization(ctx context.Context, runID string, m *types.Materialization) error {
	checks, err := json.Marshal(m.Checks)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode check results")
	}
	_, err = c.pool.Exec(ctx, `
		INSERT INTO artifacts
			(asset, partition, fingerprint, run_id, path, sidecar_path,
			 rows_count, bytes, duration_ms, peak_mem_delta_mb, row_errors, retries,
			 checks, upstream, produced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (asset, partition, fingerprint) DO UPDATE
		SET run_id = EXCLUDED.run_id, produced_at = EXCLUDED.produced_at,
		    rows_count = EXCLUDED.rows_count, bytes = EXCLUDED.bytes,
		    duration_ms = EXCLUDED.duration_ms, checks = EXCLUDED.checks`,
		m.Artifact.Asset, m.Artifact.Partition, m.Artifact.Fingerprint, runID,
		m.Artifact.Path, m.Artifact.SidecarPath,
		m.Artifact.Rows, m.Artifact.Bytes, m.DurationMS, m.PeakMemDeltaMB,
		m.RowErrors, m.Retries, checks, m.Artifact.Upstream, m.Artifact.ProducedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCatalogError, "failed to record materialization").WithDetail(m.Artifact.Asset)
	}
	return nil
}

// LatestFingerprint returns the most recent fingerprint recorded for an
// asset/partition, or "" when the asset has never materialized.
func (c *Catalog) LatestFingerprint(ctx context.Context, asset, partition string) (string, error) {
	var fp string
	err := c.pool.QueryRow(ctx, `
		SELECT fingerprint FROM artifacts
		WHERE asset = $1 AND partition = $2
		ORDER BY produced_at DESC LIMIT 1`, asset, partition).Scan(&fp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", errors.Wrap(err, errors.ErrCodeCatalogError, "failed to query latest fingerprint").WithDetail(asset)
	}
	return fp, nil
}

// BaselineMetrics returns the check values of the most recent successful run
// of an asset, for benchmark regression comparison.
func (c *Catalog) BaselineMetrics(ctx context.Context, asset string) (map[string]float64, error) {
	var raw []byte
	err := c.pool.QueryRow(ctx, `
		SELECT checks FROM artifacts
		WHERE asset = $1
		ORDER BY produced_at DESC LIMIT 1`, asset).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("no baseline recorded").WithDetail(asset)
		}
		return nil, errors.Wrap(err, errors.ErrCodeCatalogError, "failed to query baseline").WithDetail(asset)
	}
	var checks []types.CheckResult
	if err := json.Unmarshal(raw, &checks); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "stored checks are corrupt").WithDetail(asset)
	}
	out := make(map[string]float64, len(checks))
	for _, ch := range checks {
		out[ch.Check] = ch.Value
	}
	return out, nil
}
