package graph

import (
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"golang.org/x/sync/errgroup"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// NodeBatch is a set of same-label nodes to upsert, keyed by a unique
// property.
type NodeBatch struct {
	Label   string
	KeyProp string
	Rows    []NodeRow
}

// NodeRow carries one node's key and its remaining properties.
type NodeRow struct {
	Key   any
	Props map[string]any
}

// RelBatch is a set of same-type relationships between already-loaded nodes.
type RelBatch struct {
	Type       string
	StartLabel string
	StartProp  string
	EndLabel   string
	EndProp    string
	Rows       []RelRow
}

// RelRow identifies one relationship's endpoints by node key, plus edge
// properties (method, confidence on derived edges).
type RelRow struct {
	Start any
	End   any
	Props map[string]any
}

// Failure records a single row that could not be written after batch
// splitting reduced the failing batch to one row.
type Failure struct {
	Batch string `json:"batch"`
	Key   any    `json:"key"`
	Error string `json:"error"`
}

// Report accumulates load outcomes across workers.
type Report struct {
	mu           sync.Mutex
	NodesWritten int       `json:"nodes_written"`
	RelsWritten  int       `json:"rels_written"`
	Tombstoned   int       `json:"tombstoned"`
	Retries      int       `json:"retries"`
	Failures     []Failure `json:"failures,omitempty"`
}

func (r *Report) addNodes(n int) {
	r.mu.Lock()
	r.NodesWritten += n
	r.mu.Unlock()
}

func (r *Report) addRels(n int) {
	r.mu.Lock()
	r.RelsWritten += n
	r.mu.Unlock()
}

func (r *Report) addRetry() {
	r.mu.Lock()
	r.Retries++
	r.mu.Unlock()
}

func (r *Report) addFailure(f Failure) {
	r.mu.Lock()
	r.Failures = append(r.Failures, f)
	r.mu.Unlock()
}

// Loader writes entity batches into the graph. All writes are MERGE-based:
// loading the same batches twice converges on the same graph.
type Loader struct {
	exec   Executor
	cfg    config.GraphConfig
	logger logging.Logger
}

func NewLoader(exec Executor, cfg config.GraphConfig, log logging.Logger) *Loader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultGraphBatchSize
	}
	if cfg.LoaderWorkers <= 0 {
		cfg.LoaderWorkers = config.DefaultGraphLoaderWorkers
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = config.DefaultGraphMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &Loader{exec: exec, cfg: cfg, logger: log}
}

// Load upserts all node batches, then all relationship batches. Nodes go
// first so every relationship endpoint exists when the edge is merged.
// Within a phase, workers own disjoint partitions of each batch (by key
// hash) so no two transactions contend on the same node.
func (l *Loader) Load(ctx context.Context, nodes []NodeBatch, rels []RelBatch) (*Report, error) {
	report := &Report{}
	started := time.Now()

	for _, nb := range nodes {
		if err := l.loadNodeBatch(ctx, nb, report); err != nil {
			return report, err
		}
	}
	for _, rb := range rels {
		if err := l.loadRelBatch(ctx, rb, report); err != nil {
			return report, err
		}
	}

	l.logger.Info("graph load complete",
		logging.Int("nodes", report.NodesWritten),
		logging.Int("rels", report.RelsWritten),
		logging.Int("retries", report.Retries),
		logging.Int("failures", len(report.Failures)),
		logging.Duration("elapsed", time.Since(started)))
	return report, nil
}

func partitionIndex(key any, workers int) int {
	h := fnv.New32a()
	fmt.Fprint(h, key)
	return int(h.Sum32()) % workers
}

func (l *Loader) loadNodeBatch(ctx context.Context, nb NodeBatch, report *Report) error {
	parts := make([][]NodeRow, l.cfg.LoaderWorkers)
	for _, row := range nb.Rows {
		i := partitionIndex(row.Key, l.cfg.LoaderWorkers)
		parts[i] = append(parts[i], row)
	}

	cypher := fmt.Sprintf(
		"UNWIND $rows AS row "+
			"MERGE (n:%s {%s: row.key}) "+
			"ON CREATE SET n.created_at = $now "+
			"SET n += row.props, n.updated_at = $now",
		nb.Label, nb.KeyProp)

	g, gctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		part := part
		g.Go(func() error {
			for start := 0; start < len(part); start += l.cfg.BatchSize {
				end := min(start+l.cfg.BatchSize, len(part))
				chunk := part[start:end]
				rows := make([]map[string]any, len(chunk))
				for i, row := range chunk {
					rows[i] = map[string]any{"key": row.Key, "props": row.Props}
				}
				keys := make([]any, len(chunk))
				for i, row := range chunk {
					keys[i] = row.Key
				}
				if err := l.writeChunk(gctx, nb.Label, cypher, rows, keys, report, report.addNodes); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (l *Loader) loadRelBatch(ctx context.Context, rb RelBatch, report *Report) error {
	parts := make([][]RelRow, l.cfg.LoaderWorkers)
	for _, row := range rb.Rows {
		i := partitionIndex(row.Start, l.cfg.LoaderWorkers)
		parts[i] = append(parts[i], row)
	}

	cypher := fmt.Sprintf(
		"UNWIND $rows AS row "+
			"MATCH (a:%s {%s: row.start}) "+
			"MATCH (b:%s {%s: row.end}) "+
			"MERGE (a)-[r:%s]->(b) "+
			"ON CREATE SET r.created_at = $now "+
			"SET r += row.props, r.updated_at = $now",
		rb.StartLabel, rb.StartProp, rb.EndLabel, rb.EndProp, rb.Type)

	g, gctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		if len(part) == 0 {
			continue
		}
		part := part
		g.Go(func() error {
			for start := 0; start < len(part); start += l.cfg.BatchSize {
				end := min(start+l.cfg.BatchSize, len(part))
				chunk := part[start:end]
				rows := make([]map[string]any, len(chunk))
				keys := make([]any, len(chunk))
				for i, row := range chunk {
					rows[i] = map[string]any{"start": row.Start, "end": row.End, "props": row.Props}
					keys[i] = fmt.Sprintf("%v->%v", row.Start, row.End)
				}
				if err := l.writeChunk(gctx, rb.Type, cypher, rows, keys, report, report.addRels); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// writeChunk runs one UNWIND transaction with bounded retries on transient
// errors. A chunk that keeps failing transiently, or that trips a schema
// constraint, is split in half and each half retried; at a single row the
// row is recorded as a failure and the load continues. Any other error
// aborts the load. count is credited only for rows that actually landed.
func (l *Loader) writeChunk(ctx context.Context, batch, cypher string, rows []map[string]any, keys []any, report *Report, count func(int)) error {
	err := l.runWithRetry(ctx, cypher, rows, report)
	if err == nil {
		count(len(rows))
		return nil
	}
	if !isTransient(err) && !isConstraint(err) {
		return errors.Wrap(err, errors.ErrCodeLoaderFatal, "graph write failed").WithDetail(batch)
	}
	if len(rows) == 1 {
		l.logger.Warn("dropping unloadable row",
			logging.String("batch", batch),
			logging.Any("key", keys[0]),
			logging.Err(err))
		report.addFailure(Failure{Batch: batch, Key: keys[0], Error: err.Error()})
		return nil
	}
	mid := len(rows) / 2
	if err := l.writeChunk(ctx, batch, cypher, rows[:mid], keys[:mid], report, count); err != nil {
		return err
	}
	return l.writeChunk(ctx, batch, cypher, rows[mid:], keys[mid:], report, count)
}

func (l *Loader) runWithRetry(ctx context.Context, cypher string, rows []map[string]any, report *Report) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.RetryBackoff
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(l.cfg.MaxRetries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			report.addRetry()
		}
		attempt++
		_, err := l.exec.ExecuteWrite(ctx, func(tx Transaction) (any, error) {
			params := map[string]any{"rows": rows, "now": time.Now().UTC().Format(time.RFC3339)}
			result, err := tx.Run(ctx, cypher, params)
			if err != nil {
				return nil, err
			}
			return result.Consume(ctx)
		})
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// isTransient reports whether an error is worth retrying: driver-classified
// retryable errors plus lock/conflict conditions surfaced by our own codes.
func isTransient(err error) bool {
	if neo4j.IsRetryable(err) {
		return true
	}
	return errors.IsCode(err, errors.ErrCodeLoaderConflict) || errors.IsRetryable(err)
}

// isConstraint reports whether an error is a per-row constraint violation:
// schema constraint failures from the server, or our own loader constraint
// code. Retrying never helps, but only the offending row is poisoned, so
// the batch is split down to it instead of aborting the load.
func isConstraint(err error) bool {
	var ne *db.Neo4jError
	if stderrors.As(err, &ne) && strings.HasPrefix(ne.Code, "Neo.ClientError.Schema.Constraint") {
		return true
	}
	return errors.IsCode(err, errors.ErrCodeLoaderConstraint)
}

// Tombstone stamps deprecated_at on nodes of a label whose key is absent
// from the live set. Used when a source drops records and the graph should
// reflect that without deleting history. No-op unless tombstone_missing is
// set.
func (l *Loader) Tombstone(ctx context.Context, label, keyProp string, liveKeys []any, report *Report) error {
	if !l.cfg.TombstoneMissing {
		return nil
	}
	cypher := fmt.Sprintf(
		"MATCH (n:%s) WHERE NOT n.%s IN $keys AND n.deprecated_at IS NULL "+
			"SET n.deprecated_at = $now "+
			"RETURN count(n) AS tombstoned",
		label, keyProp)
	count, err := l.exec.ExecuteWrite(ctx, func(tx Transaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"keys": liveKeys,
			"now":  time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, err
		}
		if result.Next(ctx) {
			v, _ := result.Record().Get("tombstoned")
			return v, nil
		}
		return int64(0), result.Err()
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeLoaderFatal, "tombstone pass failed").WithDetail(label)
	}
	if n, ok := count.(int64); ok && n > 0 {
		report.mu.Lock()
		report.Tombstoned += int(n)
		report.mu.Unlock()
		l.logger.Info("tombstoned missing nodes", logging.String("label", label), logging.Int64("count", n))
	}
	return nil
}
