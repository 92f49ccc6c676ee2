// Package pipeline is the asset runtime: a registry of content-addressed
// assets wired into a dependency graph, materialized in topological order
// with bounded parallelism. An asset's fingerprint is a deterministic
// function of the code version, its configuration slice, and its upstream
// fingerprints; incremental runs skip assets whose fingerprint already has a
// sealed artifact.
package pipeline

import (
	"context"
	"io"
	"sort"

	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/storage"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// MaterializeContext carries everything a materializer needs: the staged
// writer for the primary artifact, read access to upstream artifacts, and
// the memory backpressure channel. Writes through Writer become visible only
// if the materializer returns nil.
type MaterializeContext struct {
	RunID       string
	Asset       *Asset
	Mode        types.RunMode
	Partition   string
	Fingerprint string
	ChunkSize   int

	Writer   io.Writer
	Store    storage.ObjectStore
	Upstream map[string]types.Artifact

	// Pressure receives a signal when the memory sampler crosses the
	// critical threshold. Streaming materializers should flush and shrink
	// buffers; ignoring it risks cancellation and a retry at a smaller
	// chunk size.
	Pressure <-chan struct{}

	Logger logging.Logger
}

// MaterializeOutput reports what a materializer produced.
type MaterializeOutput struct {
	Rows      int64
	RowErrors int64
	// Metrics feeds quality-check predicates (match rates, error rates).
	Metrics map[string]float64
}

// Materializer produces one artifact. It must be deterministic for a fixed
// fingerprint and must stream through mc.Writer rather than accumulate.
type Materializer func(ctx context.Context, mc *MaterializeContext) (*MaterializeOutput, error)

// Asset is one node of the pipeline graph.
type Asset struct {
	Key           string
	Inputs        []string
	Partitioning  string // "" for unpartitioned assets
	StorageFormat string // artifact extension: "parquet", "json", "jsonl"
	// Config is the slice of configuration that affects this asset's
	// output, folded into the fingerprint.
	Config map[string]any
	Checks []Check
	// Streaming marks assets that honor the backpressure channel; the
	// runtime cancels and retries non-streaming assets at a down-stepped
	// chunk size under memory pressure.
	Streaming   bool
	Materialize Materializer
}

// Registry holds the asset graph. Populated once at startup from an
// explicit list; not safe for concurrent mutation.
type Registry struct {
	assets map[string]*Asset
	order  []string // registration order, for stable iteration
}

func NewRegistry() *Registry {
	return &Registry{assets: map[string]*Asset{}}
}

func (r *Registry) Register(a *Asset) error {
	if a.Key == "" || a.Materialize == nil {
		return errors.New(errors.ErrCodeInvalidParam, "asset needs a key and a materializer")
	}
	if _, dup := r.assets[a.Key]; dup {
		return errors.Newf(errors.ErrCodeConflict, "asset %q already registered", a.Key)
	}
	r.assets[a.Key] = a
	r.order = append(r.order, a.Key)
	return nil
}

// MustRegister panics on registration failure; the asset list is static.
func (r *Registry) MustRegister(a *Asset) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(key string) (*Asset, bool) {
	a, ok := r.assets[key]
	return a, ok
}

func (r *Registry) Keys() []string {
	return append([]string(nil), r.order...)
}

// Plan expands a selection to its upstream closure and returns it in
// topological order, lexicographic among ready assets so plans are stable.
// An empty selection plans every registered asset.
func (r *Registry) Plan(selection []string) ([]string, error) {
	if len(selection) == 0 {
		selection = r.order
	}

	wanted := map[string]bool{}
	var expand func(key string) error
	expand = func(key string) error {
		if wanted[key] {
			return nil
		}
		a, ok := r.assets[key]
		if !ok {
			return errors.Newf(errors.ErrCodeAssetNotFound, "unknown asset %q", key)
		}
		wanted[key] = true
		for _, in := range a.Inputs {
			if err := expand(in); err != nil {
				return err
			}
		}
		return nil
	}
	for _, key := range selection {
		if err := expand(key); err != nil {
			return nil, err
		}
	}

	// Kahn's algorithm with a sorted ready set.
	indegree := map[string]int{}
	for key := range wanted {
		indegree[key] = 0
	}
	for key := range wanted {
		for _, in := range r.assets[key].Inputs {
			if wanted[in] {
				indegree[key]++
			}
		}
	}
	var ready []string
	for key, deg := range indegree {
		if deg == 0 {
			ready = append(ready, key)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		order = append(order, key)
		var unlocked []string
		for other := range wanted {
			for _, in := range r.assets[other].Inputs {
				if in == key {
					indegree[other]--
					if indegree[other] == 0 {
						unlocked = append(unlocked, other)
					}
				}
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}
	if len(order) != len(wanted) {
		return nil, errors.New(errors.ErrCodeAssetCycle, "asset graph contains a cycle")
	}
	return order, nil
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
