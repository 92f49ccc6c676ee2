package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/fuzzy"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/lookup"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Base confidences of the strategy chain, in chain order.
const (
	confOriginal   = 0.95
	confIdentifier = 0.90
	confLegacy     = 0.85
	confAPI        = 0.85
	confFuzzyBase  = 0.70
	confDomain     = 0.50
	confSector     = 0.30

	// A fuzzy candidate whose address agrees within the configured postcode
	// prefix gains the proximity boost, capped below the exact-match tier.
	proximityBoost = 0.10
	proximityCap   = 0.85
)

// Attempt records one strategy's outcome on one record, successful or not.
// Every attempt lands in the evidence blob.
type Attempt struct {
	Source     types.EnrichmentSource `json:"source"`
	Method     string                 `json:"method"`
	Value      string                 `json:"value,omitempty"`
	Confidence float64                `json:"confidence"`
	Detail     map[string]any         `json:"detail,omitempty"`
	Err        string                 `json:"error,omitempty"`
}

// Engine resolves target fields through the strategy chain. It is safe for
// concurrent use; all mutable aggregation lives behind the stats lock.
type Engine struct {
	cfg   config.EnrichConfig
	index *lookup.RegistryIndex
	api   *ResilientClient // nil disables the API strategy
	log   logging.Logger
	stats *Stats

	// idField names the record field used as RecordID on results.
	idField string
}

// New constructs an Engine over a built registry index. api may be nil.
func New(cfg config.EnrichConfig, index *lookup.RegistryIndex, api *ResilientClient, idField string, log logging.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		index:   index,
		api:     api,
		log:     log.Named("enrich"),
		stats:   NewStats(),
		idField: idField,
	}
}

// Stats returns the run-level aggregation.
func (e *Engine) Stats() *Stats { return e.stats }

// recordState tracks one record's progress down the chain.
type recordState struct {
	rec      types.Record
	attempts []Attempt
	winner   *Attempt // set once a strategy meets the stop threshold
}

func (st *recordState) add(a Attempt, stop float64) {
	st.attempts = append(st.attempts, a)
	if st.winner == nil && a.Value != "" && a.Err == "" && a.Confidence >= stop {
		st.winner = &st.attempts[len(st.attempts)-1]
	}
}

func (st *recordState) resolved() bool { return st.winner != nil }

// EnrichChunk runs the chain over one chunk for one field and returns a
// result per record, in record order.
func (e *Engine) EnrichChunk(ctx context.Context, chunk types.Chunk, spec FieldSpec) ([]types.EnrichmentResult, error) {
	states := make([]*recordState, len(chunk.Records))
	for i, rec := range chunk.Records {
		states[i] = &recordState{rec: rec}
	}

	// Tier 1-3: local resolution.
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCancelled, "enrichment cancelled")
		}
		e.keepOriginal(st, spec)
		if st.resolved() {
			continue
		}
		e.identifierMatch(st, spec)
		if st.resolved() {
			continue
		}
		e.legacyMatch(st, spec)
	}

	// Tier 4: batched API lookup for the still-unresolved.
	if e.api != nil {
		if err := e.apiLookup(ctx, states, spec); err != nil {
			return nil, err
		}
	}

	// Tier 5-8: fuzzy, proximity, defaults.
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCancelled, "enrichment cancelled")
		}
		if st.resolved() {
			continue
		}
		e.fuzzyAndProximity(st, spec)
		if st.resolved() {
			continue
		}
		e.domainDefault(st, spec)
		if st.resolved() {
			continue
		}
		e.sectorFallback(st, spec)
	}

	results := make([]types.EnrichmentResult, len(states))
	now := time.Now().UTC()
	for i, st := range states {
		results[i] = e.finalize(st, spec, now)
		e.stats.Observe(spec.Name, results[i])
	}
	return results, nil
}

// Run consumes chunks with a worker pool and forwards per-chunk results.
// Output order across chunks is not guaranteed. The results channel closes
// when all workers finish; the returned wait function reports the first
// failure.
func (e *Engine) Run(ctx context.Context, in <-chan types.Chunk, spec FieldSpec) (<-chan []types.EnrichmentResult, func() error) {
	out := make(chan []types.EnrichmentResult)
	g, ctx := errgroup.WithContext(ctx)
	workers := e.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for chunk := range in {
				results, err := e.EnrichChunk(ctx, chunk, spec)
				if err != nil {
					return err
				}
				select {
				case out <- results:
				case <-ctx.Done():
					// Completed records already sent are kept; this chunk's
					// partial results are discarded.
					return errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "enrichment cancelled")
				}
			}
			return nil
		})
	}
	go func() {
		g.Wait()
		close(out)
	}()
	return out, g.Wait
}

// ─────────────────────────────────────────────────────────────────────────────
// Strategies
// ─────────────────────────────────────────────────────────────────────────────

func (e *Engine) keepOriginal(st *recordState, spec FieldSpec) {
	v := spec.Original(st.rec)
	a := Attempt{Source: types.SourceOriginal, Method: "keep_original", Confidence: confOriginal}
	if v != "" && spec.Valid(v) {
		a.Value = v
	} else if v != "" {
		a.Err = "original value fails format check"
		a.Detail = map[string]any{"original": v}
	} else {
		a.Err = "field absent"
	}
	st.add(a, e.cfg.StopThreshold)
}

func (e *Engine) identifierMatch(st *recordState, spec FieldSpec) {
	a := Attempt{Source: types.SourceIdentifier, Method: "uei_exact", Confidence: confIdentifier}
	uei := fuzzy.FormatUEI(st.rec.String("uei"))
	if uei == "" {
		a.Err = "no supplier identifier on record"
		st.add(a, e.cfg.StopThreshold)
		return
	}
	entry := e.index.ByUEI(uei)
	if entry == nil {
		a.Err = "identifier not in registry"
		a.Detail = map[string]any{"uei": uei}
		st.add(a, e.cfg.StopThreshold)
		return
	}
	if v := spec.FromEntry(entry); v != "" {
		a.Value = v
		a.Detail = map[string]any{"uei": uei, "registered_name": entry.Name}
	} else {
		a.Err = "registry entry carries no value for field"
	}
	st.add(a, e.cfg.StopThreshold)
}

func (e *Engine) legacyMatch(st *recordState, spec FieldSpec) {
	a := Attempt{Source: types.SourceLegacyID, Method: "duns_exact", Confidence: confLegacy}
	duns := fuzzy.FormatDUNS(st.rec.String("duns"))
	if duns == "" {
		a.Err = "no legacy identifier on record"
		st.add(a, e.cfg.StopThreshold)
		return
	}
	entry := e.index.ByDUNS(duns)
	if entry == nil {
		a.Err = "legacy identifier not in registry"
		a.Detail = map[string]any{"duns": duns}
		st.add(a, e.cfg.StopThreshold)
		return
	}
	if v := spec.FromEntry(entry); v != "" {
		a.Value = v
		a.Detail = map[string]any{"duns": duns, "registered_name": entry.Name}
	} else {
		a.Err = "registry entry carries no value for field"
	}
	st.add(a, e.cfg.StopThreshold)
}

// apiKey picks the lookup key a record presents to the registry API.
func apiKey(rec types.Record) string {
	if uei := fuzzy.FormatUEI(rec.String("uei")); uei != "" {
		return uei
	}
	if duns := fuzzy.FormatDUNS(rec.String("duns")); duns != "" {
		return duns
	}
	return fuzzy.NormalizeName(rec.String("company"))
}

func (e *Engine) apiLookup(ctx context.Context, states []*recordState, spec FieldSpec) error {
	batchSize := e.cfg.Registry.BatchSize
	if batchSize < 1 {
		batchSize = 100
	}
	pending := make([]*recordState, 0, len(states))
	keys := make([]string, 0, len(states))
	for _, st := range states {
		if st.resolved() {
			continue
		}
		k := apiKey(st.rec)
		if k == "" {
			st.add(Attempt{Source: types.SourceAPILookup, Method: "registry_batch",
				Confidence: confAPI, Err: "no lookup key"}, e.cfg.StopThreshold)
			continue
		}
		pending = append(pending, st)
		keys = append(keys, k)
	}

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		entries, err := e.api.LookupBatch(ctx, keys[start:end])
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeCancelled) {
				return err
			}
			// Source failure degrades the whole batch to later strategies.
			for _, st := range pending[start:end] {
				st.add(Attempt{Source: types.SourceAPILookup, Method: "registry_batch",
					Confidence: confAPI, Err: err.Error()}, e.cfg.StopThreshold)
			}
			continue
		}
		for j, st := range pending[start:end] {
			a := Attempt{Source: types.SourceAPILookup, Method: "registry_batch", Confidence: confAPI}
			if entry := entries[j]; entry != nil {
				if v := spec.FromEntry(entry); v != "" {
					a.Value = v
					a.Detail = map[string]any{"key": keys[start+j], "registered_name": entry.Name}
				} else {
					a.Err = "registry entry carries no value for field"
				}
			} else {
				a.Err = "no registry match"
			}
			st.add(a, e.cfg.StopThreshold)
		}
	}
	return nil
}

// fuzzyAndProximity scores the best name candidate (tier 5), then applies
// the proximity modifier (tier 6) when the addresses agree.
func (e *Engine) fuzzyAndProximity(st *recordState, spec FieldSpec) {
	name := st.rec.String("company")
	a := Attempt{Source: types.SourceNameFuzzy, Method: "token_sort_name", Confidence: 0}
	if fuzzy.NormalizeName(name) == "" {
		a.Err = "no company name on record"
		st.add(a, e.cfg.StopThreshold)
		return
	}

	state := fuzzy.NormalizeState(st.rec.String("state"))
	var best *lookup.Entry
	bestScore := 0.0
	consider := func(entry *lookup.Entry) bool {
		if state != "" && entry.State != "" && entry.State != state {
			return true
		}
		score := fuzzy.Similarity(name, entry.Name)
		if score > bestScore {
			bestScore, best = score, entry
		}
		return true
	}
	// Exact-bucket candidates first; a full scan only when the bucket is
	// empty, keeping the common case cheap.
	bucket := e.index.ByName(name)
	for _, entry := range bucket {
		consider(entry)
	}
	if best == nil {
		e.index.All(consider)
	}

	if best == nil || bestScore < e.cfg.FuzzyMedium {
		a.Err = fmt.Sprintf("no candidate above similarity %.2f", e.cfg.FuzzyMedium)
		st.add(a, e.cfg.StopThreshold)
		return
	}

	v := spec.FromEntry(best)
	if v == "" {
		a.Err = "best candidate carries no value for field"
		a.Detail = map[string]any{"candidate": best.Name, "similarity": bestScore}
		st.add(a, e.cfg.StopThreshold)
		return
	}
	a.Value = v
	a.Confidence = confFuzzyBase * bestScore
	a.Detail = map[string]any{"candidate": best.Name, "similarity": bestScore}
	st.add(a, e.cfg.StopThreshold)

	// Proximity: geographic agreement upgrades the fuzzy candidate.
	p := Attempt{Source: types.SourceProximity, Method: "zip_prefix", Confidence: 0}
	if fuzzy.ZipPrefixMatch(st.rec.String("zip"), best.Zip, e.cfg.ZipPrefixLen) {
		p.Value = v
		p.Confidence = a.Confidence + proximityBoost
		if p.Confidence > proximityCap {
			p.Confidence = proximityCap
		}
		p.Detail = map[string]any{"candidate": best.Name, "zip": best.Zip}
	} else {
		p.Err = "no postcode agreement"
	}
	st.add(p, e.cfg.StopThreshold)
}

func (e *Engine) domainDefault(st *recordState, spec FieldSpec) {
	a := Attempt{Source: types.SourceDomainDefault, Method: "agency_default", Confidence: confDomain}
	if spec.DomainDefault == nil {
		a.Err = "no domain default for field"
		st.add(a, e.cfg.StopThreshold)
		return
	}
	if v := spec.DomainDefault(st.rec); v != "" {
		a.Value = v
		a.Detail = map[string]any{"agency": st.rec.String("agency")}
	} else {
		a.Err = "no default for agency"
	}
	st.add(a, e.cfg.StopThreshold)
}

func (e *Engine) sectorFallback(st *recordState, spec FieldSpec) {
	a := Attempt{Source: types.SourceSectorFall, Method: "catch_all", Confidence: confSector}
	if spec.SectorFallback != "" {
		a.Value = spec.SectorFallback
	} else {
		a.Err = "no fallback for field"
	}
	st.add(a, e.cfg.StopThreshold)
}

// finalize picks the winner and assembles the result with its evidence.
// Without a stopping strategy, the maximum-confidence candidate wins;
// ties break by source priority, then by chain position.
func (e *Engine) finalize(st *recordState, spec FieldSpec, now time.Time) types.EnrichmentResult {
	win := st.winner
	if win == nil {
		for i := range st.attempts {
			a := &st.attempts[i]
			if a.Value == "" || a.Err != "" {
				continue
			}
			if win == nil ||
				a.Confidence > win.Confidence ||
				(a.Confidence == win.Confidence && a.Source.Priority() < win.Source.Priority()) {
				win = a
			}
		}
	}

	evidence, _ := json.Marshal(map[string]any{"attempts": st.attempts})
	res := types.EnrichmentResult{
		RecordID:  st.rec.String(e.idField),
		Field:     spec.Name,
		Original:  spec.Original(st.rec),
		Evidence:  evidence,
		Timestamp: now,
	}
	if win == nil {
		res.Source = types.SourceNoMatch
		res.Method = "none"
		res.Confidence = 0
		return res
	}
	res.Value = win.Value
	res.Source = win.Source
	res.Method = win.Method
	res.Confidence = win.Confidence
	return res
}
