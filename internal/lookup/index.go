// Package lookup builds reusable in-memory indexes over reference corpora
// (supplier registry, federal contracts) keyed by multiple identifier
// flavors. An index is built once per run, lazily, and shared read-only
// across enrichment workers.
package lookup

import (
	"context"
	"sync"

	"github.com/hollomancer/sbir-analytics-sub004/internal/fuzzy"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// Entry is one reference record in the index: the canonical identity and
// location attributes the enrichment strategies match against.
type Entry struct {
	UEI            string
	DUNS           string
	Name           string // raw registered name
	NormalizedName string
	State          string
	City           string
	Zip            string
	NAICS          string
}

// nameStateKey is the tie-breaker composite key.
type nameStateKey struct {
	name  string
	state string
}

// RegistryIndex holds the multi-key view over a reference corpus:
// exact by supplier id, exact by legacy id, multi-valued by normalized name,
// and a (name, state) tie-breaker. Build is O(n); lookups are O(1) plus
// collision-bucket size.
type RegistryIndex struct {
	entries     []*Entry // corpus order, the deterministic scan order
	byUEI       map[string]*Entry
	byDUNS      map[string]*Entry
	byName      map[string][]*Entry
	byNameState map[nameStateKey][]*Entry
}

// ByUEI returns the entry registered under the 13-char supplier id, or nil.
func (ix *RegistryIndex) ByUEI(uei string) *Entry {
	return ix.byUEI[fuzzy.FormatUEI(uei)]
}

// ByDUNS returns the entry registered under the legacy 9-digit id, or nil.
func (ix *RegistryIndex) ByDUNS(duns string) *Entry {
	return ix.byDUNS[fuzzy.FormatDUNS(duns)]
}

// ByName returns the collision bucket for a normalized name. The caller
// ranks candidates; the bucket order is the corpus order.
func (ix *RegistryIndex) ByName(name string) []*Entry {
	return ix.byName[fuzzy.NormalizeName(name)]
}

// ByNameState returns candidates matching both normalized name and state.
func (ix *RegistryIndex) ByNameState(name, state string) []*Entry {
	return ix.byNameState[nameStateKey{fuzzy.NormalizeName(name), fuzzy.NormalizeState(state)}]
}

// All iterates every entry in corpus order. Fuzzy scans depend on this
// order being deterministic.
func (ix *RegistryIndex) All(fn func(*Entry) bool) {
	for _, e := range ix.entries {
		if !fn(e) {
			return
		}
	}
}

// Size returns the number of indexed entries.
func (ix *RegistryIndex) Size() int { return len(ix.entries) }

// buildIndex constructs the multi-key maps from a corpus slice.
func buildIndex(entries []Entry) *RegistryIndex {
	ix := &RegistryIndex{
		entries:     make([]*Entry, 0, len(entries)),
		byUEI:       make(map[string]*Entry, len(entries)),
		byDUNS:      make(map[string]*Entry, len(entries)),
		byName:      make(map[string][]*Entry, len(entries)),
		byNameState: make(map[nameStateKey][]*Entry, len(entries)),
	}
	for i := range entries {
		e := &entries[i]
		ix.entries = append(ix.entries, e)
		e.NormalizedName = fuzzy.NormalizeName(e.Name)
		e.State = fuzzy.NormalizeState(e.State)
		e.Zip = fuzzy.NormalizeZip(e.Zip)

		if uei := fuzzy.FormatUEI(e.UEI); uei != "" {
			e.UEI = uei
			// First writer wins; registries occasionally carry dupes and
			// the earliest registration is authoritative.
			if _, dup := ix.byUEI[uei]; !dup {
				ix.byUEI[uei] = e
			}
		}
		if duns := fuzzy.FormatDUNS(e.DUNS); duns != "" {
			e.DUNS = duns
			if _, dup := ix.byDUNS[duns]; !dup {
				ix.byDUNS[duns] = e
			}
		}
		if e.NormalizedName != "" {
			ix.byName[e.NormalizedName] = append(ix.byName[e.NormalizedName], e)
			if e.State != "" {
				k := nameStateKey{e.NormalizedName, e.State}
				ix.byNameState[k] = append(ix.byNameState[k], e)
			}
		}
	}
	return ix
}

// CorpusLoader produces the reference entries, typically by streaming the
// registry extract. It is called at most once per Provider.
type CorpusLoader func(ctx context.Context) ([]Entry, error)

// Provider wraps lazy, once-guarded construction of a RegistryIndex. The
// first Get call loads the corpus and builds the index; subsequent calls
// (from any goroutine) return the shared instance.
type Provider struct {
	load CorpusLoader
	log  logging.Logger

	once  sync.Once
	index *RegistryIndex
	err   error
}

// NewProvider returns a Provider that builds the index from load on first
// demand.
func NewProvider(load CorpusLoader, log logging.Logger) *Provider {
	return &Provider{load: load, log: log.Named("lookup")}
}

// Get returns the shared index, building it on first call. A build failure
// is sticky: every later call observes the same error, keeping the run's
// view of the corpus consistent.
func (p *Provider) Get(ctx context.Context) (*RegistryIndex, error) {
	p.once.Do(func() {
		entries, err := p.load(ctx)
		if err != nil {
			p.err = errors.Wrap(err, errors.ErrCodeIndexBuild, "failed to load reference corpus")
			return
		}
		p.index = buildIndex(entries)
		p.log.Info("registry index built",
			logging.Int("entries", p.index.Size()),
			logging.Int("uei_keys", len(p.index.byUEI)),
			logging.Int("name_keys", len(p.index.byName)))
	})
	return p.index, p.err
}
