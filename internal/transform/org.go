// Package transform turns validated, enriched records into the canonical
// entities and relationship batches the graph loader consumes: deduplicated
// organizations, assignment chains, company aggregates, and sector mappings.
package transform

import (
	"sort"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/internal/fuzzy"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Deduper folds raw organization mentions into canonical entities. Identity
// is the supplier id when known, otherwise a deterministic hash of the
// normalized (name, state, zip) triple. Later mentions update unset
// attributes; every mention's source context accumulates.
type Deduper struct {
	orgs map[string]*types.Organization
	// ueiSeen remembers hash-identified orgs later found to carry a
	// supplier id, so both mentions resolve to the supplier identity.
	aliases map[string]string
}

// NewDeduper returns an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{
		orgs:    make(map[string]*types.Organization),
		aliases: make(map[string]string),
	}
}

// Mention is one raw organization occurrence in a source.
type Mention struct {
	Name          string
	UEI           string
	DUNS          string
	Street        string
	City          string
	State         string
	Zip           string
	OrgType       types.OrgType
	SourceContext string // e.g. "sbir_awards:2021"
	Seen          time.Time
}

// CanonicalID derives the identity a mention resolves to.
func CanonicalID(m Mention) string {
	if uei := fuzzy.FormatUEI(m.UEI); uei != "" {
		return types.OrgIDFromUEI(uei)
	}
	addr := fuzzy.NormalizeAddress(m.Street, m.City, m.State, m.Zip)
	return types.OrgIDFromName(fuzzy.NormalizeName(m.Name), addr.State, addr.Zip)
}

// Add folds a mention in and returns the canonical organization.
func (d *Deduper) Add(m Mention) *types.Organization {
	id := CanonicalID(m)
	if target, ok := d.aliases[id]; ok {
		id = target
	}

	incoming := d.fromMention(m, id)

	// A hash-identified org gaining a supplier id is re-keyed; the hash id
	// becomes an alias so later hash-keyed mentions still converge.
	if existing, ok := d.orgs[id]; ok {
		existing.MergeFrom(incoming)
		if existing.Name == "" {
			existing.Name = incoming.Name
		}
		if m.Seen.Before(existing.FirstSeen) && !m.Seen.IsZero() {
			existing.FirstSeen = m.Seen
		}
		return existing
	}

	if uei := fuzzy.FormatUEI(m.UEI); uei != "" {
		hashID := CanonicalID(Mention{Name: m.Name, Street: m.Street, City: m.City, State: m.State, Zip: m.Zip})
		if prior, ok := d.orgs[hashID]; ok {
			delete(d.orgs, hashID)
			d.aliases[hashID] = id
			prior.OrganizationID = id
			prior.UEI = uei
			prior.MergeFrom(incoming)
			d.orgs[id] = prior
			return prior
		}
	}

	d.orgs[id] = incoming
	return incoming
}

func (d *Deduper) fromMention(m Mention, id string) *types.Organization {
	addr := fuzzy.NormalizeAddress(m.Street, m.City, m.State, m.Zip)
	orgType := m.OrgType
	if orgType == "" {
		orgType = types.OrgCompany
	}
	org := &types.Organization{
		OrganizationID: id,
		Name:           fuzzy.NormalizeName(m.Name),
		OrgType:        orgType,
		UEI:            fuzzy.FormatUEI(m.UEI),
		DUNS:           fuzzy.FormatDUNS(m.DUNS),
		Street:         addr.Street,
		City:           addr.City,
		State:          addr.State,
		Zip:            addr.Zip,
		FirstSeen:      m.Seen,
	}
	if m.Name != "" {
		org.RawNames = []string{m.Name}
	}
	if m.SourceContext != "" {
		org.SourceContexts = []string{m.SourceContext}
	}
	return org
}

// Organizations returns the canonical entities sorted by id, a stable order
// for batching and fingerprinting.
func (d *Deduper) Organizations() []*types.Organization {
	out := make([]*types.Organization, 0, len(d.orgs))
	for _, org := range d.orgs {
		out = append(out, org)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OrganizationID < out[j].OrganizationID
	})
	return out
}

// Len returns the number of canonical organizations.
func (d *Deduper) Len() int { return len(d.orgs) }
