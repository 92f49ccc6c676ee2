// Package enrich implements the hierarchical enrichment engine: an ordered
// chain of resolution strategies per target field, with evidence recording,
// confidence scoring, and resilient external lookups.
package enrich

import (
	"github.com/hollomancer/sbir-analytics-sub004/internal/fuzzy"
	"github.com/hollomancer/sbir-analytics-sub004/internal/lookup"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// FieldSpec describes one enrichable target field: how to read its original
// value off a record, how to judge that value's format, how to derive it
// from a registry entry, and the last-resort mappings.
type FieldSpec struct {
	Name string

	// Original extracts the record's own value, canonicalised.
	Original func(rec types.Record) string

	// Valid reports whether a value is format-valid for this field.
	Valid func(v string) bool

	// FromEntry derives the field value from a registry entry; "" when the
	// entry carries nothing usable.
	FromEntry func(e *lookup.Entry) string

	// DomainDefault maps the record to a deterministic default value, or ""
	// when no default applies to this field.
	DomainDefault func(rec types.Record) string

	// SectorFallback is the catch-all value; "" disables the strategy.
	SectorFallback string
}

// SectorUnclassified is the catch-all industry code emitted when every other
// strategy fails. It is also the sector the NAICS mapping falls back to.
const SectorUnclassified = "999990"

// agencyDefaultNAICS maps funding agencies to the default industry family
// their portfolio concentrates in. Deterministic, reviewed mapping; most
// research agencies default to R&D services.
var agencyDefaultNAICS = map[string]string{
	"DOD":  "541715", // research and development in the physical sciences
	"HHS":  "541714", // biotechnology R&D
	"NIH":  "541714",
	"DOE":  "541715",
	"NASA": "336414", // guided missile and space vehicle manufacturing
	"NSF":  "541715",
	"USDA": "541690",
	"DHS":  "541715",
	"DOC":  "541715",
	"DOT":  "541715",
	"ED":   "541720", // social sciences R&D
	"EPA":  "541620",
}

// FieldUEI enriches the supplier identifier of an award record.
var FieldUEI = FieldSpec{
	Name:     "uei",
	Original: func(rec types.Record) string { return fuzzy.FormatUEI(rec.String("uei")) },
	Valid:    types.ValidUEI,
	FromEntry: func(e *lookup.Entry) string {
		return e.UEI
	},
}

// FieldNAICS enriches the industry classification of an award record.
var FieldNAICS = FieldSpec{
	Name:     "naics",
	Original: func(rec types.Record) string { return rec.String("naics") },
	Valid:    types.ValidNAICS,
	FromEntry: func(e *lookup.Entry) string {
		return e.NAICS
	},
	DomainDefault: func(rec types.Record) string {
		return agencyDefaultNAICS[rec.String("agency")]
	},
	SectorFallback: SectorUnclassified,
}
