package types

import (
	"encoding/json"
	"time"
)

// EnrichmentSource tags where an enriched value came from. The order of the
// declared constants is the deterministic tie-break priority (earlier wins).
type EnrichmentSource string

const (
	SourceOriginal      EnrichmentSource = "original"
	SourceIdentifier    EnrichmentSource = "identifier_exact"
	SourceLegacyID      EnrichmentSource = "legacy_id"
	SourceAPILookup     EnrichmentSource = "api_lookup"
	SourceNameFuzzy     EnrichmentSource = "name_fuzzy"
	SourceProximity     EnrichmentSource = "proximity"
	SourceDomainDefault EnrichmentSource = "domain_default"
	SourceSectorFall    EnrichmentSource = "sector_fallback"
	SourceNoMatch       EnrichmentSource = "no_match"
)

// sourcePriority orders sources for deterministic tie-breaking; lower is
// higher priority.
var sourcePriority = map[EnrichmentSource]int{
	SourceOriginal:      0,
	SourceIdentifier:    1,
	SourceLegacyID:      2,
	SourceAPILookup:     3,
	SourceNameFuzzy:     4,
	SourceProximity:     5,
	SourceDomainDefault: 6,
	SourceSectorFall:    7,
	SourceNoMatch:       8,
}

// Priority returns the tie-break rank of the source; unknown sources sort
// last.
func (s EnrichmentSource) Priority() int {
	if p, ok := sourcePriority[s]; ok {
		return p
	}
	return len(sourcePriority)
}

// Confidence bands.
const (
	BandHighMin   = 0.80
	BandMediumMin = 0.60
)

// ConfidenceBand labels a confidence value: "high" >= 0.80,
// "medium" 0.60-0.79, "low" < 0.60.
func ConfidenceBand(confidence float64) string {
	switch {
	case confidence >= BandHighMin:
		return "high"
	case confidence >= BandMediumMin:
		return "medium"
	default:
		return "low"
	}
}

// EnrichmentResult is the outcome of enriching one field of one record.
// At most one winning result exists per (record, field) per run; losing
// candidates are retained inside the evidence blob.
type EnrichmentResult struct {
	RecordID   string           `json:"record_id"`
	Field      string           `json:"field"`
	Value      string           `json:"value"`
	Original   string           `json:"original,omitempty"`
	Source     EnrichmentSource `json:"source"`
	Method     string           `json:"method"`
	Confidence float64          `json:"confidence"`
	Evidence   json.RawMessage  `json:"evidence,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Matched reports whether any strategy produced a value.
func (r *EnrichmentResult) Matched() bool {
	return r.Source != SourceNoMatch && r.Value != ""
}

// Band returns the confidence band of the result.
func (r *EnrichmentResult) Band() string {
	return ConfidenceBand(r.Confidence)
}

// IsFallback reports whether the result came from a last-resort strategy
// (domain default or sector fallback), used for the fallback-rate metric.
func (r *EnrichmentResult) IsFallback() bool {
	return r.Source == SourceDomainDefault || r.Source == SourceSectorFall
}
