package enrich

import (
	"sync"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// FieldStats aggregates outcomes for one target field.
type FieldStats struct {
	Records  int `json:"records"`
	Matched  int `json:"matched"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Fallback int `json:"fallback"`

	BySource map[types.EnrichmentSource]int `json:"by_source"`
}

// MatchRate is the fraction of records where any strategy produced a value.
func (s FieldStats) MatchRate() float64 {
	if s.Records == 0 {
		return 0
	}
	return float64(s.Matched) / float64(s.Records)
}

// FallbackRate is the fraction resolved by last-resort strategies.
func (s FieldStats) FallbackRate() float64 {
	if s.Records == 0 {
		return 0
	}
	return float64(s.Fallback) / float64(s.Records)
}

// BandFraction returns the fraction of records in a confidence band
// ("high", "medium", "low").
func (s FieldStats) BandFraction(band string) float64 {
	if s.Records == 0 {
		return 0
	}
	var n int
	switch band {
	case "high":
		n = s.High
	case "medium":
		n = s.Medium
	default:
		n = s.Low
	}
	return float64(n) / float64(s.Records)
}

// Stats is the engine's run-level quality aggregation, shared by all
// workers.
type Stats struct {
	mu     sync.Mutex
	fields map[string]*FieldStats
}

func NewStats() *Stats {
	return &Stats{fields: make(map[string]*FieldStats)}
}

// Observe folds one enrichment outcome into the field's aggregation.
func (s *Stats) Observe(field string, res types.EnrichmentResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.fields[field]
	if !ok {
		fs = &FieldStats{BySource: make(map[types.EnrichmentSource]int)}
		s.fields[field] = fs
	}
	fs.Records++
	fs.BySource[res.Source]++
	if res.Matched() {
		fs.Matched++
	}
	if res.IsFallback() {
		fs.Fallback++
	}
	switch res.Band() {
	case "high":
		fs.High++
	case "medium":
		fs.Medium++
	default:
		fs.Low++
	}
}

// Field returns a copy of the aggregation for one field.
func (s *Stats) Field(name string) FieldStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.fields[name]
	if !ok {
		return FieldStats{BySource: map[types.EnrichmentSource]int{}}
	}
	out := *fs
	out.BySource = make(map[types.EnrichmentSource]int, len(fs.BySource))
	for k, v := range fs.BySource {
		out.BySource[k] = v
	}
	return out
}

// Fields returns the names of all observed fields.
func (s *Stats) Fields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	return names
}
