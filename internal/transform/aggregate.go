package transform

import (
	"sort"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// CompanyProfile is the per-organization aggregate over the enriched award
// stream: counts, totals, phase mix, category distribution, activity bounds.
type CompanyProfile struct {
	OrganizationID string                `json:"organization_id"`
	AwardCount     int                   `json:"award_count"`
	TotalFunding   float64               `json:"total_funding"`
	PhaseMix       map[types.Phase]int   `json:"phase_mix"`
	Categories     map[string]int        `json:"categories"`
	FirstAward     time.Time             `json:"first_award"`
	LastAward      time.Time             `json:"last_award"`
}

// Aggregator computes company profiles in a single grouped pass. State per
// company is bounded (counters and two timestamps), so memory stays
// proportional to distinct organizations, not awards.
type Aggregator struct {
	profiles map[string]*CompanyProfile
}

func NewAggregator() *Aggregator {
	return &Aggregator{profiles: make(map[string]*CompanyProfile)}
}

// Observe folds one enriched award into its organization's profile.
// categories lists the award's resolved category labels, possibly empty.
func (ag *Aggregator) Observe(orgID string, award *types.Award, categories []string) {
	p, ok := ag.profiles[orgID]
	if !ok {
		p = &CompanyProfile{
			OrganizationID: orgID,
			PhaseMix:       make(map[types.Phase]int),
			Categories:     make(map[string]int),
		}
		ag.profiles[orgID] = p
	}
	p.AwardCount++
	p.TotalFunding += award.Amount
	p.PhaseMix[award.Phase]++
	for _, cat := range categories {
		p.Categories[cat]++
	}
	if !award.AwardDate.IsZero() {
		if p.FirstAward.IsZero() || award.AwardDate.Before(p.FirstAward) {
			p.FirstAward = award.AwardDate
		}
		if award.AwardDate.After(p.LastAward) {
			p.LastAward = award.AwardDate
		}
	}
}

// Profiles returns the aggregates sorted by organization id.
func (ag *Aggregator) Profiles() []*CompanyProfile {
	out := make([]*CompanyProfile, 0, len(ag.profiles))
	for _, p := range ag.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OrganizationID < out[j].OrganizationID
	})
	return out
}
