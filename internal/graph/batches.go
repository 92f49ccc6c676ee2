package graph

import (
	"sort"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/internal/transform"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// OrgRef resolves an organization mention (an award recipient, contract
// recipient, or assignment party) to a canonical organization id, carrying
// the resolution method and confidence onto derived edges.
type OrgRef struct {
	OrganizationID string
	Method         string
	Confidence     float64
}

const dateLayout = "2006-01-02"

func dateProp(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(dateLayout)
}

// OrganizationBatch shapes deduplicated organizations for loading.
func OrganizationBatch(orgs []*types.Organization) NodeBatch {
	nb := NodeBatch{Label: LabelOrganization, KeyProp: "organization_id"}
	for _, o := range orgs {
		nb.Rows = append(nb.Rows, NodeRow{Key: o.OrganizationID, Props: map[string]any{
			"name":            o.Name,
			"org_type":        string(o.OrgType),
			"uei":             o.UEI,
			"duns":            o.DUNS,
			"city":            o.City,
			"state":           o.State,
			"zip":             o.Zip,
			"raw_names":       o.RawNames,
			"source_contexts": o.SourceContexts,
			"first_seen":      dateProp(o.FirstSeen),
		}})
	}
	return nb
}

// AwardBatches shapes awards as FinancialTransaction nodes plus the edges
// that anchor them: recipient organizations (with the enrichment method and
// confidence that resolved the recipient), funding agencies, and the
// agencies each organization has participated with.
func AwardBatches(awards []*types.Award, recipients map[string]OrgRef) ([]NodeBatch, []RelBatch) {
	txns := NodeBatch{Label: LabelFinancialTransaction, KeyProp: "transaction_id"}
	agencies := NodeBatch{Label: LabelAgency, KeyProp: "code"}
	recipientOf := RelBatch{
		Type:       RelRecipientOf,
		StartLabel: LabelOrganization, StartProp: "organization_id",
		EndLabel: LabelFinancialTransaction, EndProp: "transaction_id",
	}
	fundedBy := RelBatch{
		Type:       RelFundedBy,
		StartLabel: LabelFinancialTransaction, StartProp: "transaction_id",
		EndLabel: LabelAgency, EndProp: "code",
	}
	participated := RelBatch{
		Type:       RelParticipatedIn,
		StartLabel: LabelOrganization, StartProp: "organization_id",
		EndLabel: LabelAgency, EndProp: "code",
	}

	seenAgency := map[string]bool{}
	seenParticipation := map[string]bool{}
	for _, a := range awards {
		txns.Rows = append(txns.Rows, NodeRow{Key: a.AwardID, Props: map[string]any{
			"kind":       "award",
			"program":    a.Program,
			"phase":      string(a.Phase),
			"amount":     a.Amount,
			"award_date": dateProp(a.AwardDate),
			"naics":      a.NAICS,
			"state":      a.State,
		}})
		if a.Agency != "" {
			if !seenAgency[a.Agency] {
				seenAgency[a.Agency] = true
				agencies.Rows = append(agencies.Rows, NodeRow{Key: a.Agency, Props: map[string]any{}})
			}
			fundedBy.Rows = append(fundedBy.Rows, RelRow{Start: a.AwardID, End: a.Agency, Props: map[string]any{}})
		}
		ref, ok := recipients[a.AwardID]
		if !ok {
			continue
		}
		recipientOf.Rows = append(recipientOf.Rows, RelRow{
			Start: ref.OrganizationID, End: a.AwardID,
			Props: map[string]any{"method": ref.Method, "confidence": ref.Confidence},
		})
		if a.Agency != "" {
			pk := ref.OrganizationID + "\x00" + a.Agency
			if !seenParticipation[pk] {
				seenParticipation[pk] = true
				participated.Rows = append(participated.Rows, RelRow{
					Start: ref.OrganizationID, End: a.Agency, Props: map[string]any{},
				})
			}
		}
	}
	return []NodeBatch{txns, agencies},
		[]RelBatch{recipientOf, fundedBy, participated}
}

// ContractBatches shapes federal contract actions as FinancialTransaction
// nodes with recipient edges.
func ContractBatches(contracts []*types.FederalContract, recipients map[string]OrgRef) ([]NodeBatch, []RelBatch) {
	txns := NodeBatch{Label: LabelFinancialTransaction, KeyProp: "transaction_id"}
	recipientOf := RelBatch{
		Type:       RelRecipientOf,
		StartLabel: LabelOrganization, StartProp: "organization_id",
		EndLabel: LabelFinancialTransaction, EndProp: "transaction_id",
	}
	for _, c := range contracts {
		id := c.ContractID()
		txns.Rows = append(txns.Rows, NodeRow{Key: id, Props: map[string]any{
			"kind":        "contract",
			"piid":        c.PIID,
			"amount":      c.Amount,
			"action_date": dateProp(c.ActionDate),
			"psc":         c.PSC,
			"naics":       c.NAICS,
			"state":       c.State,
		}})
		if ref, ok := recipients[id]; ok {
			recipientOf.Rows = append(recipientOf.Rows, RelRow{
				Start: ref.OrganizationID, End: id,
				Props: map[string]any{"method": ref.Method, "confidence": ref.Confidence},
			})
		}
	}
	return []NodeBatch{txns}, []RelBatch{recipientOf}
}

// ChainBatches shapes patent assignment chains: Patent and PatentAssignment
// nodes, CHAIN_OF predecessor links, ASSIGNED_VIA anchoring, party edges
// where an assignor or assignee resolved to an organization, and OWNS edges
// for current assignees. Within a chain, predecessors appear before their
// successors so CHAIN_OF endpoints load in dependency order.
func ChainBatches(chains []transform.Chain, parties map[string]OrgRef) ([]NodeBatch, []RelBatch) {
	patents := NodeBatch{Label: LabelPatent, KeyProp: "grant_doc_num"}
	assignments := NodeBatch{Label: LabelPatentAssignment, KeyProp: "rf_id"}
	chainOf := RelBatch{
		Type:       RelChainOf,
		StartLabel: LabelPatentAssignment, StartProp: "rf_id",
		EndLabel: LabelPatentAssignment, EndProp: "rf_id",
	}
	assignedVia := RelBatch{
		Type:       RelAssignedVia,
		StartLabel: LabelPatent, StartProp: "grant_doc_num",
		EndLabel: LabelPatentAssignment, EndProp: "rf_id",
	}
	assignedFrom := RelBatch{
		Type:       RelAssignedFrom,
		StartLabel: LabelPatentAssignment, StartProp: "rf_id",
		EndLabel: LabelOrganization, EndProp: "organization_id",
	}
	assignedTo := RelBatch{
		Type:       RelAssignedTo,
		StartLabel: LabelPatentAssignment, StartProp: "rf_id",
		EndLabel: LabelOrganization, EndProp: "organization_id",
	}
	owns := RelBatch{
		Type:       RelOwns,
		StartLabel: LabelOrganization, StartProp: "organization_id",
		EndLabel: LabelPatent, EndProp: "grant_doc_num",
	}

	for _, chain := range chains {
		patentKey := chain.Patent.String()
		patents.Rows = append(patents.Rows, NodeRow{Key: patentKey, Props: map[string]any{
			"span_start": dateProp(chain.SpanStart),
			"span_end":   dateProp(chain.SpanEnd),
		}})
		for _, a := range chain.Assignments {
			assignments.Rows = append(assignments.Rows, NodeRow{Key: a.RFID, Props: map[string]any{
				"conveyance":     string(a.Conveyance),
				"execution_date": dateProp(a.ExecutionDate),
				"record_date":    dateProp(a.RecordDate),
				"employer_flag":  a.EmployerFlag,
			}})
			assignedVia.Rows = append(assignedVia.Rows, RelRow{Start: patentKey, End: a.RFID, Props: map[string]any{}})
			if a.PredecessorRF != "" {
				chainOf.Rows = append(chainOf.Rows, RelRow{Start: a.RFID, End: a.PredecessorRF, Props: map[string]any{}})
			}
			for _, name := range a.Assignors {
				if ref, ok := parties[name]; ok {
					assignedFrom.Rows = append(assignedFrom.Rows, RelRow{
						Start: a.RFID, End: ref.OrganizationID,
						Props: map[string]any{"method": ref.Method, "confidence": ref.Confidence},
					})
				}
			}
			for _, name := range a.Assignees {
				if ref, ok := parties[name]; ok {
					assignedTo.Rows = append(assignedTo.Rows, RelRow{
						Start: a.RFID, End: ref.OrganizationID,
						Props: map[string]any{"method": ref.Method, "confidence": ref.Confidence},
					})
				}
			}
		}
		for _, name := range chain.CurrentAssignees {
			if ref, ok := parties[name]; ok {
				owns.Rows = append(owns.Rows, RelRow{
					Start: ref.OrganizationID, End: patentKey,
					Props: map[string]any{"method": ref.Method, "confidence": ref.Confidence},
				})
			}
		}
	}
	return []NodeBatch{patents, assignments},
		[]RelBatch{assignedVia, chainOf, assignedFrom, assignedTo, owns}
}

// PatentOrigin links a patent to the award whose funded research produced
// it, as resolved by matching the patent's assignee organization to the
// award recipient within the award's performance window.
type PatentOrigin struct {
	GrantDocNum string
	AwardID     string
	Method      string
	Confidence  float64
}

// OriginBatch shapes GENERATED_FROM edges from resolved patent origins.
func OriginBatch(origins []PatentOrigin) RelBatch {
	rb := RelBatch{
		Type:       RelGeneratedFrom,
		StartLabel: LabelPatent, StartProp: "grant_doc_num",
		EndLabel: LabelFinancialTransaction, EndProp: "transaction_id",
	}
	for _, o := range origins {
		rb.Rows = append(rb.Rows, RelRow{
			Start: o.GrantDocNum, End: o.AwardID,
			Props: map[string]any{"method": o.Method, "confidence": o.Confidence},
		})
	}
	return rb
}

// CategoryBatches shapes the technology taxonomy and award categorization
// output: CETArea nodes and APPLICABLE_TO edges scored by the classifier.
func CategoryBatches(areas []types.CETArea, cats []types.AwardCategories, cetIDByLabel map[string]string) ([]NodeBatch, []RelBatch) {
	nodes := NodeBatch{Label: LabelCETArea, KeyProp: "cet_id"}
	for _, a := range areas {
		nodes.Rows = append(nodes.Rows, NodeRow{Key: a.CETID, Props: map[string]any{
			"display_name": a.DisplayName,
			"parent_id":    a.ParentID,
			"version":      a.Version,
		}})
	}
	applicable := RelBatch{
		Type:       RelApplicableTo,
		StartLabel: LabelFinancialTransaction, StartProp: "transaction_id",
		EndLabel: LabelCETArea, EndProp: "cet_id",
	}
	add := func(awardID string, label types.ScoredLabel, primary bool) {
		cetID, ok := cetIDByLabel[label.Label]
		if !ok {
			return
		}
		applicable.Rows = append(applicable.Rows, RelRow{
			Start: awardID, End: cetID,
			Props: map[string]any{"score": label.Score, "primary": primary, "method": "keyword"},
		})
	}
	for _, c := range cats {
		add(c.AwardID, c.Primary, true)
		for _, s := range c.Supporting {
			add(c.AwardID, s, false)
		}
	}
	return []NodeBatch{nodes}, []RelBatch{applicable}
}

// ProfileBatches shapes the aggregated company profiles: profile metrics fold
// back onto Organization nodes, and each organization links to the sectors it
// works in via SPECIALIZES_IN weighted by award count.
func ProfileBatches(profiles []*transform.CompanyProfile, sectorsByOrg map[string]map[string]int) ([]NodeBatch, []RelBatch) {
	orgs := NodeBatch{Label: LabelOrganization, KeyProp: "organization_id"}
	for _, p := range profiles {
		orgs.Rows = append(orgs.Rows, NodeRow{Key: p.OrganizationID, Props: map[string]any{
			"award_count":   p.AwardCount,
			"total_funding": p.TotalFunding,
			"first_award":   dateProp(p.FirstAward),
			"last_award":    dateProp(p.LastAward),
		}})
	}

	sectors := NodeBatch{Label: LabelSector, KeyProp: "code"}
	specializes := RelBatch{
		Type:       RelSpecializesIn,
		StartLabel: LabelOrganization, StartProp: "organization_id",
		EndLabel: LabelSector, EndProp: "code",
	}
	seen := map[string]bool{}
	orgIDs := make([]string, 0, len(sectorsByOrg))
	for orgID := range sectorsByOrg {
		orgIDs = append(orgIDs, orgID)
	}
	sort.Strings(orgIDs)
	for _, orgID := range orgIDs {
		counts := sectorsByOrg[orgID]
		codes := make([]string, 0, len(counts))
		for code := range counts {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			if !seen[code] {
				seen[code] = true
				sectors.Rows = append(sectors.Rows, NodeRow{Key: code, Props: map[string]any{
					"name": transform.SectorForNAICS(code + "0000"),
				}})
			}
			specializes.Rows = append(specializes.Rows, RelRow{
				Start: orgID, End: code,
				Props: map[string]any{"award_count": counts[code]},
			})
		}
	}
	return []NodeBatch{orgs, sectors}, []RelBatch{specializes}
}
