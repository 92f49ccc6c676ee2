package types

import "time"

// FederalContract is a federal contract action extracted from the contracts
// dump. Identity is PIID plus modification number; records are immutable.
type FederalContract struct {
	PIID          string    `json:"piid" parquet:"piid"`
	Modification  string    `json:"modification" parquet:"modification"`
	RecipientUEI  string    `json:"recipient_uei,omitempty" parquet:"recipient_uei,optional"`
	RecipientDUNS string    `json:"recipient_duns,omitempty" parquet:"recipient_duns,optional"`
	RecipientName string    `json:"recipient_name,omitempty" parquet:"recipient_name,optional"`
	Amount        float64   `json:"amount" parquet:"amount"`
	ActionDate    time.Time `json:"action_date" parquet:"action_date"`
	PSC           string    `json:"psc,omitempty" parquet:"psc,optional"`
	NAICS         string    `json:"naics,omitempty" parquet:"naics,optional"`
	State         string    `json:"state,omitempty" parquet:"state,optional"`
}

// ContractID returns the composite identity "piid/modification".
func (c *FederalContract) ContractID() string {
	if c.Modification == "" {
		return c.PIID
	}
	return c.PIID + "/" + c.Modification
}

// CETArea is a technology category label from the versioned taxonomy.
type CETArea struct {
	CETID       string `json:"cet_id" parquet:"cet_id"`
	DisplayName string `json:"display_name" parquet:"display_name"`
	ParentID    string `json:"parent_id,omitempty" parquet:"parent_id,optional"`
	Version     string `json:"version" parquet:"version"`
}

// ScoredLabel is one classifier output: a category label with a 0-100 score
// and the evidence snippets that supported it.
type ScoredLabel struct {
	Label    string   `json:"label"`
	Score    float64  `json:"score"`
	Evidence []string `json:"evidence,omitempty"`
}

// AwardCategories is the categorization transformer's output row for one
// award: the primary technology category plus supporting categories.
type AwardCategories struct {
	AwardID    string        `json:"award_id" parquet:"award_id"`
	Primary    ScoredLabel   `json:"primary"`
	Supporting []ScoredLabel `json:"supporting,omitempty"`
}
