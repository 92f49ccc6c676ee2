package types

import (
	"regexp"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// Phase is the SBIR/STTR program phase of an award.
type Phase string

const (
	PhaseI   Phase = "I"
	PhaseII  Phase = "II"
	PhaseIII Phase = "III"
)

// Valid reports whether p is a recognised program phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseI, PhaseII, PhaseIII:
		return true
	}
	return false
}

var (
	// reUEI matches the 13-character uppercase alphanumeric supplier id.
	reUEI = regexp.MustCompile(`^[A-Z0-9]{13}$`)

	// reDUNS matches the legacy 9-digit identifier.
	reDUNS = regexp.MustCompile(`^\d{9}$`)

	// reNAICS matches a 6-digit NAICS industry code.
	reNAICS = regexp.MustCompile(`^\d{6}$`)
)

// ValidUEI reports whether s is a well-formed 13-char supplier id.
func ValidUEI(s string) bool { return reUEI.MatchString(s) }

// ValidDUNS reports whether s is a well-formed legacy 9-digit id.
func ValidDUNS(s string) bool { return reDUNS.MatchString(s) }

// ValidNAICS reports whether s is a well-formed 6-digit NAICS code.
func ValidNAICS(s string) bool { return reNAICS.MatchString(s) }

// Award is a single small-business R&D funding award. Awards are created by
// the extractor and immutable thereafter; enrichment and loading reference
// them by AwardID.
type Award struct {
	AwardID     string    `json:"award_id" parquet:"award_id"`
	CompanyName string    `json:"company_name" parquet:"company_name"`
	Agency      string    `json:"agency" parquet:"agency"`
	Program     string    `json:"program" parquet:"program"`
	Phase       Phase     `json:"phase" parquet:"phase"`
	Amount      float64   `json:"amount" parquet:"amount"`
	AwardDate   time.Time `json:"award_date" parquet:"award_date"`
	UEI         string    `json:"uei,omitempty" parquet:"uei,optional"`
	DUNS        string    `json:"duns,omitempty" parquet:"duns,optional"`
	NAICS       string    `json:"naics,omitempty" parquet:"naics,optional"`
	State       string    `json:"state,omitempty" parquet:"state,optional"`
	City        string    `json:"city,omitempty" parquet:"city,optional"`
	Zip         string    `json:"zip,omitempty" parquet:"zip,optional"`
	Abstract    string    `json:"abstract,omitempty" parquet:"abstract,optional"`
}

// Validate enforces the award invariants: non-empty id, known phase,
// non-null agency, non-negative amount, well-formed optional identifiers.
func (a *Award) Validate() error {
	if a.AwardID == "" {
		return errors.New(errors.ErrCodeValidation, "award_id is required")
	}
	if !a.Phase.Valid() {
		return errors.Newf(errors.ErrCodeValidation, "award %s: phase %q is invalid", a.AwardID, a.Phase)
	}
	if a.Agency == "" {
		return errors.Newf(errors.ErrCodeValidation, "award %s: agency is required", a.AwardID)
	}
	if a.Amount < 0 {
		return errors.Newf(errors.ErrCodeValidation, "award %s: amount %.2f is negative", a.AwardID, a.Amount)
	}
	if a.UEI != "" && !ValidUEI(a.UEI) {
		return errors.Newf(errors.ErrCodeValidation, "award %s: uei %q is malformed", a.AwardID, a.UEI)
	}
	if a.DUNS != "" && !ValidDUNS(a.DUNS) {
		return errors.Newf(errors.ErrCodeValidation, "award %s: duns %q is malformed", a.AwardID, a.DUNS)
	}
	if a.NAICS != "" && !ValidNAICS(a.NAICS) {
		return errors.Newf(errors.ErrCodeValidation, "award %s: naics %q is malformed", a.AwardID, a.NAICS)
	}
	return nil
}
