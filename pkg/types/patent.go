package types

import (
	"fmt"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// PatentKeyKind tags the identity variant of a patent record: a granted
// document number when present, otherwise a synthetic pre-grant key.
type PatentKeyKind int

const (
	KeyGrant PatentKeyKind = iota
	KeyPreGrant
)

func (k PatentKeyKind) String() string {
	if k == KeyGrant {
		return "grant"
	}
	return "pre_grant"
}

// PatentKey is the tagged identity of a patent. Identity is stable across
// runs; a pre-grant record that later gains a grant id triggers a merge.
type PatentKey struct {
	Kind  PatentKeyKind `json:"kind"`
	Value string        `json:"value"`
}

// GrantKey builds a grant-document identity.
func GrantKey(docNum string) PatentKey {
	return PatentKey{Kind: KeyGrant, Value: docNum}
}

// PreGrantKey builds a synthetic pre-grant identity from the application
// number.
func PreGrantKey(appNum string) PatentKey {
	return PatentKey{Kind: KeyPreGrant, Value: "PG-" + appNum}
}

func (k PatentKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.Value)
}

// Patent is a patent filing or grant.
type Patent struct {
	Key         PatentKey  `json:"key"`
	Title       string     `json:"title" parquet:"title"`
	FilingDate  *time.Time `json:"filing_date,omitempty" parquet:"filing_date,optional"`
	PubDate     *time.Time `json:"pub_date,omitempty" parquet:"pub_date,optional"`
	IPCCodes    []string   `json:"ipc_codes,omitempty" parquet:"ipc_codes,list,optional"`
	CPCCodes    []string   `json:"cpc_codes,omitempty" parquet:"cpc_codes,list,optional"`
	Language    string     `json:"language,omitempty" parquet:"language,optional"`
	Assignees   []string   `json:"assignees,omitempty" parquet:"assignees,list,optional"`
}

// GrantDocNum returns the grant document number, or "" for pre-grant records.
func (p *Patent) GrantDocNum() string {
	if p.Key.Kind == KeyGrant {
		return p.Key.Value
	}
	return ""
}

// ConveyanceType classifies a patent assignment conveyance.
type ConveyanceType string

const (
	ConveyAssignment       ConveyanceType = "ASSIGNMENT"
	ConveyLicense          ConveyanceType = "LICENSE"
	ConveySecurityInterest ConveyanceType = "SECURITY_INTEREST"
	ConveyMerger           ConveyanceType = "MERGER"
	ConveyOther            ConveyanceType = "OTHER"
)

// ChangesOwnership reports whether the conveyance transfers ownership.
// Licenses and security interests do not.
func (c ConveyanceType) ChangesOwnership() bool {
	switch c {
	case ConveyAssignment, ConveyMerger:
		return true
	}
	return false
}

// assignmentEpoch is the earliest plausible record date for an assignment.
var assignmentEpoch = time.Date(1790, time.January, 1, 0, 0, 0, 0, time.UTC)

// PatentAssignment is one recorded conveyance of a patent, identified by its
// reel/frame id. Chains link assignments of the same patent in record-date
// order via PredecessorRF.
type PatentAssignment struct {
	RFID          string         `json:"rf_id" parquet:"rf_id"`
	PatentKey     PatentKey      `json:"patent_key"`
	Conveyance    ConveyanceType `json:"conveyance" parquet:"conveyance"`
	ExecutionDate time.Time      `json:"execution_date" parquet:"execution_date"`
	RecordDate    time.Time      `json:"record_date" parquet:"record_date"`
	EmployerFlag  bool           `json:"employer_flag" parquet:"employer_flag"`
	Assignors     []string       `json:"assignors,omitempty" parquet:"assignors,list,optional"`
	Assignees     []string       `json:"assignees,omitempty" parquet:"assignees,list,optional"`
	PredecessorRF string         `json:"predecessor_rf,omitempty" parquet:"predecessor_rf,optional"`
}

// Validate enforces the assignment invariants: rf_id present, a patent
// reference, and dates within 1790..now.
func (a *PatentAssignment) Validate(now time.Time) error {
	if a.RFID == "" {
		return errors.New(errors.ErrCodeValidation, "assignment rf_id is required")
	}
	if a.PatentKey.Value == "" {
		return errors.Newf(errors.ErrCodeValidation, "assignment %s: patent reference is required", a.RFID)
	}
	for _, d := range []time.Time{a.ExecutionDate, a.RecordDate} {
		if d.IsZero() {
			continue
		}
		if d.Before(assignmentEpoch) || d.After(now) {
			return errors.Newf(errors.ErrCodeValidation,
				"assignment %s: date %s outside 1790..now", a.RFID, d.Format("2006-01-02"))
		}
	}
	return nil
}
