package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// OrgType classifies a resolved organization entity.
type OrgType string

const (
	OrgCompany    OrgType = "COMPANY"
	OrgUniversity OrgType = "UNIVERSITY"
	OrgGovernment OrgType = "GOVERNMENT"
	OrgAgency     OrgType = "AGENCY"
)

// Valid reports whether t is a recognised organization type.
func (t OrgType) Valid() bool {
	switch t {
	case OrgCompany, OrgUniversity, OrgGovernment, OrgAgency:
		return true
	}
	return false
}

// Organization is the unified entity covering companies, universities,
// government bodies, and funding agencies. Identity is the 13-char supplier
// id when known, otherwise a deterministic hash of
// (normalized_name | state | zip). Organizations are never deleted, only
// superseded; merges record provenance in SourceContexts.
type Organization struct {
	OrganizationID string    `json:"organization_id" parquet:"organization_id"`
	Name           string    `json:"name" parquet:"name"`
	RawNames       []string  `json:"raw_names,omitempty" parquet:"raw_names,list,optional"`
	OrgType        OrgType   `json:"org_type" parquet:"org_type"`
	UEI            string    `json:"uei,omitempty" parquet:"uei,optional"`
	DUNS           string    `json:"duns,omitempty" parquet:"duns,optional"`
	Street         string    `json:"street,omitempty" parquet:"street,optional"`
	City           string    `json:"city,omitempty" parquet:"city,optional"`
	State          string    `json:"state,omitempty" parquet:"state,optional"`
	Zip            string    `json:"zip,omitempty" parquet:"zip,optional"`
	SourceContexts []string  `json:"source_contexts,omitempty" parquet:"source_contexts,list,optional"`
	FirstSeen      time.Time `json:"first_seen" parquet:"first_seen"`
}

// OrgIDFromUEI derives the canonical organization id from a supplier id.
func OrgIDFromUEI(uei string) string {
	return "ORG-" + strings.ToUpper(uei)
}

// OrgIDFromName derives the fallback organization id as a deterministic hash
// of (normalized name | state | zip). The inputs must already be normalized;
// the function does not normalize.
func OrgIDFromName(normalizedName, state, zip string) string {
	h := sha256.Sum256([]byte(normalizedName + "|" + state + "|" + zip))
	return "ORG-" + strings.ToUpper(hex.EncodeToString(h[:8]))
}

// MergeFrom folds attributes of a later-seen duplicate into o. Later records
// update unset attributes; source contexts and raw names accumulate.
func (o *Organization) MergeFrom(other *Organization) {
	if o.UEI == "" {
		o.UEI = other.UEI
	}
	if o.DUNS == "" {
		o.DUNS = other.DUNS
	}
	if o.Street == "" {
		o.Street = other.Street
	}
	if o.City == "" {
		o.City = other.City
	}
	if o.State == "" {
		o.State = other.State
	}
	if o.Zip == "" {
		o.Zip = other.Zip
	}
	for _, rn := range other.RawNames {
		if !containsString(o.RawNames, rn) {
			o.RawNames = append(o.RawNames, rn)
		}
	}
	for _, sc := range other.SourceContexts {
		if !containsString(o.SourceContexts, sc) {
			o.SourceContexts = append(o.SourceContexts, sc)
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
