package cli

import (
	"strings"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/internal/extract"
	"github.com/hollomancer/sbir-analytics-sub004/internal/fuzzy"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Declared source schemas. Extraction enforces these shapes; missing
// required columns fail the raw asset with a schema mismatch.

func awardsSchema() types.Schema {
	return types.Schema{Name: "sbir_awards", Fields: []types.Field{
		{Name: "award_id", Type: types.FieldString, Required: true},
		{Name: "company", Type: types.FieldString, Required: true},
		{Name: "agency", Type: types.FieldString, Required: true},
		{Name: "program", Type: types.FieldString},
		{Name: "phase", Type: types.FieldString, Required: true},
		{Name: "amount", Type: types.FieldFloat, Required: true},
		{Name: "award_date", Type: types.FieldDate},
		{Name: "uei", Type: types.FieldString},
		{Name: "duns", Type: types.FieldString},
		{Name: "naics", Type: types.FieldString},
		{Name: "state", Type: types.FieldString},
		{Name: "city", Type: types.FieldString},
		{Name: "zip", Type: types.FieldString},
		{Name: "abstract", Type: types.FieldString},
	}}
}

func registrySchema() types.Schema {
	return types.Schema{Name: "supplier_registry", Fields: []types.Field{
		{Name: "uei", Type: types.FieldString},
		{Name: "duns", Type: types.FieldString},
		{Name: "legal_name", Type: types.FieldString, Required: true},
		{Name: "state", Type: types.FieldString},
		{Name: "city", Type: types.FieldString},
		{Name: "zip", Type: types.FieldString},
		{Name: "naics", Type: types.FieldString},
	}}
}

func contractsSchema() types.Schema {
	return types.Schema{Name: "federal_contracts", Fields: []types.Field{
		{Name: "piid", Type: types.FieldString, Required: true},
		{Name: "modification", Type: types.FieldString},
		{Name: "recipient_uei", Type: types.FieldString},
		{Name: "recipient_duns", Type: types.FieldString},
		{Name: "recipient_name", Type: types.FieldString},
		{Name: "amount", Type: types.FieldFloat},
		{Name: "action_date", Type: types.FieldDate},
		{Name: "psc", Type: types.FieldString},
		{Name: "naics", Type: types.FieldString},
		{Name: "state", Type: types.FieldString},
	}}
}

func assignmentsSchema() types.Schema {
	return types.Schema{Name: "patent_assignments", Fields: []types.Field{
		{Name: "rf_id", Type: types.FieldString, Required: true},
		{Name: "grant_doc_num", Type: types.FieldString},
		{Name: "app_num", Type: types.FieldString},
		{Name: "conveyance", Type: types.FieldString},
		{Name: "execution_date", Type: types.FieldDate},
		{Name: "record_date", Type: types.FieldDate},
		{Name: "employer_flag", Type: types.FieldBool},
		{Name: "assignors", Type: types.FieldString},
		{Name: "assignees", Type: types.FieldString},
		{Name: "predecessor_rf", Type: types.FieldString},
	}}
}

func taxonomySchema() types.Schema {
	return types.Schema{Name: "cet_taxonomy", Fields: []types.Field{
		{Name: "cet_id", Type: types.FieldString, Required: true},
		{Name: "display_name", Type: types.FieldString, Required: true},
		{Name: "parent_id", Type: types.FieldString},
		{Name: "version", Type: types.FieldString},
	}}
}

// encodeRecord flattens a typed record for line-delimited JSON: dates become
// RFC 3339 strings so decodeRecord can restore them by schema type.
func encodeRecord(rec types.Record) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		if t, ok := v.(time.Time); ok {
			out[k] = t.UTC().Format(time.RFC3339)
			continue
		}
		out[k] = v
	}
	return out
}

// decodeRecord restores a typed record from its JSON form using the declared
// schema: JSON numbers narrow back to the declared type, date strings parse.
func decodeRecord(schema types.Schema, m map[string]any) (types.Record, error) {
	rec := make(types.Record, len(m))
	kinds := make(map[string]types.FieldType, len(schema.Fields))
	for _, f := range schema.Fields {
		kinds[f.Name] = f.Type
	}
	for k, v := range m {
		if v == nil {
			continue
		}
		switch kinds[k] {
		case types.FieldInt:
			f, ok := v.(float64)
			if !ok {
				return nil, errors.Newf(errors.ErrCodeRowDecode, "field %s: expected number, got %T", k, v)
			}
			rec[k] = int64(f)
		case types.FieldDate:
			s, ok := v.(string)
			if !ok {
				return nil, errors.Newf(errors.ErrCodeRowDecode, "field %s: expected date string, got %T", k, v)
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeRowDecode, "bad date").WithDetail(k)
			}
			rec[k] = t
		default:
			rec[k] = v
		}
	}
	return rec, nil
}

// awardFromRecord builds and validates the typed award from a raw record.
func awardFromRecord(rec types.Record) (*types.Award, error) {
	amount, _ := rec.Float("amount")
	date, _ := rec.Date("award_date")
	a := &types.Award{
		AwardID:     rec.String("award_id"),
		CompanyName: rec.String("company"),
		Agency:      rec.String("agency"),
		Program:     rec.String("program"),
		Phase:       types.Phase(rec.String("phase")),
		Amount:      amount,
		AwardDate:   date,
		UEI:         fuzzy.FormatUEI(rec.String("uei")),
		DUNS:        fuzzy.FormatDUNS(rec.String("duns")),
		NAICS:       rec.String("naics"),
		State:       fuzzy.NormalizeState(rec.String("state")),
		City:        rec.String("city"),
		Zip:         fuzzy.NormalizeZip(rec.String("zip")),
		Abstract:    rec.String("abstract"),
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// recordFromAward is the record view enrichment strategies operate on.
func recordFromAward(a *types.Award) types.Record {
	return types.Record{
		"award_id": a.AwardID,
		"company":  a.CompanyName,
		"agency":   a.Agency,
		"phase":    string(a.Phase),
		"amount":   a.Amount,
		"uei":      a.UEI,
		"duns":     a.DUNS,
		"naics":    a.NAICS,
		"state":    a.State,
		"city":     a.City,
		"zip":      a.Zip,
	}
}

// contractFromRecord builds the typed contract action from a raw record.
func contractFromRecord(rec types.Record) (*types.FederalContract, error) {
	if rec.String("piid") == "" {
		return nil, errors.New(errors.ErrCodeValidation, "contract piid is required")
	}
	amount, _ := rec.Float("amount")
	date, _ := rec.Date("action_date")
	return &types.FederalContract{
		PIID:          rec.String("piid"),
		Modification:  rec.String("modification"),
		RecipientUEI:  fuzzy.FormatUEI(rec.String("recipient_uei")),
		RecipientDUNS: fuzzy.FormatDUNS(rec.String("recipient_duns")),
		RecipientName: rec.String("recipient_name"),
		Amount:        amount,
		ActionDate:    date,
		PSC:           rec.String("psc"),
		NAICS:         rec.String("naics"),
		State:         fuzzy.NormalizeState(rec.String("state")),
	}, nil
}

// conveyanceFromString maps the free-text conveyance column to the enum.
func conveyanceFromString(s string) types.ConveyanceType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ASSIGNMENT", "ASSIGNMENT OF ASSIGNORS INTEREST":
		return types.ConveyAssignment
	case "LICENSE", "EXCLUSIVE LICENSE", "NON-EXCLUSIVE LICENSE":
		return types.ConveyLicense
	case "SECURITY INTEREST", "SECURITY AGREEMENT":
		return types.ConveySecurityInterest
	case "MERGER", "CHANGE OF NAME":
		return types.ConveyMerger
	default:
		return types.ConveyOther
	}
}

// assignmentFromRecord builds the typed assignment from a raw record.
// Party lists arrive semicolon-joined in the statistical extract.
func assignmentFromRecord(rec types.Record, now time.Time) (*types.PatentAssignment, error) {
	var key types.PatentKey
	switch {
	case rec.String("grant_doc_num") != "":
		key = types.GrantKey(rec.String("grant_doc_num"))
	case rec.String("app_num") != "":
		key = types.PreGrantKey(rec.String("app_num"))
	}
	exec, _ := rec.Date("execution_date")
	record, _ := rec.Date("record_date")
	flag, _ := rec["employer_flag"].(bool)
	a := &types.PatentAssignment{
		RFID:          rec.String("rf_id"),
		PatentKey:     key,
		Conveyance:    conveyanceFromString(rec.String("conveyance")),
		ExecutionDate: exec,
		RecordDate:    record,
		EmployerFlag:  flag,
		Assignors:     splitParties(rec.String("assignors")),
		Assignees:     splitParties(rec.String("assignees")),
		PredecessorRF: rec.String("predecessor_rf"),
	}
	if err := a.Validate(now); err != nil {
		return nil, err
	}
	return a, nil
}

func splitParties(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// extractDescriptor builds the source descriptor for a configured path.
func extractDescriptor(name, path string, format extract.Format, table string) extract.Descriptor {
	return extract.Descriptor{Name: name, Path: path, Format: format, Table: table}
}
