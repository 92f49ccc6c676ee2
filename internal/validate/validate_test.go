package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

func f64(v float64) *float64 { return &v }

func awardRules(t *testing.T) *Validator {
	t.Helper()
	v, err := New("awards", []RuleConfig{
		{Name: "award_id_present", Kind: KindCompleteness, Severity: SeverityError, Field: "award_id"},
		{Name: "award_id_unique", Kind: KindUniqueness, Severity: SeverityError, Field: "award_id"},
		{Name: "amount_positive", Kind: KindRange, Severity: SeverityError, Field: "amount", Min: f64(0)},
		{Name: "date_sane", Kind: KindRange, Severity: SeverityError, Field: "award_date",
			MinDate: "1982-01-01", MaxDate: "now"},
		{Name: "uei_format", Kind: KindFormat, Severity: SeverityWarn, Field: "uei",
			Pattern: `^[A-Z0-9]{13}$`},
		{Name: "recipient", Kind: KindCrossField, Severity: SeverityError, Check: "recipient_resolvable"},
	})
	require.NoError(t, err)
	return v
}

func TestRuleFamilies(t *testing.T) {
	v := awardRules(t)
	chunk := types.Chunk{Records: []types.Record{
		{"award_id": "A-1", "company": "Acme", "amount": 100.0,
			"award_date": time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), "uei": "ABC123DEF456G"},
		{"company": "No ID"},                                  // completeness
		{"award_id": "A-1", "company": "Dup"},                 // uniqueness
		{"award_id": "A-3", "company": "Neg", "amount": -5.0}, // range
		{"award_id": "A-4", "company": "Old",
			"award_date": time.Date(1975, 1, 1, 0, 0, 0, 0, time.UTC)}, // date range
		{"award_id": "A-5", "company": "BadUEI", "uei": "short"}, // format, WARN
		{"award_id": "A-6"}, // cross-field: no company, no identifier
	}}
	findings := v.ValidateChunk(chunk)

	byRule := map[string]int{}
	for _, f := range findings {
		byRule[f.Rule]++
	}
	require.Equal(t, 1, byRule["award_id_present"])
	require.Equal(t, 1, byRule["award_id_unique"])
	require.Equal(t, 1, byRule["amount_positive"])
	require.Equal(t, 1, byRule["date_sane"])
	require.Equal(t, 1, byRule["uei_format"])
	require.Equal(t, 1, byRule["recipient"])

	rep := v.Report()
	require.Equal(t, 7, rep.Records)
	require.Equal(t, 5, rep.RecordsWithErrors)
	require.Equal(t, 1, rep.WarnFindings)
	require.InDelta(t, 5.0/7.0, rep.ErrorRate(), 1e-9)
	require.False(t, rep.Clean())
}

func TestUniquenessSpansChunks(t *testing.T) {
	v := awardRules(t)
	first := v.ValidateChunk(types.Chunk{Records: []types.Record{
		{"award_id": "A-1", "company": "Acme"},
	}})
	require.Empty(t, first)
	second := v.ValidateChunk(types.Chunk{Index: 1, Records: []types.Record{
		{"award_id": "A-1", "company": "Acme"},
	}})
	require.Len(t, second, 1)
	require.Equal(t, "award_id_unique", second[0].Rule)
	require.Equal(t, 2, second[0].Row)
}

func TestFormatSkipsAbsent(t *testing.T) {
	v := awardRules(t)
	findings := v.ValidateChunk(types.Chunk{Records: []types.Record{
		{"award_id": "A-1", "company": "Acme"}, // no uei at all
	}})
	require.Empty(t, findings)
}

func TestRegisteredCrossFieldCheck(t *testing.T) {
	RegisterCheck("amount_matches_phase", func(rec types.Record) string {
		if rec.String("phase") == "I" {
			if amt, ok := rec.Float("amount"); ok && amt > 500000 {
				return "phase I award above program ceiling"
			}
		}
		return ""
	})
	v, err := New("awards", []RuleConfig{
		{Name: "ceiling", Kind: KindCrossField, Severity: SeverityWarn, Check: "amount_matches_phase"},
	})
	require.NoError(t, err)
	findings := v.ValidateChunk(types.Chunk{Records: []types.Record{
		{"award_id": "A-1", "phase": "I", "amount": 750000.0},
	}})
	require.Len(t, findings, 1)
}

func TestInvalidRuleConfig(t *testing.T) {
	cases := []RuleConfig{
		{Name: "", Kind: KindCompleteness, Severity: SeverityError, Field: "x"},
		{Name: "bad-sev", Kind: KindCompleteness, Severity: "FATAL", Field: "x"},
		{Name: "no-field", Kind: KindUniqueness, Severity: SeverityError},
		{Name: "bad-re", Kind: KindFormat, Severity: SeverityError, Field: "x", Pattern: "("},
		{Name: "bad-check", Kind: KindCrossField, Severity: SeverityError, Check: "nope"},
		{Name: "bad-kind", Kind: "magic", Severity: SeverityError},
		{Name: "bad-date", Kind: KindRange, Severity: SeverityError, Field: "d", MinDate: "garbage"},
	}
	for _, cfg := range cases {
		_, err := New("awards", []RuleConfig{cfg})
		require.True(t, errors.IsCode(err, errors.ErrCodeRuleConfig), "config %+v", cfg)
	}
}
