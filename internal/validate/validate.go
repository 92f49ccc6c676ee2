// Package validate runs config-driven quality rules over record chunks.
// Rules fire per record; uniqueness tracks state across the whole source.
// The aggregated report feeds the pipeline's quality gates.
package validate

import (
	"fmt"
	"regexp"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Severity of a fired rule. ERROR findings block dependent assets through
// the gate framework; WARN findings are recorded only.
type Severity string

const (
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Kind enumerates the supported rule families.
type Kind string

const (
	KindCompleteness Kind = "completeness"
	KindUniqueness   Kind = "uniqueness"
	KindRange        Kind = "range"
	KindFormat       Kind = "format"
	KindCrossField   Kind = "cross_field"
)

// RuleConfig declares one rule. Which fields apply depends on Kind:
// Range uses the Min*/Max* bounds, Format uses Pattern, CrossField names a
// predicate registered in code.
type RuleConfig struct {
	Name     string   `mapstructure:"name"`
	Kind     Kind     `mapstructure:"kind"`
	Severity Severity `mapstructure:"severity"`
	Field    string   `mapstructure:"field"`

	Min     *float64 `mapstructure:"min"`
	Max     *float64 `mapstructure:"max"`
	MinDate string   `mapstructure:"min_date"` // YYYY-MM-DD
	MaxDate string   `mapstructure:"max_date"` // YYYY-MM-DD, "now" allowed
	Pattern string   `mapstructure:"pattern"`
	Check   string   `mapstructure:"check"` // cross-field predicate name
}

// Finding is one fired rule on one record.
type Finding struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Row      int      `json:"row"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
}

// CrossFieldCheck is a registered multi-field predicate. It returns a
// non-empty message when the record violates the rule.
type CrossFieldCheck func(rec types.Record) string

// crossFieldChecks is the registry of named predicates RuleConfig.Check can
// reference. Kept in code: predicates need logic config cannot express.
var crossFieldChecks = map[string]CrossFieldCheck{
	// A funded transaction needs either an explicit recipient identifier or
	// enough naming to resolve one downstream.
	"recipient_resolvable": func(rec types.Record) string {
		if rec.Has("uei") || rec.Has("duns") || rec.String("company") != "" {
			return ""
		}
		return "no recipient identifier or company name"
	},
	// Phase III awards carry no federal obligation amount by definition;
	// an amount present on one is suspect.
	"phase3_no_amount": func(rec types.Record) string {
		if rec.String("phase") != "III" {
			return ""
		}
		if amt, ok := rec.Float("amount"); ok && amt > 0 {
			return fmt.Sprintf("phase III award carries amount %.2f", amt)
		}
		return ""
	},
	// Post-enrichment: a sector fallback must only appear when NAICS is
	// absent, never alongside a concrete code.
	"sector_fallback_consistent": func(rec types.Record) string {
		if rec.String("sector") == "UNKNOWN" && rec.Has("naics") {
			return "sector fallback set despite concrete industry code"
		}
		return ""
	},
}

// RegisterCheck adds a named cross-field predicate. Tests and callers that
// own source-specific logic register before compiling rule sets.
func RegisterCheck(name string, check CrossFieldCheck) {
	crossFieldChecks[name] = check
}

type compiledRule struct {
	cfg     RuleConfig
	pattern *regexp.Regexp
	minDate time.Time
	maxDate time.Time
	maxNow  bool
	check   CrossFieldCheck
	seen    map[string]int // uniqueness: value → first row
}

// Validator applies a compiled rule set to successive chunks of one source.
// Not safe for concurrent use; the pipeline validates each source on a
// single goroutine.
type Validator struct {
	source string
	rules  []*compiledRule
	report RuleReport
	row    int
}

// New compiles a rule set. Invalid rule configuration fails fast.
func New(source string, cfgs []RuleConfig) (*Validator, error) {
	v := &Validator{source: source, report: RuleReport{Source: source, ByRule: map[string]int{}}}
	for _, cfg := range cfgs {
		if cfg.Name == "" {
			return nil, errors.New(errors.ErrCodeRuleConfig, "rule without a name")
		}
		if cfg.Severity != SeverityWarn && cfg.Severity != SeverityError {
			return nil, errors.Newf(errors.ErrCodeRuleConfig, "rule %s: severity %q", cfg.Name, cfg.Severity)
		}
		cr := &compiledRule{cfg: cfg}
		switch cfg.Kind {
		case KindCompleteness:
			if cfg.Field == "" {
				return nil, errors.Newf(errors.ErrCodeRuleConfig, "rule %s: completeness needs a field", cfg.Name)
			}
		case KindUniqueness:
			if cfg.Field == "" {
				return nil, errors.Newf(errors.ErrCodeRuleConfig, "rule %s: uniqueness needs a field", cfg.Name)
			}
			cr.seen = make(map[string]int)
		case KindRange:
			if cfg.Field == "" {
				return nil, errors.Newf(errors.ErrCodeRuleConfig, "rule %s: range needs a field", cfg.Name)
			}
			if cfg.MinDate != "" {
				ts, err := time.Parse("2006-01-02", cfg.MinDate)
				if err != nil {
					return nil, errors.Newf(errors.ErrCodeRuleConfig, "rule %s: bad min_date", cfg.Name)
				}
				cr.minDate = ts
			}
			switch {
			case cfg.MaxDate == "now":
				cr.maxNow = true
			case cfg.MaxDate != "":
				ts, err := time.Parse("2006-01-02", cfg.MaxDate)
				if err != nil {
					return nil, errors.Newf(errors.ErrCodeRuleConfig, "rule %s: bad max_date", cfg.Name)
				}
				cr.maxDate = ts
			}
		case KindFormat:
			if cfg.Field == "" || cfg.Pattern == "" {
				return nil, errors.Newf(errors.ErrCodeRuleConfig, "rule %s: format needs field and pattern", cfg.Name)
			}
			re, err := regexp.Compile(cfg.Pattern)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeRuleConfig, "rule "+cfg.Name+": bad pattern")
			}
			cr.pattern = re
		case KindCrossField:
			check, ok := crossFieldChecks[cfg.Check]
			if !ok {
				return nil, errors.Newf(errors.ErrCodeRuleConfig, "rule %s: unknown check %q", cfg.Name, cfg.Check)
			}
			cr.check = check
		default:
			return nil, errors.Newf(errors.ErrCodeRuleConfig, "rule %s: unknown kind %q", cfg.Name, cfg.Kind)
		}
		v.rules = append(v.rules, cr)
	}
	return v, nil
}

// ValidateChunk applies every rule to every record and returns the findings
// for this chunk. Aggregates accumulate on the validator.
func (v *Validator) ValidateChunk(chunk types.Chunk) []Finding {
	var findings []Finding
	now := time.Now().UTC()
	for _, rec := range chunk.Records {
		v.row++
		v.report.Records++
		recordHadError := false
		for _, cr := range v.rules {
			msg := cr.apply(rec, v.row, now)
			if msg == "" {
				continue
			}
			f := Finding{Rule: cr.cfg.Name, Severity: cr.cfg.Severity, Row: v.row, Field: cr.cfg.Field, Message: msg}
			findings = append(findings, f)
			v.report.ByRule[cr.cfg.Name]++
			if cr.cfg.Severity == SeverityError {
				v.report.ErrorFindings++
				recordHadError = true
			} else {
				v.report.WarnFindings++
			}
		}
		if recordHadError {
			v.report.RecordsWithErrors++
		}
	}
	return findings
}

func (cr *compiledRule) apply(rec types.Record, row int, now time.Time) string {
	cfg := cr.cfg
	switch cfg.Kind {
	case KindCompleteness:
		if !rec.Has(cfg.Field) {
			return "required field absent"
		}
		if s, ok := rec[cfg.Field].(string); ok && s == "" {
			return "required field empty"
		}
	case KindUniqueness:
		val := fmt.Sprint(rec[cfg.Field])
		if !rec.Has(cfg.Field) {
			return ""
		}
		if first, dup := cr.seen[val]; dup {
			return fmt.Sprintf("duplicate value %q (first at row %d)", val, first)
		}
		cr.seen[val] = row
	case KindRange:
		if ts, ok := rec.Date(cfg.Field); ok {
			if !cr.minDate.IsZero() && ts.Before(cr.minDate) {
				return fmt.Sprintf("date %s before %s", ts.Format("2006-01-02"), cfg.MinDate)
			}
			max := cr.maxDate
			if cr.maxNow {
				max = now
			}
			if !max.IsZero() && ts.After(max) {
				return fmt.Sprintf("date %s in the future", ts.Format("2006-01-02"))
			}
			return ""
		}
		if f, ok := rec.Float(cfg.Field); ok {
			if cfg.Min != nil && f < *cfg.Min {
				return fmt.Sprintf("value %v below %v", f, *cfg.Min)
			}
			if cfg.Max != nil && f > *cfg.Max {
				return fmt.Sprintf("value %v above %v", f, *cfg.Max)
			}
		}
	case KindFormat:
		s := rec.String(cfg.Field)
		if s == "" {
			return "" // absence is completeness's concern
		}
		if !cr.pattern.MatchString(s) {
			return fmt.Sprintf("value %q does not match %s", s, cfg.Pattern)
		}
	case KindCrossField:
		return cr.check(rec)
	}
	return ""
}
