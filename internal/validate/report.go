package validate

// RuleReport aggregates findings over every chunk of one source. The gate
// framework evaluates its rates after the source is fully validated.
type RuleReport struct {
	Source            string         `json:"source"`
	Records           int            `json:"records"`
	RecordsWithErrors int            `json:"records_with_errors"`
	ErrorFindings     int            `json:"error_findings"`
	WarnFindings      int            `json:"warn_findings"`
	ByRule            map[string]int `json:"by_rule"`
}

// ErrorRate is the fraction of records with at least one ERROR finding.
func (r RuleReport) ErrorRate() float64 {
	if r.Records == 0 {
		return 0
	}
	return float64(r.RecordsWithErrors) / float64(r.Records)
}

// Clean reports whether no ERROR findings fired.
func (r RuleReport) Clean() bool { return r.ErrorFindings == 0 }

// Report returns the aggregate accumulated so far.
func (v *Validator) Report() RuleReport { return v.report }
