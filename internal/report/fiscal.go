package report

import (
	"context"
	"encoding/json"
	"os"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// FiscalRequest asks for the economic impact of award dollars landing in
// one sector and state.
type FiscalRequest struct {
	Sector string  `json:"sector"` // 2-digit NAICS
	State  string  `json:"state"`
	Amount float64 `json:"amount"` // dollars
}

// FiscalImpact is the simulated downstream effect of a request.
type FiscalImpact struct {
	Output      float64 `json:"output"`
	LaborIncome float64 `json:"labor_income"`
	Employment  float64 `json:"employment"`
	Taxes       float64 `json:"taxes"`
}

// FiscalModel is the opaque simulation contract. The default backing is a
// precomputed multiplier table; other implementations may shell out to an
// external model.
type FiscalModel interface {
	Impact(ctx context.Context, req FiscalRequest) (FiscalImpact, error)
}

// fiscalRow is one entry of the precomputed multiplier table. State is
// optional; a blank state row is the national default for its sector.
type fiscalRow struct {
	Sector             string  `json:"sector"`
	State              string  `json:"state,omitempty"`
	OutputMult         float64 `json:"output_multiplier"`
	LaborIncomeMult    float64 `json:"labor_income_multiplier"`
	EmploymentPerMilUS float64 `json:"employment_per_million"`
	TaxMult            float64 `json:"tax_multiplier"`
}

// LookupModel resolves impacts from a precomputed multiplier artifact,
// preferring state-specific rows and falling back to the national row for
// the sector.
type LookupModel struct {
	byStateSector map[string]fiscalRow // state + "\x00" + sector
	bySector      map[string]fiscalRow
}

// LoadFiscalModel reads the multiplier table (JSON array) from disk.
func LoadFiscalModel(path string) (*LookupModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceUnavailable, "failed to read fiscal multiplier table").WithDetail(path)
	}
	var rows []fiscalRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "fiscal multiplier table is not valid JSON").WithDetail(path)
	}
	m := &LookupModel{
		byStateSector: make(map[string]fiscalRow, len(rows)),
		bySector:      make(map[string]fiscalRow),
	}
	for _, r := range rows {
		if r.Sector == "" {
			return nil, errors.New(errors.ErrCodeSchemaMismatch, "fiscal multiplier row missing sector")
		}
		if r.State == "" {
			m.bySector[r.Sector] = r
			continue
		}
		m.byStateSector[r.State+"\x00"+r.Sector] = r
	}
	return m, nil
}

// Impact applies the best matching multiplier row to the request amount.
func (m *LookupModel) Impact(_ context.Context, req FiscalRequest) (FiscalImpact, error) {
	row, ok := m.byStateSector[req.State+"\x00"+req.Sector]
	if !ok {
		row, ok = m.bySector[req.Sector]
	}
	if !ok {
		return FiscalImpact{}, errors.NotFound("no fiscal multipliers for sector").WithDetail(req.Sector)
	}
	return FiscalImpact{
		Output:      req.Amount * row.OutputMult,
		LaborIncome: req.Amount * row.LaborIncomeMult,
		Employment:  req.Amount / 1e6 * row.EmploymentPerMilUS,
		Taxes:       req.Amount * row.TaxMult,
	}, nil
}
