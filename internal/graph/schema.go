package graph

import (
	"context"

	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// SchemaVersion is the graph model version this code writes. Bumped whenever
// node keys, labels, or relationship semantics change incompatibly. A
// database carrying a different version refuses to load until migrated.
const SchemaVersion = "2024.2"

// Node labels.
const (
	LabelOrganization         = "Organization"
	LabelFinancialTransaction = "FinancialTransaction"
	LabelPatent               = "Patent"
	LabelPatentAssignment     = "PatentAssignment"
	LabelCETArea              = "CETArea"
	LabelAgency               = "Agency"
	LabelSector               = "Sector"
	labelSchemaMarker         = "SchemaMarker"
)

// Relationship types.
const (
	RelRecipientOf    = "RECIPIENT_OF"
	RelFundedBy       = "FUNDED_BY"
	RelOwns           = "OWNS"
	RelAssignedVia    = "ASSIGNED_VIA"
	RelAssignedFrom   = "ASSIGNED_FROM"
	RelAssignedTo     = "ASSIGNED_TO"
	RelChainOf        = "CHAIN_OF"
	RelGeneratedFrom  = "GENERATED_FROM"
	RelApplicableTo   = "APPLICABLE_TO"
	RelParticipatedIn = "PARTICIPATED_IN"
	RelSpecializesIn  = "SPECIALIZES_IN"
)

var constraintStatements = []string{
	"CREATE CONSTRAINT org_id IF NOT EXISTS FOR (n:Organization) REQUIRE n.organization_id IS UNIQUE",
	"CREATE CONSTRAINT txn_id IF NOT EXISTS FOR (n:FinancialTransaction) REQUIRE n.transaction_id IS UNIQUE",
	"CREATE CONSTRAINT patent_grant IF NOT EXISTS FOR (n:Patent) REQUIRE n.grant_doc_num IS UNIQUE",
	"CREATE CONSTRAINT assignment_rf IF NOT EXISTS FOR (n:PatentAssignment) REQUIRE n.rf_id IS UNIQUE",
	"CREATE CONSTRAINT cet_id IF NOT EXISTS FOR (n:CETArea) REQUIRE n.cet_id IS UNIQUE",
	"CREATE CONSTRAINT agency_code IF NOT EXISTS FOR (n:Agency) REQUIRE n.code IS UNIQUE",
	"CREATE CONSTRAINT sector_code IF NOT EXISTS FOR (n:Sector) REQUIRE n.code IS UNIQUE",
}

var indexStatements = []string{
	"CREATE INDEX org_uei IF NOT EXISTS FOR (n:Organization) ON (n.uei)",
	"CREATE INDEX org_state IF NOT EXISTS FOR (n:Organization) ON (n.state)",
	"CREATE INDEX txn_fiscal_year IF NOT EXISTS FOR (n:FinancialTransaction) ON (n.fiscal_year)",
	"CREATE INDEX patent_app IF NOT EXISTS FOR (n:Patent) ON (n.appno_doc_num)",
	"CREATE INDEX assignment_recorded IF NOT EXISTS FOR (n:PatentAssignment) ON (n.record_date)",
}

// SchemaManager bootstraps constraints and indexes and guards the
// schema-version marker.
type SchemaManager struct {
	exec   Executor
	logger logging.Logger
}

func NewSchemaManager(exec Executor, log logging.Logger) *SchemaManager {
	return &SchemaManager{exec: exec, logger: log}
}

// Bootstrap creates constraints and indexes if absent. Safe to run on every
// startup.
func (m *SchemaManager) Bootstrap(ctx context.Context) error {
	stmts := append(append([]string{}, constraintStatements...), indexStatements...)
	_, err := m.exec.ExecuteWrite(ctx, func(tx Transaction) (any, error) {
		for _, stmt := range stmts {
			if _, err := tx.Run(ctx, stmt, nil); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeLoaderConstraint, "failed to bootstrap graph schema")
	}
	m.logger.Info("graph schema bootstrapped",
		logging.Int("constraints", len(constraintStatements)),
		logging.Int("indexes", len(indexStatements)))
	return nil
}

// EnsureVersion verifies the database's schema marker matches this code's
// version, creating the marker on a fresh database. A mismatch means the
// database needs migration before any load may proceed.
func (m *SchemaManager) EnsureVersion(ctx context.Context) error {
	found, err := m.exec.ExecuteWrite(ctx, func(tx Transaction) (any, error) {
		result, err := tx.Run(ctx,
			"MERGE (m:"+labelSchemaMarker+" {id: 'graph-schema'}) "+
				"ON CREATE SET m.version = $version, m.created_at = datetime() "+
				"RETURN m.version AS version",
			map[string]any{"version": SchemaVersion})
		if err != nil {
			return nil, err
		}
		if result.Next(ctx) {
			v, _ := result.Record().Get("version")
			return v, nil
		}
		return nil, result.Err()
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeLoaderFatal, "failed to read graph schema marker")
	}
	version, _ := found.(string)
	if version != SchemaVersion {
		return errors.Newf(errors.ErrCodeSchemaVersion,
			"graph schema version %q does not match required %q; run a migration first",
			version, SchemaVersion)
	}
	return nil
}
