package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
)

// versionExec answers the schema-marker query with a fixed version and
// records every statement it sees.
type versionExec struct {
	version    string
	statements []string
}

func (e *versionExec) ExecuteRead(ctx context.Context, work func(Transaction) (any, error)) (any, error) {
	return work(&versionTx{e: e})
}

func (e *versionExec) ExecuteWrite(ctx context.Context, work func(Transaction) (any, error)) (any, error) {
	return work(&versionTx{e: e})
}

type versionTx struct {
	e *versionExec
}

func (t *versionTx) Run(_ context.Context, cypher string, _ map[string]any) (Result, error) {
	t.e.statements = append(t.e.statements, cypher)
	if strings.Contains(cypher, labelSchemaMarker) {
		return &recordResult{rec: &neo4j.Record{Keys: []string{"version"}, Values: []any{t.e.version}}}, nil
	}
	return &fakeResult{}, nil
}

type recordResult struct {
	rec      *neo4j.Record
	consumed bool
}

func (r *recordResult) Next(context.Context) bool {
	if r.consumed {
		return false
	}
	r.consumed = true
	return true
}

func (r *recordResult) Record() *neo4j.Record { return r.rec }
func (r *recordResult) Err() error            { return nil }
func (r *recordResult) Consume(context.Context) (neo4j.ResultSummary, error) {
	return nil, nil
}

func TestBootstrapCreatesConstraintsAndIndexes(t *testing.T) {
	exec := &versionExec{version: SchemaVersion}
	m := NewSchemaManager(exec, logging.NewNop())
	require.NoError(t, m.Bootstrap(context.Background()))

	require.Len(t, exec.statements, len(constraintStatements)+len(indexStatements))
	for _, s := range exec.statements {
		require.Contains(t, s, "IF NOT EXISTS", "bootstrap must be re-runnable")
	}
}

func TestEnsureVersionAcceptsMatch(t *testing.T) {
	m := NewSchemaManager(&versionExec{version: SchemaVersion}, logging.NewNop())
	require.NoError(t, m.EnsureVersion(context.Background()))
}

func TestEnsureVersionRejectsMismatch(t *testing.T) {
	m := NewSchemaManager(&versionExec{version: "2019.1"}, logging.NewNop())
	err := m.EnsureVersion(context.Background())
	require.True(t, errors.IsCode(err, errors.ErrCodeSchemaVersion))
	require.Equal(t, 4, errors.ExitStatus(err), "schema mismatch demands operator intervention")
}
