package graph

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/transform"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// fakeExec records every statement run against it. failures maps a row key
// (as seen in the "rows" parameter) to how many times writes containing it
// should fail before succeeding; failErr is the error returned.
type fakeExec struct {
	mu         sync.Mutex
	statements []executed
	failures   map[any]int
	failErr    error
}

type executed struct {
	cypher string
	params map[string]any
}

func (f *fakeExec) ExecuteRead(ctx context.Context, work func(Transaction) (any, error)) (any, error) {
	return work(&fakeTx{exec: f})
}

func (f *fakeExec) ExecuteWrite(ctx context.Context, work func(Transaction) (any, error)) (any, error) {
	return work(&fakeTx{exec: f})
}

type fakeTx struct {
	exec *fakeExec
}

func (t *fakeTx) Run(_ context.Context, cypher string, params map[string]any) (Result, error) {
	f := t.exec
	f.mu.Lock()
	defer f.mu.Unlock()
	if rows, ok := params["rows"].([]map[string]any); ok {
		for _, row := range rows {
			for _, candidate := range []any{row["key"], row["start"]} {
				if n, ok := f.failures[candidate]; ok && n > 0 {
					f.failures[candidate] = n - 1
					return nil, f.failErr
				}
			}
		}
	}
	f.statements = append(f.statements, executed{cypher: cypher, params: params})
	return &fakeResult{}, nil
}

type fakeResult struct{}

func (r *fakeResult) Next(context.Context) bool { return false }
func (r *fakeResult) Record() *neo4j.Record     { return nil }
func (r *fakeResult) Err() error                { return nil }
func (r *fakeResult) Consume(context.Context) (neo4j.ResultSummary, error) {
	return nil, nil
}

func (f *fakeExec) writtenKeys(relType string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, s := range f.statements {
		if relType != "" && !strings.Contains(s.cypher, relType) {
			continue
		}
		rows, ok := s.params["rows"].([]map[string]any)
		if !ok {
			continue
		}
		for _, row := range rows {
			if k, ok := row["key"]; ok {
				out = append(out, k)
			} else {
				out = append(out, row["start"])
			}
		}
	}
	return out
}

func testLoader(exec *fakeExec, batchSize int) *Loader {
	return NewLoader(exec, config.GraphConfig{
		BatchSize:     batchSize,
		LoaderWorkers: 2,
		MaxRetries:    2,
		RetryBackoff:  time.Millisecond,
	}, logging.NewNop())
}

func orgBatch(ids ...string) NodeBatch {
	nb := NodeBatch{Label: LabelOrganization, KeyProp: "organization_id"}
	for _, id := range ids {
		nb.Rows = append(nb.Rows, NodeRow{Key: id, Props: map[string]any{"name": "n-" + id}})
	}
	return nb
}

func TestLoaderWritesNodesThenRels(t *testing.T) {
	exec := &fakeExec{}
	loader := testLoader(exec, 10)

	rels := RelBatch{
		Type:       RelRecipientOf,
		StartLabel: LabelOrganization, StartProp: "organization_id",
		EndLabel: LabelFinancialTransaction, EndProp: "transaction_id",
		Rows: []RelRow{{Start: "ORG-1", End: "A-1", Props: map[string]any{"confidence": 0.95}}},
	}
	report, err := loader.Load(context.Background(),
		[]NodeBatch{orgBatch("ORG-1", "ORG-2", "ORG-3")}, []RelBatch{rels})
	require.NoError(t, err)
	require.Equal(t, 3, report.NodesWritten)
	require.Equal(t, 1, report.RelsWritten)
	require.Empty(t, report.Failures)

	// every node statement precedes every relationship statement
	var lastNode, firstRel = -1, len(exec.statements)
	for i, s := range exec.statements {
		if strings.Contains(s.cypher, "MERGE (n:") {
			lastNode = i
		} else if firstRel == len(exec.statements) {
			firstRel = i
		}
	}
	require.Less(t, lastNode, firstRel, "node batches must load before relationship batches")

	// idempotent shape: MERGE on the key, never CREATE
	for _, s := range exec.statements {
		require.NotContains(t, s.cypher, "CREATE (")
		require.Contains(t, s.cypher, "MERGE")
	}
}

func TestLoaderRetriesTransientFailures(t *testing.T) {
	exec := &fakeExec{
		failures: map[any]int{"ORG-1": 1},
		failErr:  errors.New(errors.ErrCodeLoaderConflict, "lock contention"),
	}
	loader := testLoader(exec, 10)

	report, err := loader.Load(context.Background(), []NodeBatch{orgBatch("ORG-1")}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.NodesWritten)
	require.Equal(t, 1, report.Retries)
	require.Empty(t, report.Failures)
}

func TestLoaderSplitsFailingBatchToSingleRow(t *testing.T) {
	// ORG-BAD fails forever; sibling rows in its batch must still land.
	exec := &fakeExec{
		failures: map[any]int{"ORG-BAD": 1 << 20},
		failErr:  errors.New(errors.ErrCodeLoaderConflict, "deadlock"),
	}
	loader := NewLoader(exec, config.GraphConfig{
		BatchSize:     10,
		LoaderWorkers: 1, // single worker keeps all rows in one batch
		MaxRetries:    1,
		RetryBackoff:  time.Millisecond,
	}, logging.NewNop())

	report, err := loader.Load(context.Background(),
		[]NodeBatch{orgBatch("ORG-A", "ORG-BAD", "ORG-C", "ORG-D")}, nil)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	require.Equal(t, "ORG-BAD", report.Failures[0].Key)
	require.ElementsMatch(t, []any{"ORG-A", "ORG-C", "ORG-D"}, exec.writtenKeys(""))
}

func TestLoaderStopsOnPermanentError(t *testing.T) {
	exec := &fakeExec{
		failures: map[any]int{"ORG-1": 1},
		failErr:  errors.New(errors.ErrCodeInternal, "invalid cypher"),
	}
	loader := testLoader(exec, 10)
	_, err := loader.Load(context.Background(), []NodeBatch{orgBatch("ORG-1")}, nil)
	require.True(t, errors.IsCode(err, errors.ErrCodeLoaderFatal))
}

func TestLoaderRecordsConstraintViolations(t *testing.T) {
	// ORG-BAD violates a uniqueness constraint on every attempt; the load
	// must skip it, record the failure, and still land its siblings.
	exec := &fakeExec{
		failures: map[any]int{"ORG-BAD": 1 << 20},
		failErr:  errors.New(errors.ErrCodeLoaderConstraint, "node already exists"),
	}
	loader := NewLoader(exec, config.GraphConfig{
		BatchSize:     10,
		LoaderWorkers: 1,
		MaxRetries:    1,
		RetryBackoff:  time.Millisecond,
	}, logging.NewNop())

	report, err := loader.Load(context.Background(),
		[]NodeBatch{orgBatch("ORG-A", "ORG-BAD", "ORG-C")}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, report.NodesWritten)
	require.Len(t, report.Failures, 1)
	require.Equal(t, "ORG-BAD", report.Failures[0].Key)
	require.ElementsMatch(t, []any{"ORG-A", "ORG-C"}, exec.writtenKeys(""))
}

func TestLoaderRecordsServerConstraintErrors(t *testing.T) {
	exec := &fakeExec{
		failures: map[any]int{"ORG-DUP": 1 << 20},
		failErr: &db.Neo4jError{
			Code: "Neo.ClientError.Schema.ConstraintValidationFailed",
			Msg:  "already exists with label `Organization`",
		},
	}
	loader := NewLoader(exec, config.GraphConfig{
		BatchSize:     10,
		LoaderWorkers: 1,
		MaxRetries:    1,
		RetryBackoff:  time.Millisecond,
	}, logging.NewNop())

	report, err := loader.Load(context.Background(),
		[]NodeBatch{orgBatch("ORG-1", "ORG-DUP")}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.NodesWritten)
	require.Len(t, report.Failures, 1)
	require.Equal(t, "ORG-DUP", report.Failures[0].Key)
}

func TestLoaderPartitionsAreDisjoint(t *testing.T) {
	exec := &fakeExec{}
	loader := testLoader(exec, 2)
	ids := []string{"ORG-1", "ORG-2", "ORG-3", "ORG-4", "ORG-5", "ORG-6", "ORG-7"}
	report, err := loader.Load(context.Background(), []NodeBatch{orgBatch(ids...)}, nil)
	require.NoError(t, err)
	require.Equal(t, len(ids), report.NodesWritten)

	seen := map[any]int{}
	for _, k := range exec.writtenKeys("") {
		seen[k]++
	}
	for _, id := range ids {
		require.Equal(t, 1, seen[id], "each row written exactly once")
	}
}

func TestLoadIsIdempotentAcrossRuns(t *testing.T) {
	exec := &fakeExec{}
	loader := testLoader(exec, 10)
	batches := []NodeBatch{orgBatch("ORG-1", "ORG-2")}

	first, err := loader.Load(context.Background(), batches, nil)
	require.NoError(t, err)
	second, err := loader.Load(context.Background(), batches, nil)
	require.NoError(t, err)
	require.Equal(t, first.NodesWritten, second.NodesWritten)

	// same MERGE statements, same keys, both runs
	all := exec.writtenKeys("")
	require.Len(t, all, 4)
	require.ElementsMatch(t, all[:2], all[2:])
}

func TestChainBatchesPredecessorOrder(t *testing.T) {
	key := types.GrantKey("10500001")
	first := &types.PatentAssignment{RFID: "RF-1", PatentKey: key,
		Conveyance: types.ConveyAssignment, RecordDate: time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		Assignees: []string{"Acme Robotics"}}
	second := &types.PatentAssignment{RFID: "RF-2", PatentKey: key,
		Conveyance: types.ConveyAssignment, RecordDate: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
		PredecessorRF: "RF-1", Assignees: []string{"Zenith Holdings"}}
	chain := transform.Chain{
		Patent:      key,
		Assignments: []*types.PatentAssignment{first, second},
		SpanStart:   first.RecordDate, SpanEnd: second.RecordDate,
		CurrentAssignees: []string{"Zenith Holdings"},
	}
	parties := map[string]OrgRef{
		"Zenith Holdings": {OrganizationID: "ORG-Z", Method: "exact_uei", Confidence: 0.95},
	}

	nodes, rels := ChainBatches([]transform.Chain{chain}, parties)
	require.Len(t, nodes, 2)
	require.Equal(t, LabelPatent, nodes[0].Label)
	require.Equal(t, LabelPatentAssignment, nodes[1].Label)
	require.Equal(t, []any{"RF-1", "RF-2"},
		[]any{nodes[1].Rows[0].Key, nodes[1].Rows[1].Key},
		"predecessors appear before successors")

	var chainOf, owns *RelBatch
	for i := range rels {
		switch rels[i].Type {
		case RelChainOf:
			chainOf = &rels[i]
		case RelOwns:
			owns = &rels[i]
		}
	}
	require.NotNil(t, chainOf)
	require.Len(t, chainOf.Rows, 1)
	require.Equal(t, "RF-2", chainOf.Rows[0].Start)
	require.Equal(t, "RF-1", chainOf.Rows[0].End)

	require.NotNil(t, owns)
	require.Len(t, owns.Rows, 1)
	require.Equal(t, "ORG-Z", owns.Rows[0].Start)
	require.Equal(t, 0.95, owns.Rows[0].Props["confidence"])
}

func TestAwardBatchesDeriveEdges(t *testing.T) {
	awards := []*types.Award{
		{AwardID: "A-1", Agency: "DOD", Phase: types.PhaseI, Amount: 150000},
		{AwardID: "A-2", Agency: "DOD", Phase: types.PhaseII, Amount: 900000},
		{AwardID: "A-3", Agency: "NASA", Phase: types.PhaseI, Amount: 120000},
	}
	refs := map[string]OrgRef{
		"A-1": {OrganizationID: "ORG-1", Method: "exact_uei", Confidence: 0.95},
		"A-2": {OrganizationID: "ORG-1", Method: "fuzzy_name_state", Confidence: 0.72},
	}
	nodes, rels := AwardBatches(awards, refs)

	require.Len(t, nodes[0].Rows, 3)
	require.Len(t, nodes[1].Rows, 2, "agencies deduplicated")

	byType := map[string]RelBatch{}
	for _, rb := range rels {
		byType[rb.Type] = rb
	}
	require.Len(t, byType[RelRecipientOf].Rows, 2, "unresolved award gets no recipient edge")
	require.Equal(t, 0.95, byType[RelRecipientOf].Rows[0].Props["confidence"])
	require.Len(t, byType[RelFundedBy].Rows, 3)
	require.Len(t, byType[RelParticipatedIn].Rows, 1, "participation deduplicated per org+agency")
}

func TestTombstoneDisabledByDefault(t *testing.T) {
	exec := &fakeExec{}
	loader := testLoader(exec, 10)
	report := &Report{}
	require.NoError(t, loader.Tombstone(context.Background(), LabelOrganization, "organization_id",
		[]any{"ORG-1"}, report))
	require.Empty(t, exec.statements, "tombstoning is opt-in")
}
