package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/extract"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/pipeline"
	"github.com/hollomancer/sbir-analytics-sub004/internal/storage"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

func testDeps(t *testing.T) *assetDeps {
	t.Helper()
	return &assetDeps{
		cfg: &config.Config{
			Extract: config.ExtractConfig{ChunkSize: 100, ErrorTolerance: 0.1},
		},
		log: logging.NewNop(),
	}
}

func testStore(t *testing.T) storage.ObjectStore {
	t.Helper()
	store, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return store
}

// writeArtifact seals JSON-encodable lines under a key and returns the
// artifact reference a materializer would receive for it.
func writeArtifact(t *testing.T, store storage.ObjectStore, asset string, lines ...any) types.Artifact {
	t.Helper()
	key := asset + "/test.jsonl"
	w, err := store.Create(context.Background(), key)
	require.NoError(t, err)
	enc := json.NewEncoder(w)
	for _, line := range lines {
		require.NoError(t, enc.Encode(line))
	}
	require.NoError(t, w.Commit(context.Background()))
	return types.Artifact{Asset: asset, Path: key}
}

func materializeCtx(store storage.ObjectStore, upstream map[string]types.Artifact, out *bytes.Buffer) *pipeline.MaterializeContext {
	return &pipeline.MaterializeContext{
		RunID:     "01HTEST",
		Mode:      types.ModeFull,
		ChunkSize: 10,
		Writer:    out,
		Store:     store,
		Upstream:  upstream,
		Logger:    logging.NewNop(),
	}
}

func rawAwardLine(id, company string) map[string]any {
	return encodeRecord(types.Record{
		"award_id":   id,
		"company":    company,
		"agency":     "DOD",
		"phase":      "I",
		"amount":     150000.0,
		"award_date": time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
	})
}

func TestExtractionAssetStreamsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "awards.csv")
	csv := strings.Join([]string{
		"award_id,company,agency,phase,amount",
		"A-1,Acme Robotics,DOD,I,150000",
		"A-2,Beta Labs,NASA,II,750000",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	deps := testDeps(t)
	asset := extractionAsset(deps, assetRawAwards,
		extractDescriptor("sbir_awards", path, extract.FormatCSV, ""), awardsSchema())

	var out bytes.Buffer
	res, err := asset.Materialize(context.Background(), materializeCtx(testStore(t), nil, &out))
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Rows)
	require.Equal(t, int64(0), res.RowErrors)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "A-1", first["award_id"])
}

func TestValidatedAwardsFlagsDuplicates(t *testing.T) {
	store := testStore(t)
	raw := writeArtifact(t, store, assetRawAwards,
		rawAwardLine("A-1", "Acme Robotics"),
		rawAwardLine("A-2", "Beta Labs"),
		rawAwardLine("A-1", "Acme Robotics"), // duplicate transaction
	)

	asset := validatedAwardsAsset(testDeps(t))
	var out bytes.Buffer
	res, err := asset.Materialize(context.Background(),
		materializeCtx(store, map[string]types.Artifact{assetRawAwards: raw}, &out))
	require.NoError(t, err)

	require.Equal(t, int64(3), res.Rows, "duplicates still convert; the gate blocks descendants")
	require.GreaterOrEqual(t, res.Metrics["validation_errors"], 1.0)

	var a types.Award
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(out.String(), "\n", 2)[0]), &a))
	require.Equal(t, "A-1", a.AwardID)
	require.Equal(t, types.PhaseI, a.Phase)
}

func TestOrganizationsAssetDedups(t *testing.T) {
	store := testStore(t)
	uei := "AB1CD2EF3GH45"
	enriched := writeArtifact(t, store, assetEnrichedAwards,
		enrichedLine{
			Award: &types.Award{AwardID: "A-1", CompanyName: "Acme Robotics", Agency: "DOD", Phase: types.PhaseI, UEI: uei},
			Results: []types.EnrichmentResult{
				{Field: "uei", Value: uei, Source: types.SourceIdentifier, Confidence: 0.95},
			},
		},
		enrichedLine{
			Award: &types.Award{AwardID: "A-2", CompanyName: "ACME ROBOTICS INC", Agency: "DOD", Phase: types.PhaseII, UEI: uei},
		},
	)

	asset := organizationsAsset(testDeps(t))
	var out bytes.Buffer
	res, err := asset.Materialize(context.Background(),
		materializeCtx(store, map[string]types.Artifact{assetEnrichedAwards: enriched}, &out))
	require.NoError(t, err)

	require.Equal(t, 1.0, res.Metrics["distinct_organizations"], "same supplier id merges mentions")
	require.Equal(t, int64(3), res.Rows, "two recipient lines plus one organization")

	var recipients, orgs int
	var firstRecipient orgLine
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var ol orgLine
		require.NoError(t, json.Unmarshal([]byte(line), &ol))
		switch ol.Kind {
		case "recipient":
			if recipients == 0 {
				firstRecipient = ol
			}
			recipients++
		case "organization":
			orgs++
		}
	}
	require.Equal(t, 2, recipients)
	require.Equal(t, 1, orgs)
	require.Equal(t, string(types.SourceIdentifier), firstRecipient.Ref.Method)
}

func TestChainsAssetOrdersAssignments(t *testing.T) {
	store := testStore(t)
	raw := writeArtifact(t, store, assetRawAssignments,
		encodeRecord(types.Record{
			"rf_id":          "RF2",
			"grant_doc_num":  "11223344",
			"conveyance":     "ASSIGNMENT",
			"execution_date": time.Date(2021, 2, 1, 0, 0, 0, 0, time.UTC),
			"record_date":    time.Date(2021, 2, 15, 0, 0, 0, 0, time.UTC),
			"assignors":      "Acme Robotics Inc",
			"assignees":      "BigCo LLC",
		}),
		encodeRecord(types.Record{
			"rf_id":          "RF1",
			"grant_doc_num":  "11223344",
			"conveyance":     "ASSIGNMENT",
			"execution_date": time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC),
			"record_date":    time.Date(2020, 3, 15, 0, 0, 0, 0, time.UTC),
			"assignors":      "Jane Doe",
			"assignees":      "Acme Robotics Inc",
		}),
	)

	asset := chainsAsset(testDeps(t))
	var out bytes.Buffer
	res, err := asset.Materialize(context.Background(),
		materializeCtx(store, map[string]types.Artifact{assetRawAssignments: raw}, &out))
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Rows, "one patent, one chain")
	require.Equal(t, 0.0, res.Metrics["chain_issues"])
}

func TestBuildRegistryPlansFullGraph(t *testing.T) {
	reg := buildRegistry(testDeps(t))
	order, err := reg.Plan(nil)
	require.NoError(t, err)
	require.Len(t, order, len(reg.Keys()))

	pos := map[string]int{}
	for i, key := range order {
		pos[key] = i
	}
	require.Less(t, pos[assetRawAwards], pos[assetValidatedAwards])
	require.Less(t, pos[assetValidatedAwards], pos[assetEnrichedAwards])
	require.Less(t, pos[assetEnrichedAwards], pos[assetGraph])
	require.Less(t, pos[assetChains], pos[assetGraph])
}
