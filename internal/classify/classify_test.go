package classify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

const modelJSON = `{
  "kind": "keyword",
  "version": "cet-2024.1",
  "labels": [
    {"label": "Artificial Intelligence",
     "keywords": {"machine learning": 40, "neural network": 35, "autonomous": 20}},
    {"label": "Advanced Materials",
     "keywords": {"composite": 30, "alloy": 30, "nanomaterial": 45}},
    {"label": "Space Technology",
     "keywords": {"satellite": 50, "launch vehicle": 40}}
  ]
}`

func writeModel(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndClassify(t *testing.T) {
	c, err := Load(writeModel(t, modelJSON))
	require.NoError(t, err)
	require.Equal(t, "cet-2024.1", c.Version())

	results, err := c.ClassifyBatch(context.Background(), []string{
		"A machine learning approach using a neural network for autonomous navigation of satellite constellations.",
		"Improved titanium alloy for turbine blades.",
		"Unrelated abstract about office furniture.",
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	first := results[0]
	require.Equal(t, "Artificial Intelligence", first[0].Label)
	require.Equal(t, 95.0, first[0].Score)
	require.ElementsMatch(t, []string{"machine learning", "neural network", "autonomous"}, first[0].Evidence)
	require.Equal(t, "Space Technology", first[1].Label)

	require.Equal(t, "Advanced Materials", results[1][0].Label)
	require.Equal(t, 30.0, results[1][0].Score)

	require.Empty(t, results[2], "non-matching text yields no labels")
}

func TestClassifyDeterminism(t *testing.T) {
	c, err := Load(writeModel(t, modelJSON))
	require.NoError(t, err)
	text := []string{"neural network composite satellite machine learning"}
	first, err := c.ClassifyBatch(context.Background(), text)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := c.ClassifyBatch(context.Background(), text)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestScoreCap(t *testing.T) {
	c, err := Load(writeModel(t, `{
	  "kind": "keyword", "version": "v1",
	  "labels": [{"label": "X", "keywords": {"a": 60, "b": 60}}]
	}`))
	require.NoError(t, err)
	res, err := c.ClassifyBatch(context.Background(), []string{"a b"})
	require.NoError(t, err)
	require.Equal(t, 100.0, res[0][0].Score)
}

func TestLoadRejectsBadArtifacts(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.True(t, errors.IsCode(err, errors.ErrCodeModelArtifact))

	_, err = Load(writeModel(t, "not json"))
	require.True(t, errors.IsCode(err, errors.ErrCodeModelArtifact))

	_, err = Load(writeModel(t, `{"kind": "transformer", "version": "v1", "labels": [{"label":"X"}]}`))
	require.True(t, errors.IsCode(err, errors.ErrCodeModelArtifact))

	_, err = Load(writeModel(t, `{"kind": "keyword", "version": "", "labels": []}`))
	require.True(t, errors.IsCode(err, errors.ErrCodeModelArtifact))
}

func TestCategorize(t *testing.T) {
	c, err := Load(writeModel(t, modelJSON))
	require.NoError(t, err)
	awards := []*types.Award{
		{AwardID: "A-1", Abstract: "machine learning neural network satellite composite"},
		{AwardID: "A-2", Abstract: "nothing relevant"},
	}
	cats, err := Categorize(context.Background(), c, awards, 2)
	require.NoError(t, err)
	require.Len(t, cats, 1, "unscored awards are skipped")
	require.Equal(t, "A-1", cats[0].AwardID)
	require.Equal(t, "Artificial Intelligence", cats[0].Primary.Label)
	require.Len(t, cats[0].Supporting, 1, "supporting capped at top_k-1")
}
