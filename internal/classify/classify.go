// Package classify defines the text categorization contract and the bundled
// keyword model. Classifiers are loaded from a versioned artifact and must
// be deterministic for a fixed artifact: the same texts always produce the
// same labels, scores, and evidence.
package classify

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Classifier scores texts against the technology category taxonomy.
type Classifier interface {
	// ClassifyBatch returns one ranked label list per input text, aligned
	// by index. Scores are in [0, 100].
	ClassifyBatch(ctx context.Context, texts []string) ([][]types.ScoredLabel, error)

	// Version identifies the loaded model artifact.
	Version() string
}

// Load reads a model artifact and constructs its classifier. The artifact
// format is self-describing; currently only the keyword model is bundled.
func Load(artifactPath string) (Classifier, error) {
	raw, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeModelArtifact,
			"failed to read model artifact").WithDetail(artifactPath)
	}
	var artifact modelArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeModelArtifact,
			"model artifact is not valid JSON").WithDetail(artifactPath)
	}
	if artifact.Kind != "keyword" {
		return nil, errors.Newf(errors.ErrCodeModelArtifact,
			"unsupported model kind %q", artifact.Kind)
	}
	if artifact.Version == "" || len(artifact.Labels) == 0 {
		return nil, errors.New(errors.ErrCodeModelArtifact,
			"model artifact missing version or labels")
	}
	return newKeywordModel(artifact), nil
}

// modelArtifact is the on-disk shape of the bundled keyword model.
type modelArtifact struct {
	Kind    string       `json:"kind"`
	Version string       `json:"version"`
	Labels  []labelEntry `json:"labels"`
}

type labelEntry struct {
	Label    string             `json:"label"`
	Keywords map[string]float64 `json:"keywords"` // phrase -> weight
}

// keywordModel scores a text by summing the weights of taxonomy phrases it
// contains, capped at 100. Matching is case-insensitive on whole phrases.
type keywordModel struct {
	version string
	labels  []compiledLabel
}

type compiledLabel struct {
	label    string
	keywords []weightedPhrase // sorted by phrase for deterministic evidence
}

type weightedPhrase struct {
	phrase string
	weight float64
}

func newKeywordModel(artifact modelArtifact) *keywordModel {
	m := &keywordModel{version: artifact.Version}
	for _, le := range artifact.Labels {
		cl := compiledLabel{label: le.Label}
		for phrase, weight := range le.Keywords {
			cl.keywords = append(cl.keywords, weightedPhrase{
				phrase: strings.ToLower(phrase), weight: weight,
			})
		}
		sort.Slice(cl.keywords, func(i, j int) bool {
			return cl.keywords[i].phrase < cl.keywords[j].phrase
		})
		m.labels = append(m.labels, cl)
	}
	sort.Slice(m.labels, func(i, j int) bool { return m.labels[i].label < m.labels[j].label })
	return m
}

func (m *keywordModel) Version() string { return m.version }

func (m *keywordModel) ClassifyBatch(ctx context.Context, texts []string) ([][]types.ScoredLabel, error) {
	out := make([][]types.ScoredLabel, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeCancelled, "classification cancelled")
		}
		out[i] = m.classify(text)
	}
	return out, nil
}

func (m *keywordModel) classify(text string) []types.ScoredLabel {
	lowered := strings.ToLower(text)
	var labels []types.ScoredLabel
	for _, cl := range m.labels {
		var score float64
		var evidence []string
		for _, kw := range cl.keywords {
			if strings.Contains(lowered, kw.phrase) {
				score += kw.weight
				evidence = append(evidence, kw.phrase)
			}
		}
		if score == 0 {
			continue
		}
		if score > 100 {
			score = 100
		}
		labels = append(labels, types.ScoredLabel{Label: cl.label, Score: score, Evidence: evidence})
	}
	// Rank by score; label order breaks ties deterministically.
	sort.SliceStable(labels, func(i, j int) bool { return labels[i].Score > labels[j].Score })
	return labels
}

// Categorize runs the classifier over award abstracts and shapes the
// transformer output rows: the top label as primary, up to topK-1 further
// labels as supporting. Awards with no scoring label are skipped.
func Categorize(ctx context.Context, c Classifier, awards []*types.Award, topK int) ([]types.AwardCategories, error) {
	if topK < 1 {
		topK = 3
	}
	texts := make([]string, len(awards))
	for i, a := range awards {
		texts[i] = a.Abstract
	}
	scored, err := c.ClassifyBatch(ctx, texts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeClassifyFailed, "award categorization failed")
	}
	var out []types.AwardCategories
	for i, labels := range scored {
		if len(labels) == 0 {
			continue
		}
		ac := types.AwardCategories{AwardID: awards[i].AwardID, Primary: labels[0]}
		for _, l := range labels[1:] {
			if len(ac.Supporting) >= topK-1 {
				break
			}
			ac.Supporting = append(ac.Supporting, l)
		}
		out = append(out, ac)
	}
	return out, nil
}
