package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/internal/classify"
	"github.com/hollomancer/sbir-analytics-sub004/internal/config"
	"github.com/hollomancer/sbir-analytics-sub004/internal/enrich"
	"github.com/hollomancer/sbir-analytics-sub004/internal/extract"
	"github.com/hollomancer/sbir-analytics-sub004/internal/fuzzy"
	"github.com/hollomancer/sbir-analytics-sub004/internal/graph"
	"github.com/hollomancer/sbir-analytics-sub004/internal/infrastructure/logging"
	"github.com/hollomancer/sbir-analytics-sub004/internal/lookup"
	"github.com/hollomancer/sbir-analytics-sub004/internal/pipeline"
	"github.com/hollomancer/sbir-analytics-sub004/internal/report"
	"github.com/hollomancer/sbir-analytics-sub004/internal/storage"
	"github.com/hollomancer/sbir-analytics-sub004/internal/transform"
	"github.com/hollomancer/sbir-analytics-sub004/internal/validate"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/errors"
	"github.com/hollomancer/sbir-analytics-sub004/pkg/types"
)

// Asset keys, grouped by stage.
const (
	assetRawAwards      = "raw/awards"
	assetRawRegistry    = "raw/registry"
	assetRawContracts   = "raw/contracts"
	assetRawAssignments = "raw/assignments"
	assetRawTaxonomy    = "raw/taxonomy"

	assetValidatedAwards  = "validated/awards"
	assetEnrichedAwards   = "enriched/awards"
	assetClassifiedAwards = "enriched/categories"

	assetOrganizations = "transformed/organizations"
	assetChains        = "transformed/chains"
	assetProfiles      = "transformed/profiles"

	assetGraph = "loaded/graph"
)

// graphDialer opens a connection to the graph database on demand; the
// returned func releases it. Injected so tests run the load asset against a
// fake executor.
type graphDialer func(ctx context.Context) (graph.Executor, func(), error)

// assetDeps carries the shared collaborators asset materializers close over.
type assetDeps struct {
	cfg       *config.Config
	log       logging.Logger
	cache     enrich.EntryCache // optional registry lookup cache
	metrics   *report.Metrics   // optional collectors
	dialGraph graphDialer
}

// Interchange line shapes between assets. Artifacts are line-delimited JSON;
// raw assets carry schema-typed records, later stages carry typed entities.

type enrichedLine struct {
	Award   *types.Award             `json:"award"`
	Results []types.EnrichmentResult `json:"results,omitempty"`
}

type orgLine struct {
	Kind         string              `json:"kind"` // "organization" | "recipient"
	Organization *types.Organization `json:"organization,omitempty"`
	AwardID      string              `json:"award_id,omitempty"`
	Ref          *graph.OrgRef       `json:"ref,omitempty"`
}

type profileLine struct {
	Profile *transform.CompanyProfile `json:"profile"`
	Sectors map[string]int            `json:"sectors,omitempty"`
}

// eachLine streams an upstream artifact line by line.
func eachLine(ctx context.Context, store storage.ObjectStore, art types.Artifact, fn func(line []byte) error) error {
	rc, err := store.Open(ctx, art.Path)
	if err != nil {
		return err
	}
	defer rc.Close()
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCodeCancelled, "read cancelled")
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorage, "failed to read upstream artifact").WithDetail(art.Path)
	}
	return nil
}

// eachRecord streams schema-typed records out of a raw artifact.
func eachRecord(ctx context.Context, store storage.ObjectStore, art types.Artifact, schema types.Schema, fn func(types.Record) error) error {
	return eachLine(ctx, store, art, func(line []byte) error {
		var m map[string]any
		if err := json.Unmarshal(line, &m); err != nil {
			return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed artifact line").WithDetail(art.Asset)
		}
		rec, err := decodeRecord(schema, m)
		if err != nil {
			return err
		}
		return fn(rec)
	})
}

// buildRegistry assembles the full asset graph. The list is explicit and
// ordered; registration order is the default full-run selection.
func buildRegistry(deps *assetDeps) *pipeline.Registry {
	reg := pipeline.NewRegistry()
	cfg := deps.cfg

	reg.MustRegister(extractionAsset(deps, assetRawAwards,
		extractDescriptor("sbir_awards", cfg.Sources.AwardsPath, extract.FormatCSV, ""),
		awardsSchema()))
	reg.MustRegister(extractionAsset(deps, assetRawRegistry,
		extractDescriptor("supplier_registry", cfg.Sources.RegistryPath, extract.FormatCSV, ""),
		registrySchema()))
	reg.MustRegister(extractionAsset(deps, assetRawContracts,
		extractDescriptor("federal_contracts", cfg.Sources.ContractsPath, extract.FormatSQLDump, "contracts"),
		contractsSchema()))
	reg.MustRegister(extractionAsset(deps, assetRawAssignments,
		extractDescriptor("patent_assignments", cfg.Sources.AssignmentsPath, extract.FormatStata, ""),
		assignmentsSchema()))
	reg.MustRegister(extractionAsset(deps, assetRawTaxonomy,
		extractDescriptor("cet_taxonomy", cfg.Sources.TaxonomyPath, extract.FormatCSV, ""),
		taxonomySchema()))

	reg.MustRegister(validatedAwardsAsset(deps))
	reg.MustRegister(enrichedAwardsAsset(deps))
	reg.MustRegister(classifiedAwardsAsset(deps))
	reg.MustRegister(organizationsAsset(deps))
	reg.MustRegister(chainsAsset(deps))
	reg.MustRegister(profilesAsset(deps))
	reg.MustRegister(graphLoadAsset(deps))
	return reg
}

// extractionAsset materializes one raw source into schema-typed JSON lines.
func extractionAsset(deps *assetDeps, key string, d extract.Descriptor, schema types.Schema) *pipeline.Asset {
	cfg := deps.cfg
	return &pipeline.Asset{
		Key:           key,
		StorageFormat: "jsonl",
		Streaming:     true,
		Config: map[string]any{
			"path":            d.Path,
			"format":          string(d.Format),
			"table":           d.Table,
			"error_tolerance": cfg.Extract.ErrorTolerance,
		},
		Checks: []pipeline.Check{
			pipeline.MinRows(1),
			pipeline.MaxErrorRate(cfg.Extract.ErrorTolerance),
		},
		Materialize: func(ctx context.Context, mc *pipeline.MaterializeContext) (*pipeline.MaterializeOutput, error) {
			ex, err := extract.ForFormat(d, schema, extract.Options{
				ChunkSize:      mc.ChunkSize,
				ErrorTolerance: cfg.Extract.ErrorTolerance,
				OpenRetries:    cfg.Extract.MaxRetries,
			})
			if err != nil {
				return nil, err
			}
			it, err := ex.Open(ctx, d)
			if err != nil {
				return nil, err
			}
			defer it.Close()

			enc := json.NewEncoder(mc.Writer)
			var rows int64
			for {
				chunk, err := it.Next(ctx)
				if err == io.EOF {
					break
				}
				if err != nil {
					return nil, err
				}
				for _, rec := range chunk.Records {
					if err := enc.Encode(encodeRecord(rec)); err != nil {
						return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode record")
					}
					rows++
				}
			}
			return &pipeline.MaterializeOutput{
				Rows:      rows,
				RowErrors: int64(len(it.RowErrors())),
			}, nil
		},
	}
}

func fptr(v float64) *float64 { return &v }

// awardRuleSet is the config-driven validation for the award source. The
// award id uniqueness rule is blocking: a duplicate transaction would
// double-count funding downstream.
func awardRuleSet() []validate.RuleConfig {
	return []validate.RuleConfig{
		{Name: "award_id_present", Kind: validate.KindCompleteness, Severity: validate.SeverityError, Field: "award_id"},
		{Name: "award_id_unique", Kind: validate.KindUniqueness, Severity: validate.SeverityError, Field: "award_id"},
		{Name: "company_present", Kind: validate.KindCompleteness, Severity: validate.SeverityError, Field: "company"},
		{Name: "agency_present", Kind: validate.KindCompleteness, Severity: validate.SeverityError, Field: "agency"},
		{Name: "amount_non_negative", Kind: validate.KindRange, Severity: validate.SeverityError, Field: "amount", Min: fptr(0)},
		{Name: "award_date_plausible", Kind: validate.KindRange, Severity: validate.SeverityWarn, Field: "award_date", MinDate: "1982-01-01", MaxDate: "now"},
		{Name: "uei_format", Kind: validate.KindFormat, Severity: validate.SeverityWarn, Field: "uei", Pattern: `^[A-Z0-9]{13}$`},
		{Name: "recipient_resolvable", Kind: validate.KindCrossField, Severity: validate.SeverityWarn, Check: "recipient_resolvable"},
		{Name: "phase3_no_amount", Kind: validate.KindCrossField, Severity: validate.SeverityWarn, Check: "phase3_no_amount"},
	}
}

// validatedAwardsAsset applies the rule set and emits typed awards. Any
// ERROR finding trips the blocking gate, so descendants do not consume a
// corrupt award stream.
func validatedAwardsAsset(deps *assetDeps) *pipeline.Asset {
	return &pipeline.Asset{
		Key:           assetValidatedAwards,
		Inputs:        []string{assetRawAwards},
		StorageFormat: "jsonl",
		Streaming:     true,
		Config:        map[string]any{"rules": "awards-v1"},
		Checks: []pipeline.Check{
			pipeline.MinRows(1),
			pipeline.MaxMetric("validation_errors", 0, types.SeverityError),
		},
		Materialize: func(ctx context.Context, mc *pipeline.MaterializeContext) (*pipeline.MaterializeOutput, error) {
			v, err := validate.New("sbir_awards", awardRuleSet())
			if err != nil {
				return nil, err
			}
			schema := awardsSchema()
			enc := json.NewEncoder(mc.Writer)
			var rows, rowErrs int64
			chunk := types.Chunk{}
			flush := func() error {
				if chunk.Len() == 0 {
					return nil
				}
				v.ValidateChunk(chunk)
				for _, rec := range chunk.Records {
					a, err := awardFromRecord(rec)
					if err != nil {
						rowErrs++
						continue
					}
					if err := enc.Encode(a); err != nil {
						return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode award")
					}
					rows++
				}
				chunk = types.Chunk{Index: chunk.Index + 1}
				return nil
			}
			err = eachRecord(ctx, mc.Store, mc.Upstream[assetRawAwards], schema, func(rec types.Record) error {
				chunk.Records = append(chunk.Records, rec)
				if chunk.Len() >= mc.ChunkSize {
					return flush()
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			if err := flush(); err != nil {
				return nil, err
			}
			rep := v.Report()
			return &pipeline.MaterializeOutput{
				Rows:      rows,
				RowErrors: rowErrs,
				Metrics: map[string]float64{
					"validation_errors":     float64(rep.ErrorFindings),
					"validation_warnings":   float64(rep.WarnFindings),
					"validation_error_rate": rep.ErrorRate(),
				},
			}, nil
		},
	}
}

// registryCorpusLoader streams the reference corpus out of the raw registry
// artifact.
func registryCorpusLoader(store storage.ObjectStore, art types.Artifact) lookup.CorpusLoader {
	return func(ctx context.Context) ([]lookup.Entry, error) {
		var entries []lookup.Entry
		err := eachRecord(ctx, store, art, registrySchema(), func(rec types.Record) error {
			entries = append(entries, lookup.Entry{
				UEI:   rec.String("uei"),
				DUNS:  rec.String("duns"),
				Name:  rec.String("legal_name"),
				State: rec.String("state"),
				City:  rec.String("city"),
				Zip:   rec.String("zip"),
				NAICS: rec.String("naics"),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
		return entries, nil
	}
}

// enrichedAwardsAsset runs the strategy chain over the validated award
// stream for the supplier id and industry code fields.
func enrichedAwardsAsset(deps *assetDeps) *pipeline.Asset {
	cfg := deps.cfg
	return &pipeline.Asset{
		Key:           assetEnrichedAwards,
		Inputs:        []string{assetValidatedAwards, assetRawRegistry},
		StorageFormat: "jsonl",
		Streaming:     true,
		Config: map[string]any{
			"stop_threshold": cfg.Enrich.StopThreshold,
			"fuzzy_high":     cfg.Enrich.FuzzyHigh,
			"fuzzy_medium":   cfg.Enrich.FuzzyMedium,
			"zip_prefix_len": cfg.Enrich.ZipPrefixLen,
			"registry_batch": cfg.Enrich.Registry.BatchSize,
		},
		Checks: []pipeline.Check{
			pipeline.MinRows(1),
			pipeline.MinMetric("match_rate", cfg.Enrich.MinMatchRate, types.SeverityError),
			pipeline.MaxMetric("fallback_rate", cfg.Enrich.MaxFallbackRate, types.SeverityWarn),
		},
		Materialize: func(ctx context.Context, mc *pipeline.MaterializeContext) (*pipeline.MaterializeOutput, error) {
			provider := lookup.NewProvider(registryCorpusLoader(mc.Store, mc.Upstream[assetRawRegistry]), deps.log)
			ix, err := provider.Get(ctx)
			if err != nil {
				return nil, err
			}
			api := enrich.NewResilientClient(enrich.NewIndexBackedAPI(ix), deps.cache, cfg.Enrich.Registry, deps.log)
			engine := enrich.New(cfg.Enrich, ix, api, "award_id", deps.log)
			specs := []enrich.FieldSpec{enrich.FieldUEI, enrich.FieldNAICS}

			enc := json.NewEncoder(mc.Writer)
			var rows int64
			var awards []*types.Award
			flush := func() error {
				if len(awards) == 0 {
					return nil
				}
				chunk := types.Chunk{Records: make([]types.Record, len(awards))}
				for i, a := range awards {
					chunk.Records[i] = recordFromAward(a)
				}
				winners := make([][]types.EnrichmentResult, len(awards))
				for _, spec := range specs {
					results, err := engine.EnrichChunk(ctx, chunk, spec)
					if err != nil {
						return err
					}
					for i, res := range results {
						if res.Source != types.SourceNoMatch && res.Value != "" {
							switch spec.Name {
							case "uei":
								awards[i].UEI = res.Value
							case "naics":
								awards[i].NAICS = res.Value
							}
						}
						winners[i] = append(winners[i], res)
					}
				}
				for i, a := range awards {
					if err := enc.Encode(enrichedLine{Award: a, Results: winners[i]}); err != nil {
						return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode enriched award")
					}
					rows++
				}
				awards = awards[:0]
				return nil
			}
			err = eachLine(ctx, mc.Store, mc.Upstream[assetValidatedAwards], func(line []byte) error {
				var a types.Award
				if err := json.Unmarshal(line, &a); err != nil {
					return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed award line")
				}
				awards = append(awards, &a)
				if len(awards) >= mc.ChunkSize {
					return flush()
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			if err := flush(); err != nil {
				return nil, err
			}

			stats := engine.Stats()
			if deps.metrics != nil {
				deps.metrics.ObserveEnrichment(stats)
			}
			matchRate, fallbackRate := 1.0, 0.0
			for _, field := range stats.Fields() {
				fs := stats.Field(field)
				if r := fs.MatchRate(); r < matchRate {
					matchRate = r
				}
				if r := fs.FallbackRate(); r > fallbackRate {
					fallbackRate = r
				}
			}
			return &pipeline.MaterializeOutput{
				Rows: rows,
				Metrics: map[string]float64{
					"match_rate":    matchRate,
					"fallback_rate": fallbackRate,
				},
			}, nil
		},
	}
}

// classifiedAwardsAsset runs the categorization model over award abstracts.
func classifiedAwardsAsset(deps *assetDeps) *pipeline.Asset {
	cfg := deps.cfg
	return &pipeline.Asset{
		Key:           assetClassifiedAwards,
		Inputs:        []string{assetValidatedAwards},
		StorageFormat: "jsonl",
		Config: map[string]any{
			"artifact_path": cfg.Classify.ArtifactPath,
			"top_k":         cfg.Classify.TopK,
		},
		Materialize: func(ctx context.Context, mc *pipeline.MaterializeContext) (*pipeline.MaterializeOutput, error) {
			model, err := classify.Load(cfg.Classify.ArtifactPath)
			if err != nil {
				return nil, err
			}
			var awards []*types.Award
			err = eachLine(ctx, mc.Store, mc.Upstream[assetValidatedAwards], func(line []byte) error {
				var a types.Award
				if err := json.Unmarshal(line, &a); err != nil {
					return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed award line")
				}
				awards = append(awards, &a)
				return nil
			})
			if err != nil {
				return nil, err
			}
			cats, err := classify.Categorize(ctx, model, awards, cfg.Classify.TopK)
			if err != nil {
				return nil, err
			}
			enc := json.NewEncoder(mc.Writer)
			for _, c := range cats {
				if err := enc.Encode(c); err != nil {
					return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode categories")
				}
			}
			return &pipeline.MaterializeOutput{
				Rows:    int64(len(cats)),
				Metrics: map[string]float64{"model_awards": float64(len(awards))},
			}, nil
		},
	}
}

// organizationsAsset dedups recipient mentions into canonical organizations
// and records how each award's recipient resolved.
func organizationsAsset(deps *assetDeps) *pipeline.Asset {
	return &pipeline.Asset{
		Key:           assetOrganizations,
		Inputs:        []string{assetEnrichedAwards},
		StorageFormat: "jsonl",
		Config:        map[string]any{"identity": "uei-else-name-hash"},
		Checks:        []pipeline.Check{pipeline.MinRows(1)},
		Materialize: func(ctx context.Context, mc *pipeline.MaterializeContext) (*pipeline.MaterializeOutput, error) {
			deduper := transform.NewDeduper()
			enc := json.NewEncoder(mc.Writer)
			var rows int64
			err := eachLine(ctx, mc.Store, mc.Upstream[assetEnrichedAwards], func(line []byte) error {
				var el enrichedLine
				if err := json.Unmarshal(line, &el); err != nil {
					return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed enriched line")
				}
				a := el.Award
				org := deduper.Add(transform.Mention{
					Name:          a.CompanyName,
					UEI:           a.UEI,
					DUNS:          a.DUNS,
					City:          a.City,
					State:         a.State,
					Zip:           a.Zip,
					OrgType:       types.OrgCompany,
					SourceContext: "sbir_awards",
					Seen:          a.AwardDate,
				})
				ref := &graph.OrgRef{OrganizationID: org.OrganizationID, Method: "name_hash", Confidence: 0.5}
				for _, res := range el.Results {
					if res.Field == "uei" && res.Source != types.SourceNoMatch {
						ref.Method = string(res.Source)
						ref.Confidence = res.Confidence
					}
				}
				if err := enc.Encode(orgLine{Kind: "recipient", AwardID: a.AwardID, Ref: ref}); err != nil {
					return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode recipient")
				}
				rows++
				return nil
			})
			if err != nil {
				return nil, err
			}
			for _, org := range deduper.Organizations() {
				if err := enc.Encode(orgLine{Kind: "organization", Organization: org}); err != nil {
					return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode organization")
				}
				rows++
			}
			return &pipeline.MaterializeOutput{
				Rows:    rows,
				Metrics: map[string]float64{"distinct_organizations": float64(deduper.Len())},
			}, nil
		},
	}
}

// chainsAsset orders patent assignment histories and derives ownership.
func chainsAsset(deps *assetDeps) *pipeline.Asset {
	return &pipeline.Asset{
		Key:           assetChains,
		Inputs:        []string{assetRawAssignments},
		StorageFormat: "jsonl",
		Config:        map[string]any{"ordering": "record-date"},
		Checks: []pipeline.Check{
			pipeline.MaxMetric("chain_issues", 0, types.SeverityWarn),
		},
		Materialize: func(ctx context.Context, mc *pipeline.MaterializeContext) (*pipeline.MaterializeOutput, error) {
			now := time.Now().UTC()
			var assignments []*types.PatentAssignment
			var rowErrs int64
			err := eachRecord(ctx, mc.Store, mc.Upstream[assetRawAssignments], assignmentsSchema(), func(rec types.Record) error {
				a, err := assignmentFromRecord(rec, now)
				if err != nil {
					rowErrs++
					return nil
				}
				assignments = append(assignments, a)
				return nil
			})
			if err != nil {
				return nil, err
			}
			chains, issues := transform.BuildChains(assignments)
			for _, issue := range issues {
				deps.log.Warn("rejected corrupt assignment history",
					logging.String("patent", issue.Patent.String()),
					logging.Err(issue.Err))
			}
			enc := json.NewEncoder(mc.Writer)
			for _, chain := range chains {
				if err := enc.Encode(chain); err != nil {
					return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode chain")
				}
			}
			return &pipeline.MaterializeOutput{
				Rows:      int64(len(chains)),
				RowErrors: rowErrs,
				Metrics:   map[string]float64{"chain_issues": float64(len(issues))},
			}, nil
		},
	}
}

// profilesAsset aggregates the enriched award stream per organization.
func profilesAsset(deps *assetDeps) *pipeline.Asset {
	return &pipeline.Asset{
		Key:           assetProfiles,
		Inputs:        []string{assetEnrichedAwards, assetOrganizations, assetClassifiedAwards},
		StorageFormat: "jsonl",
		Config:        map[string]any{"grouping": "organization"},
		Materialize: func(ctx context.Context, mc *pipeline.MaterializeContext) (*pipeline.MaterializeOutput, error) {
			recipients := map[string]string{} // award id → org id
			err := eachLine(ctx, mc.Store, mc.Upstream[assetOrganizations], func(line []byte) error {
				var ol orgLine
				if err := json.Unmarshal(line, &ol); err != nil {
					return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed organization line")
				}
				if ol.Kind == "recipient" && ol.Ref != nil {
					recipients[ol.AwardID] = ol.Ref.OrganizationID
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			categories := map[string][]string{} // award id → labels
			err = eachLine(ctx, mc.Store, mc.Upstream[assetClassifiedAwards], func(line []byte) error {
				var c types.AwardCategories
				if err := json.Unmarshal(line, &c); err != nil {
					return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed categories line")
				}
				labels := []string{c.Primary.Label}
				for _, s := range c.Supporting {
					labels = append(labels, s.Label)
				}
				categories[c.AwardID] = labels
				return nil
			})
			if err != nil {
				return nil, err
			}

			agg := transform.NewAggregator()
			sectors := map[string]map[string]int{}
			err = eachLine(ctx, mc.Store, mc.Upstream[assetEnrichedAwards], func(line []byte) error {
				var el enrichedLine
				if err := json.Unmarshal(line, &el); err != nil {
					return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed enriched line")
				}
				orgID, ok := recipients[el.Award.AwardID]
				if !ok {
					return nil
				}
				agg.Observe(orgID, el.Award, categories[el.Award.AwardID])
				if el.Award.NAICS != "" {
					sector := transform.SectorForNAICS(el.Award.NAICS)
					if sectors[orgID] == nil {
						sectors[orgID] = map[string]int{}
					}
					sectors[orgID][sector]++
				}
				return nil
			})
			if err != nil {
				return nil, err
			}

			enc := json.NewEncoder(mc.Writer)
			profiles := agg.Profiles()
			for _, p := range profiles {
				if err := enc.Encode(profileLine{Profile: p, Sectors: sectors[p.OrganizationID]}); err != nil {
					return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode profile")
				}
			}
			return &pipeline.MaterializeOutput{Rows: int64(len(profiles))}, nil
		},
	}
}

// graphLoadAsset pushes every transformed entity into the graph and writes
// the load report as its artifact.
func graphLoadAsset(deps *assetDeps) *pipeline.Asset {
	cfg := deps.cfg
	return &pipeline.Asset{
		Key: assetGraph,
		Inputs: []string{
			assetEnrichedAwards, assetOrganizations, assetChains,
			assetProfiles, assetClassifiedAwards, assetRawContracts, assetRawTaxonomy,
		},
		StorageFormat: "json",
		Config: map[string]any{
			"schema_version": graph.SchemaVersion,
			"batch_size":     cfg.Graph.BatchSize,
			"tombstone":      cfg.Graph.TombstoneMissing,
		},
		Checks: []pipeline.Check{
			pipeline.MaxMetric("load_failures", 0, types.SeverityWarn),
		},
		Materialize: func(ctx context.Context, mc *pipeline.MaterializeContext) (*pipeline.MaterializeOutput, error) {
			in, err := collectGraphInputs(ctx, mc)
			if err != nil {
				return nil, err
			}

			exec, release, err := deps.dialGraph(ctx)
			if err != nil {
				return nil, err
			}
			defer release()

			sm := graph.NewSchemaManager(exec, deps.log)
			if err := sm.Bootstrap(ctx); err != nil {
				return nil, err
			}
			if err := sm.EnsureVersion(ctx); err != nil {
				return nil, err
			}

			nodes, rels := in.batches()
			loader := graph.NewLoader(exec, cfg.Graph, deps.log)
			rep, err := loader.Load(ctx, nodes, rels)
			if err != nil {
				return nil, err
			}

			enc := json.NewEncoder(mc.Writer)
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode load report")
			}
			return &pipeline.MaterializeOutput{
				Rows: int64(rep.NodesWritten + rep.RelsWritten),
				Metrics: map[string]float64{
					"nodes_written": float64(rep.NodesWritten),
					"rels_written":  float64(rep.RelsWritten),
					"load_failures": float64(len(rep.Failures)),
					"load_retries":  float64(rep.Retries),
				},
			}, nil
		},
	}
}

// graphInputs is everything the load asset reads from upstream artifacts.
type graphInputs struct {
	awards     []*types.Award
	recipients map[string]graph.OrgRef // award id → resolved recipient
	orgs       []*types.Organization
	contracts  []*types.FederalContract
	chains     []transform.Chain
	profiles   []*transform.CompanyProfile
	sectors    map[string]map[string]int
	areas      []types.CETArea
	cats       []types.AwardCategories
}

func collectGraphInputs(ctx context.Context, mc *pipeline.MaterializeContext) (*graphInputs, error) {
	in := &graphInputs{
		recipients: map[string]graph.OrgRef{},
		sectors:    map[string]map[string]int{},
	}

	err := eachLine(ctx, mc.Store, mc.Upstream[assetEnrichedAwards], func(line []byte) error {
		var el enrichedLine
		if err := json.Unmarshal(line, &el); err != nil {
			return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed enriched line")
		}
		in.awards = append(in.awards, el.Award)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachLine(ctx, mc.Store, mc.Upstream[assetOrganizations], func(line []byte) error {
		var ol orgLine
		if err := json.Unmarshal(line, &ol); err != nil {
			return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed organization line")
		}
		switch ol.Kind {
		case "organization":
			in.orgs = append(in.orgs, ol.Organization)
		case "recipient":
			if ol.Ref != nil {
				in.recipients[ol.AwardID] = *ol.Ref
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachRecord(ctx, mc.Store, mc.Upstream[assetRawContracts], contractsSchema(), func(rec types.Record) error {
		c, err := contractFromRecord(rec)
		if err != nil {
			return nil // malformed contract rows were already counted upstream
		}
		in.contracts = append(in.contracts, c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachLine(ctx, mc.Store, mc.Upstream[assetChains], func(line []byte) error {
		var c transform.Chain
		if err := json.Unmarshal(line, &c); err != nil {
			return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed chain line")
		}
		in.chains = append(in.chains, c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachLine(ctx, mc.Store, mc.Upstream[assetProfiles], func(line []byte) error {
		var pl profileLine
		if err := json.Unmarshal(line, &pl); err != nil {
			return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed profile line")
		}
		in.profiles = append(in.profiles, pl.Profile)
		if len(pl.Sectors) > 0 {
			in.sectors[pl.Profile.OrganizationID] = pl.Sectors
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachRecord(ctx, mc.Store, mc.Upstream[assetRawTaxonomy], taxonomySchema(), func(rec types.Record) error {
		in.areas = append(in.areas, types.CETArea{
			CETID:       rec.String("cet_id"),
			DisplayName: rec.String("display_name"),
			ParentID:    rec.String("parent_id"),
			Version:     rec.String("version"),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachLine(ctx, mc.Store, mc.Upstream[assetClassifiedAwards], func(line []byte) error {
		var c types.AwardCategories
		if err := json.Unmarshal(line, &c); err != nil {
			return errors.Wrap(err, errors.ErrCodeRowDecode, "malformed categories line")
		}
		in.cats = append(in.cats, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return in, nil
}

// batches shapes every collected entity into loader batches. Organization
// nodes lead so every relationship endpoint exists before edges merge.
func (in *graphInputs) batches() ([]graph.NodeBatch, []graph.RelBatch) {
	nodes := []graph.NodeBatch{graph.OrganizationBatch(in.orgs)}
	var rels []graph.RelBatch

	orgsByUEI := map[string]graph.OrgRef{}
	orgsByName := map[string]graph.OrgRef{}
	for _, o := range in.orgs {
		ref := graph.OrgRef{OrganizationID: o.OrganizationID, Method: "identifier_exact", Confidence: 0.9}
		if o.UEI != "" {
			orgsByUEI[o.UEI] = ref
		}
		nameRef := graph.OrgRef{OrganizationID: o.OrganizationID, Method: "name_exact", Confidence: 0.75}
		if norm := fuzzy.NormalizeName(o.Name); norm != "" {
			orgsByName[norm] = nameRef
		}
	}

	awardNodes, awardRels := graph.AwardBatches(in.awards, in.recipients)
	nodes = append(nodes, awardNodes...)
	rels = append(rels, awardRels...)

	contractRecipients := map[string]graph.OrgRef{}
	for _, c := range in.contracts {
		if ref, ok := orgsByUEI[c.RecipientUEI]; ok {
			contractRecipients[c.ContractID()] = ref
		} else if ref, ok := orgsByName[fuzzy.NormalizeName(c.RecipientName)]; ok {
			contractRecipients[c.ContractID()] = ref
		}
	}
	contractNodes, contractRels := graph.ContractBatches(in.contracts, contractRecipients)
	nodes = append(nodes, contractNodes...)
	rels = append(rels, contractRels...)

	parties := map[string]graph.OrgRef{}
	for _, chain := range in.chains {
		for _, a := range chain.Assignments {
			for _, name := range append(append([]string{}, a.Assignors...), a.Assignees...) {
				if _, seen := parties[name]; seen {
					continue
				}
				if ref, ok := orgsByName[fuzzy.NormalizeName(name)]; ok {
					parties[name] = ref
				}
			}
		}
		for _, name := range chain.CurrentAssignees {
			if _, seen := parties[name]; seen {
				continue
			}
			if ref, ok := orgsByName[fuzzy.NormalizeName(name)]; ok {
				parties[name] = ref
			}
		}
	}
	chainNodes, chainRels := graph.ChainBatches(in.chains, parties)
	nodes = append(nodes, chainNodes...)
	rels = append(rels, chainRels...)

	if origins := in.resolveOrigins(parties); len(origins) > 0 {
		rels = append(rels, graph.OriginBatch(origins))
	}

	cetIDByLabel := map[string]string{}
	for _, area := range in.areas {
		cetIDByLabel[area.DisplayName] = area.CETID
	}
	catNodes, catRels := graph.CategoryBatches(in.areas, in.cats, cetIDByLabel)
	nodes = append(nodes, catNodes...)
	rels = append(rels, catRels...)

	profileNodes, profileRels := graph.ProfileBatches(in.profiles, in.sectors)
	nodes = append(nodes, profileNodes...)
	rels = append(rels, profileRels...)

	return nodes, rels
}

// resolveOrigins links granted patents to the earliest award of the current
// assignee's organization. Name-based, so the edge carries a conservative
// confidence.
func (in *graphInputs) resolveOrigins(parties map[string]graph.OrgRef) []graph.PatentOrigin {
	earliestAward := map[string]*types.Award{} // org id → earliest award
	for _, a := range in.awards {
		ref, ok := in.recipients[a.AwardID]
		if !ok {
			continue
		}
		cur, seen := earliestAward[ref.OrganizationID]
		if !seen || (!a.AwardDate.IsZero() && a.AwardDate.Before(cur.AwardDate)) {
			earliestAward[ref.OrganizationID] = a
		}
	}

	var origins []graph.PatentOrigin
	for _, chain := range in.chains {
		if chain.Patent.Kind != types.KeyGrant {
			continue
		}
		for _, name := range chain.CurrentAssignees {
			ref, ok := parties[name]
			if !ok {
				continue
			}
			award, ok := earliestAward[ref.OrganizationID]
			if !ok {
				continue
			}
			origins = append(origins, graph.PatentOrigin{
				GrantDocNum: chain.Patent.String(),
				AwardID:     award.AwardID,
				Method:      "assignee_name",
				Confidence:  0.5,
			})
			break
		}
	}
	sort.Slice(origins, func(i, j int) bool { return origins[i].GrantDocNum < origins[j].GrantDocNum })
	return origins
}
