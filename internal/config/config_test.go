package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const baseYAML = `
storage:
  backend: local
  root: /tmp/sbir-data
graph:
  uri: bolt://localhost:7687
  user: neo4j
enrich:
  stop_threshold: 0.8
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "sbir.yaml", baseYAML)
	cfg, err := Load(path, "")
	require.NoError(t, err)

	require.Equal(t, DefaultChunkSize, cfg.Extract.ChunkSize)
	require.Equal(t, DefaultErrorTolerance, cfg.Extract.ErrorTolerance)
	require.Equal(t, DefaultGraphBatchSize, cfg.Graph.BatchSize)
	require.Equal(t, DefaultStopThreshold, cfg.Enrich.StopThreshold)
	require.Equal(t, DefaultAPIBatchSize, cfg.Enrich.Registry.BatchSize)
	require.Equal(t, DefaultBreakerCooldown, cfg.Enrich.Registry.BreakerCooldown)
	require.Equal(t, DefaultLogLevel, cfg.Log.Level)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "sbir.yaml", baseYAML+"\nunknown_section:\n  foo: 1\n")
	_, err := Load(path, "")
	require.Error(t, err)
}

func TestLoadEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "sbir.yaml")
	require.NoError(t, os.WriteFile(base, []byte(baseYAML), 0o644))
	overlay := filepath.Join(dir, "sbir.prod.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte("extract:\n  chunk_size: 2500\n"), 0o644))

	cfg, err := Load(base, "prod")
	require.NoError(t, err)
	require.Equal(t, 2500, cfg.Extract.ChunkSize)
	// Base values survive the merge.
	require.Equal(t, "bolt://localhost:7687", cfg.Graph.URI)
}

func TestLoadEnvVarOverride(t *testing.T) {
	t.Setenv("SBIR_GRAPH_URI", "bolt://graph.internal:7687")
	path := writeConfig(t, "sbir.yaml", baseYAML)
	cfg, err := Load(path, "")
	require.NoError(t, err)
	require.Equal(t, "bolt://graph.internal:7687", cfg.Graph.URI)
}

func TestValidateRejections(t *testing.T) {
	mk := func(mutate func(*Config)) *Config {
		cfg := &Config{}
		cfg.Storage.Backend = "local"
		cfg.Storage.Root = "/tmp"
		cfg.Graph.URI = "bolt://localhost:7687"
		ApplyDefaults(cfg)
		mutate(cfg)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad backend", func(c *Config) { c.Storage.Backend = "ftp" }},
		{"missing graph uri", func(c *Config) { c.Graph.URI = "" }},
		{"zero chunk size", func(c *Config) { c.Extract.ChunkSize = -1 }},
		{"tolerance out of range", func(c *Config) { c.Extract.ErrorTolerance = 1.5 }},
		{"stop threshold out of range", func(c *Config) { c.Enrich.StopThreshold = 1.2 }},
		{"fuzzy inversion", func(c *Config) { c.Enrich.FuzzyHigh = 0.6; c.Enrich.FuzzyMedium = 0.7 }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"downstep out of range", func(c *Config) { c.Runtime.ChunkDownstep = 1.0 }},
		{"minio missing bucket", func(c *Config) {
			c.Storage.Backend = "minio"
			c.Storage.Endpoint = "localhost:9000"
			c.Storage.Bucket = ""
		}},
	}
	for _, c := range cases {
		cfg := mk(c.mutate)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}

	require.NoError(t, mk(func(*Config) {}).Validate())
}
