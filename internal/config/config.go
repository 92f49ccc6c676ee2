// Package config defines all configuration structures for the pipeline.
// No I/O or parsing logic lives here — only plain data types and validation.
package config

import (
	"fmt"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sub-configuration structs
// ─────────────────────────────────────────────────────────────────────────────

// StorageConfig selects and parameterises the artifact store.
type StorageConfig struct {
	// Backend is "local" or "minio".
	Backend string `mapstructure:"backend"`
	// Root is the artifact root: a directory for local, a key prefix for
	// minio.
	Root string `mapstructure:"root"`

	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// CatalogConfig holds PostgreSQL parameters for the run/artifact catalog.
type CatalogConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	DBName        string        `mapstructure:"db_name"`
	SSLMode       string        `mapstructure:"ssl_mode"`
	MaxConns      int           `mapstructure:"max_conns"`
	ConnLifetime  time.Duration `mapstructure:"conn_lifetime"`
	MigrationPath string        `mapstructure:"migration_path"`
}

// GraphConfig holds Neo4j connection parameters for the graph loader.
type GraphConfig struct {
	URI              string        `mapstructure:"uri"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	Database         string        `mapstructure:"database"`
	MaxPoolSize      int           `mapstructure:"max_pool_size"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	BatchSize        int           `mapstructure:"batch_size"`
	LoaderWorkers    int           `mapstructure:"loader_workers"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	TombstoneMissing bool          `mapstructure:"tombstone_missing"`
}

// KafkaConfig holds the optional materialization event bus parameters.
// Leaving Brokers empty disables event publishing.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	TopicPrefix  string        `mapstructure:"topic_prefix"`
	MaxRetries   int           `mapstructure:"max_retries"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// RedisConfig holds the optional enrichment API response cache parameters.
// Leaving Addr empty disables the cache.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// ExtractConfig holds record extraction tunables.
type ExtractConfig struct {
	// ChunkSize is the per-source record batch size.
	ChunkSize int `mapstructure:"chunk_size"`
	// ErrorTolerance is the maximum fraction of row decode failures before
	// the asset fails.
	ErrorTolerance float64 `mapstructure:"error_tolerance"`
	MaxRetries     int     `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

// APISourceConfig parameterises one external registry client used by the
// API-lookup enrichment strategy.
type APISourceConfig struct {
	BaseURL          string        `mapstructure:"base_url"`
	APIKey           string        `mapstructure:"api_key"`
	RequestsPerSec   float64       `mapstructure:"requests_per_sec"`
	Burst            int           `mapstructure:"burst"`
	BatchSize        int           `mapstructure:"batch_size"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	BreakerFailures  int           `mapstructure:"breaker_failures"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// EnrichConfig holds enrichment engine tunables.
type EnrichConfig struct {
	Workers        int     `mapstructure:"workers"`
	StopThreshold  float64 `mapstructure:"stop_threshold"`
	FuzzyHigh      float64 `mapstructure:"fuzzy_high"`
	FuzzyMedium    float64 `mapstructure:"fuzzy_medium"`
	ZipPrefixLen   int     `mapstructure:"zip_prefix_len"`
	Registry       APISourceConfig `mapstructure:"registry"`
	// MinMatchRate is the blocking gate threshold on the per-field match
	// rate.
	MinMatchRate float64 `mapstructure:"min_match_rate"`
	// MaxFallbackRate is the warning gate threshold on the fraction of
	// records resolved by last-resort strategies.
	MaxFallbackRate float64 `mapstructure:"max_fallback_rate"`
}

// RuntimeConfig holds asset runtime tunables.
type RuntimeConfig struct {
	Parallelism     int           `mapstructure:"parallelism"`
	ChunkTimeout    time.Duration `mapstructure:"chunk_timeout"`
	AssetTimeout    time.Duration `mapstructure:"asset_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	CodeVersion     string        `mapstructure:"code_version"`
	MemWarnMB       int           `mapstructure:"mem_warn_mb"`
	MemCriticalMB   int           `mapstructure:"mem_critical_mb"`
	MemSampleEvery  time.Duration `mapstructure:"mem_sample_every"`
	ChunkDownstep   float64       `mapstructure:"chunk_downstep"`
}

// ClassifyConfig points at the text categorization model artifact.
type ClassifyConfig struct {
	ArtifactPath string `mapstructure:"artifact_path"`
	TopK         int    `mapstructure:"top_k"`
	BatchSize    int    `mapstructure:"batch_size"`
}

// SourcesConfig names the input locations resolved at extraction time.
type SourcesConfig struct {
	AwardsPath      string `mapstructure:"awards_path"`
	RegistryPath    string `mapstructure:"registry_path"`
	ContractsPath   string `mapstructure:"contracts_path"`
	AssignmentsPath string `mapstructure:"assignments_path"`
	TaxonomyPath    string `mapstructure:"taxonomy_path"`
	FiscalPath      string `mapstructure:"fiscal_path"`
}

// LogConfig holds structured-logging parameters.
type LogConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Root Config
// ─────────────────────────────────────────────────────────────────────────────

// Config is the root configuration structure. It is immutable per run; a
// snapshot is taken at orchestrator start and passed explicitly to every
// component.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Extract  ExtractConfig  `mapstructure:"extract"`
	Enrich   EnrichConfig   `mapstructure:"enrich"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Classify ClassifyConfig `mapstructure:"classify"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Log      LogConfig      `mapstructure:"log"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

// Validate performs semantic validation of the fully-populated Config. It
// returns the first error encountered; callers must treat any error as fatal
// and refuse to start (exit code 3).
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local", "minio":
	default:
		return fmt.Errorf("config: storage.backend %q is invalid; expected local|minio", c.Storage.Backend)
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("config: storage.root is required")
	}
	if c.Storage.Backend == "minio" {
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("config: storage.endpoint is required for the minio backend")
		}
		if c.Storage.Bucket == "" {
			return fmt.Errorf("config: storage.bucket is required for the minio backend")
		}
	}

	if c.Catalog.Enabled {
		if c.Catalog.Host == "" {
			return fmt.Errorf("config: catalog.host is required when the catalog is enabled")
		}
		if c.Catalog.Port < 1 || c.Catalog.Port > 65535 {
			return fmt.Errorf("config: catalog.port %d is out of range [1, 65535]", c.Catalog.Port)
		}
		if c.Catalog.DBName == "" {
			return fmt.Errorf("config: catalog.db_name is required when the catalog is enabled")
		}
	}

	if c.Graph.URI == "" {
		return fmt.Errorf("config: graph.uri is required")
	}
	if c.Graph.BatchSize < 1 {
		return fmt.Errorf("config: graph.batch_size must be >= 1, got %d", c.Graph.BatchSize)
	}
	if c.Graph.LoaderWorkers < 1 {
		return fmt.Errorf("config: graph.loader_workers must be >= 1, got %d", c.Graph.LoaderWorkers)
	}

	if c.Extract.ChunkSize < 1 {
		return fmt.Errorf("config: extract.chunk_size must be >= 1, got %d", c.Extract.ChunkSize)
	}
	if c.Extract.ErrorTolerance < 0 || c.Extract.ErrorTolerance > 1 {
		return fmt.Errorf("config: extract.error_tolerance %v is out of range [0, 1]", c.Extract.ErrorTolerance)
	}

	if c.Enrich.Workers < 1 {
		return fmt.Errorf("config: enrich.workers must be >= 1, got %d", c.Enrich.Workers)
	}
	if c.Enrich.StopThreshold <= 0 || c.Enrich.StopThreshold > 1 {
		return fmt.Errorf("config: enrich.stop_threshold %v is out of range (0, 1]", c.Enrich.StopThreshold)
	}
	if c.Enrich.FuzzyHigh < c.Enrich.FuzzyMedium {
		return fmt.Errorf("config: enrich.fuzzy_high %v must be >= enrich.fuzzy_medium %v",
			c.Enrich.FuzzyHigh, c.Enrich.FuzzyMedium)
	}

	if c.Runtime.Parallelism < 1 {
		return fmt.Errorf("config: runtime.parallelism must be >= 1, got %d", c.Runtime.Parallelism)
	}
	if c.Runtime.ChunkDownstep <= 0 || c.Runtime.ChunkDownstep >= 1 {
		return fmt.Errorf("config: runtime.chunk_downstep %v is out of range (0, 1)", c.Runtime.ChunkDownstep)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format %q is invalid; expected json|console", c.Log.Format)
	}

	return nil
}
