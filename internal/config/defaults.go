package config

import "time"

// Default value constants. Where a default mirrors a number in the published
// pipeline contract (chunk size, stop threshold, batch sizes) the constant is
// the single source of truth.
const (
	DefaultStorageBackend = "local"
	DefaultStorageRoot    = "./data"

	DefaultCatalogPort     = 5432
	DefaultCatalogSSLMode  = "disable"
	DefaultCatalogMaxConns = 10

	DefaultGraphDatabase      = "neo4j"
	DefaultGraphBatchSize     = 1000
	DefaultGraphLoaderWorkers = 4
	DefaultGraphMaxRetries    = 5

	DefaultChunkSize      = 10000
	DefaultErrorTolerance = 0.05

	DefaultEnrichWorkers   = 8
	DefaultStopThreshold   = 0.80
	DefaultFuzzyHigh       = 0.80
	DefaultFuzzyMedium     = 0.70
	DefaultZipPrefixLen    = 3
	DefaultAPIBatchSize    = 100
	DefaultAPIRPS          = 5.0
	DefaultAPITimeout      = 30 * time.Second
	DefaultBreakerFailures = 10
	DefaultBreakerCooldown = 60 * time.Second
	DefaultMinMatchRate    = 0.70
	DefaultMaxFallbackRate = 0.25

	DefaultParallelism   = 4
	DefaultChunkTimeout  = 300 * time.Second
	DefaultAssetTimeout  = 30 * time.Minute
	DefaultChunkDownstep = 0.5

	DefaultClassifyTopK      = 3
	DefaultClassifyBatchSize = 64

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// ApplyDefaults fills zero-value fields in cfg with the pipeline defaults.
// It must be called after unmarshalling and before Validate so that
// optional-but-defaulted fields are never seen as missing. Fields already
// set by the caller are left unchanged so explicit configuration always
// wins.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	// ── Storage ───────────────────────────────────────────────────────────
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = DefaultStorageBackend
	}
	if cfg.Storage.Root == "" {
		cfg.Storage.Root = DefaultStorageRoot
	}

	// ── Catalog ───────────────────────────────────────────────────────────
	if cfg.Catalog.Port == 0 {
		cfg.Catalog.Port = DefaultCatalogPort
	}
	if cfg.Catalog.SSLMode == "" {
		cfg.Catalog.SSLMode = DefaultCatalogSSLMode
	}
	if cfg.Catalog.MaxConns == 0 {
		cfg.Catalog.MaxConns = DefaultCatalogMaxConns
	}
	if cfg.Catalog.MigrationPath == "" {
		cfg.Catalog.MigrationPath = "file://migrations"
	}

	// ── Graph ─────────────────────────────────────────────────────────────
	if cfg.Graph.Database == "" {
		cfg.Graph.Database = DefaultGraphDatabase
	}
	if cfg.Graph.BatchSize == 0 {
		cfg.Graph.BatchSize = DefaultGraphBatchSize
	}
	if cfg.Graph.LoaderWorkers == 0 {
		cfg.Graph.LoaderWorkers = DefaultGraphLoaderWorkers
	}
	if cfg.Graph.MaxRetries == 0 {
		cfg.Graph.MaxRetries = DefaultGraphMaxRetries
	}
	if cfg.Graph.RetryBackoff == 0 {
		cfg.Graph.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.Graph.ConnectTimeout == 0 {
		cfg.Graph.ConnectTimeout = 10 * time.Second
	}

	// ── Kafka ─────────────────────────────────────────────────────────────
	if cfg.Kafka.TopicPrefix == "" {
		cfg.Kafka.TopicPrefix = "sbir.pipeline"
	}
	if cfg.Kafka.MaxRetries == 0 {
		cfg.Kafka.MaxRetries = 3
	}
	if cfg.Kafka.WriteTimeout == 0 {
		cfg.Kafka.WriteTimeout = 10 * time.Second
	}

	// ── Redis ─────────────────────────────────────────────────────────────
	if cfg.Redis.TTL == 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "sbir:enrich:"
	}

	// ── Extract ───────────────────────────────────────────────────────────
	if cfg.Extract.ChunkSize == 0 {
		cfg.Extract.ChunkSize = DefaultChunkSize
	}
	if cfg.Extract.ErrorTolerance == 0 {
		cfg.Extract.ErrorTolerance = DefaultErrorTolerance
	}
	if cfg.Extract.MaxRetries == 0 {
		cfg.Extract.MaxRetries = 3
	}
	if cfg.Extract.RetryBackoff == 0 {
		cfg.Extract.RetryBackoff = time.Second
	}

	// ── Enrich ────────────────────────────────────────────────────────────
	if cfg.Enrich.Workers == 0 {
		cfg.Enrich.Workers = DefaultEnrichWorkers
	}
	if cfg.Enrich.StopThreshold == 0 {
		cfg.Enrich.StopThreshold = DefaultStopThreshold
	}
	if cfg.Enrich.FuzzyHigh == 0 {
		cfg.Enrich.FuzzyHigh = DefaultFuzzyHigh
	}
	if cfg.Enrich.FuzzyMedium == 0 {
		cfg.Enrich.FuzzyMedium = DefaultFuzzyMedium
	}
	if cfg.Enrich.ZipPrefixLen == 0 {
		cfg.Enrich.ZipPrefixLen = DefaultZipPrefixLen
	}
	if cfg.Enrich.MinMatchRate == 0 {
		cfg.Enrich.MinMatchRate = DefaultMinMatchRate
	}
	if cfg.Enrich.MaxFallbackRate == 0 {
		cfg.Enrich.MaxFallbackRate = DefaultMaxFallbackRate
	}
	applyAPIDefaults(&cfg.Enrich.Registry)

	// ── Runtime ───────────────────────────────────────────────────────────
	if cfg.Runtime.Parallelism == 0 {
		cfg.Runtime.Parallelism = DefaultParallelism
	}
	if cfg.Runtime.ChunkTimeout == 0 {
		cfg.Runtime.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.Runtime.AssetTimeout == 0 {
		cfg.Runtime.AssetTimeout = DefaultAssetTimeout
	}
	if cfg.Runtime.MaxRetries == 0 {
		cfg.Runtime.MaxRetries = 2
	}
	if cfg.Runtime.RetryBackoff == 0 {
		cfg.Runtime.RetryBackoff = 2 * time.Second
	}
	if cfg.Runtime.CodeVersion == "" {
		cfg.Runtime.CodeVersion = "dev"
	}
	if cfg.Runtime.MemWarnMB == 0 {
		cfg.Runtime.MemWarnMB = 2048
	}
	if cfg.Runtime.MemCriticalMB == 0 {
		cfg.Runtime.MemCriticalMB = 4096
	}
	if cfg.Runtime.MemSampleEvery == 0 {
		cfg.Runtime.MemSampleEvery = 5 * time.Second
	}
	if cfg.Runtime.ChunkDownstep == 0 {
		cfg.Runtime.ChunkDownstep = DefaultChunkDownstep
	}

	// ── Classify ──────────────────────────────────────────────────────────
	if cfg.Classify.TopK == 0 {
		cfg.Classify.TopK = DefaultClassifyTopK
	}
	if cfg.Classify.BatchSize == 0 {
		cfg.Classify.BatchSize = DefaultClassifyBatchSize
	}

	// ── Log ───────────────────────────────────────────────────────────────
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

func applyAPIDefaults(api *APISourceConfig) {
	if api.RequestsPerSec == 0 {
		api.RequestsPerSec = DefaultAPIRPS
	}
	if api.Burst == 0 {
		api.Burst = int(api.RequestsPerSec)
		if api.Burst < 1 {
			api.Burst = 1
		}
	}
	if api.BatchSize == 0 {
		api.BatchSize = DefaultAPIBatchSize
	}
	if api.Timeout == 0 {
		api.Timeout = DefaultAPITimeout
	}
	if api.MaxRetries == 0 {
		api.MaxRetries = 3
	}
	if api.InitialBackoff == 0 {
		api.InitialBackoff = time.Second
	}
	if api.BreakerFailures == 0 {
		api.BreakerFailures = DefaultBreakerFailures
	}
	if api.BreakerCooldown == 0 {
		api.BreakerCooldown = DefaultBreakerCooldown
	}
}
