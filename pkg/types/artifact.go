package types

import (
	"time"
)

// RunMode selects full or incremental materialization.
type RunMode string

const (
	ModeFull        RunMode = "full"
	ModeIncremental RunMode = "incremental"
)

// Valid reports whether m is a recognised run mode.
func (m RunMode) Valid() bool {
	return m == ModeFull || m == ModeIncremental
}

// AssetStatus is the terminal state of one asset within a run.
type AssetStatus string

const (
	StatusMaterialized AssetStatus = "materialized"
	StatusObserved     AssetStatus = "observed" // incremental skip, fingerprint unchanged
	StatusFailed       AssetStatus = "failed"
	StatusUpstreamFailed AssetStatus = "upstream_failed"
	StatusUpstreamGate   AssetStatus = "upstream_quality_gate_failed"
	StatusSkipped        AssetStatus = "skipped" // not selected
	StatusCancelled      AssetStatus = "cancelled"
)

// Artifact is a materialized asset on storage: identity is
// (asset, partition, fingerprint). The fingerprint is a deterministic
// function of the upstream fingerprints, the code version, and the asset's
// configuration slice.
type Artifact struct {
	Asset        string    `json:"asset"`
	Partition    string    `json:"partition,omitempty"`
	Fingerprint  string    `json:"fingerprint"`
	Path         string    `json:"path"`
	SidecarPath  string    `json:"sidecar_path"`
	Rows         int64     `json:"rows"`
	Bytes        int64     `json:"bytes"`
	SchemaDigest string    `json:"schema_digest,omitempty"`
	ProducedAt   time.Time `json:"produced_at"`
	Upstream     []string  `json:"upstream,omitempty"` // upstream artifact fingerprints, sorted
}

// CheckSeverity is the disposition of a quality check.
type CheckSeverity string

const (
	SeverityError CheckSeverity = "ERROR"
	SeverityWarn  CheckSeverity = "WARN"
)

// CheckResult is the outcome of one quality check against a sealed artifact.
type CheckResult struct {
	Asset       string        `json:"asset"`
	Check       string        `json:"check"`
	Severity    CheckSeverity `json:"severity"`
	Passed      bool          `json:"passed"`
	Value       float64       `json:"value"`
	Threshold   float64       `json:"threshold"`
	Description string        `json:"description,omitempty"`
}

// Blocking reports whether a failed check blocks downstream assets.
func (c CheckResult) Blocking() bool {
	return !c.Passed && c.Severity == SeverityError
}

// Materialization is the sidecar metadata emitted for every successful
// materialization.
type Materialization struct {
	Artifact        Artifact      `json:"artifact"`
	DurationMS      int64         `json:"duration_ms"`
	PeakMemDeltaMB  float64       `json:"peak_mem_delta_mb"`
	Checks          []CheckResult `json:"checks,omitempty"`
	RowErrors       int64         `json:"row_errors"`
	Retries         int           `json:"retries"`
}

// AssetResult is the runtime's record of one asset's outcome within a run.
type AssetResult struct {
	Asset   string           `json:"asset"`
	Status  AssetStatus      `json:"status"`
	Error   string           `json:"error,omitempty"`
	Meta    *Materialization `json:"meta,omitempty"`
	Started time.Time        `json:"started,omitempty"`
	Ended   time.Time        `json:"ended,omitempty"`
}

// Run is one orchestrator invocation. Identity is a ULID so run ids sort by
// start time.
type Run struct {
	RunID     string        `json:"run_id"`
	Mode      RunMode       `json:"mode"`
	Selection []string      `json:"selection,omitempty"`
	Started   time.Time     `json:"started"`
	Ended     time.Time     `json:"ended,omitempty"`
	Results   []AssetResult `json:"results,omitempty"`
}

// Succeeded reports whether every selected asset materialized or was
// observed.
func (r *Run) Succeeded() bool {
	for _, res := range r.Results {
		switch res.Status {
		case StatusMaterialized, StatusObserved, StatusSkipped:
		default:
			return false
		}
	}
	return true
}
