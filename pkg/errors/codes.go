package errors

import "strings"

// ErrorCode is a string representation of a specific failure condition.
type ErrorCode string

func (c ErrorCode) String() string {
	return string(c)
}

// Common error codes.
const (
	ErrCodeInternal       ErrorCode = "COMMON_001"
	ErrCodeInvalidParam   ErrorCode = "COMMON_002"
	ErrCodeNotFound       ErrorCode = "COMMON_003"
	ErrCodeConflict       ErrorCode = "COMMON_004"
	ErrCodeTimeout        ErrorCode = "COMMON_005"
	ErrCodeSerialization  ErrorCode = "COMMON_006"
	ErrCodeNotImplemented ErrorCode = "COMMON_007"
	ErrCodeUnavailable    ErrorCode = "COMMON_008"

	CodeOK      = ErrorCode("OK")
	CodeUnknown = ErrorCode("UNKNOWN")
)

// Configuration error codes. All are fatal at startup (exit code 3).
const (
	ErrCodeConfigInvalid    ErrorCode = "CFG_001"
	ErrCodeConfigMissing    ErrorCode = "CFG_002"
	ErrCodeConfigUnknownKey ErrorCode = "CFG_003"
)

// Source / extraction error codes.
const (
	ErrCodeSourceUnavailable ErrorCode = "SRC_001"
	ErrCodeSchemaMismatch    ErrorCode = "SRC_002"
	ErrCodeRowDecode         ErrorCode = "SRC_003"
	ErrCodeRowErrorRate      ErrorCode = "SRC_004" // row decode failures exceeded tolerance
	ErrCodeSourceFormat      ErrorCode = "SRC_005" // unrecognised file format / magic bytes
)

// Validation error codes.
const (
	ErrCodeValidation     ErrorCode = "VAL_001"
	ErrCodeRuleConfig     ErrorCode = "VAL_002"
	ErrCodeUniquenessRule ErrorCode = "VAL_003"
)

// Enrichment error codes.
const (
	ErrCodeEnrichmentMiss    ErrorCode = "ENR_001"
	ErrCodeExternalTransient ErrorCode = "ENR_002"
	ErrCodeExternalPermanent ErrorCode = "ENR_003"
	ErrCodeCircuitOpen       ErrorCode = "ENR_004"
	ErrCodeRateLimited       ErrorCode = "ENR_005"
	ErrCodeIndexBuild        ErrorCode = "ENR_006"
)

// Graph loader error codes.
const (
	ErrCodeLoaderConflict   ErrorCode = "LDR_001"
	ErrCodeLoaderConstraint ErrorCode = "LDR_002"
	ErrCodeLoaderFatal      ErrorCode = "LDR_003"
	ErrCodeSchemaVersion    ErrorCode = "LDR_004" // graph schema marker does not match code version
)

// Asset runtime error codes.
const (
	ErrCodeGateBlocking   ErrorCode = "RUN_001"
	ErrCodeUpstreamFailed ErrorCode = "RUN_002"
	ErrCodeUpstreamGate   ErrorCode = "RUN_003"
	ErrCodeCancelled      ErrorCode = "RUN_004"
	ErrCodeAssetTimeout   ErrorCode = "RUN_005"
	ErrCodeArtifactSealed ErrorCode = "RUN_006" // attempt to write through a sealed artifact
	ErrCodeFingerprint    ErrorCode = "RUN_007"
	ErrCodeAssetNotFound  ErrorCode = "RUN_008"
	ErrCodeAssetCycle     ErrorCode = "RUN_009"
	ErrCodeMemoryPressure ErrorCode = "RUN_010"
	ErrCodeCatalogError   ErrorCode = "RUN_011" // run/artifact catalog (postgres) failure
	ErrCodeEventPublish   ErrorCode = "RUN_012"
	ErrCodeStorage        ErrorCode = "RUN_013" // object store / filesystem failure
)

// Classifier error codes.
const (
	ErrCodeModelArtifact  ErrorCode = "CLS_001"
	ErrCodeClassifyFailed ErrorCode = "CLS_002"
)

// ErrorCodeExitStatus maps failure categories to the process exit code
// contract: 0 success, 1 asset failure, 2 blocking quality gate,
// 3 configuration error, 4 infrastructure unreachable.
var ErrorCodeExitStatus = map[ErrorCode]int{
	ErrCodeConfigInvalid:    3,
	ErrCodeConfigMissing:    3,
	ErrCodeConfigUnknownKey: 3,

	ErrCodeGateBlocking: 2,
	ErrCodeUpstreamGate: 2,

	ErrCodeUnavailable:   4,
	ErrCodeSchemaVersion: 4,
	ErrCodeCatalogError:  4,
}

// ExitStatusForCode returns the process exit code for an ErrorCode.
// Unmapped failure codes report as a generic asset failure (1).
func ExitStatusForCode(code ErrorCode) int {
	if code == CodeOK {
		return 0
	}
	if status, ok := ErrorCodeExitStatus[code]; ok {
		return status
	}
	return 1
}

// ErrorCodeMessage maps ErrorCodes to default messages.
var ErrorCodeMessage = map[ErrorCode]string{
	ErrCodeInternal:       "internal error",
	ErrCodeInvalidParam:   "invalid parameter",
	ErrCodeNotFound:       "resource not found",
	ErrCodeConflict:       "resource conflict",
	ErrCodeTimeout:        "operation timed out",
	ErrCodeSerialization:  "serialization failed",
	ErrCodeNotImplemented: "not implemented",
	ErrCodeUnavailable:    "infrastructure unreachable",

	ErrCodeConfigInvalid:    "invalid configuration",
	ErrCodeConfigMissing:    "missing required configuration",
	ErrCodeConfigUnknownKey: "unknown configuration key",

	ErrCodeSourceUnavailable: "source unavailable",
	ErrCodeSchemaMismatch:    "source schema mismatch",
	ErrCodeRowDecode:         "row decode error",
	ErrCodeRowErrorRate:      "row decode error rate exceeded tolerance",
	ErrCodeSourceFormat:      "unrecognised source format",

	ErrCodeValidation:     "validation failed",
	ErrCodeRuleConfig:     "invalid validation rule configuration",
	ErrCodeUniquenessRule: "uniqueness rule violated",

	ErrCodeEnrichmentMiss:    "no enrichment strategy produced a value",
	ErrCodeExternalTransient: "transient external service failure",
	ErrCodeExternalPermanent: "permanent external service failure",
	ErrCodeCircuitOpen:       "circuit breaker open",
	ErrCodeRateLimited:       "rate limited by external service",
	ErrCodeIndexBuild:        "lookup index build failed",

	ErrCodeLoaderConflict:   "graph write contention",
	ErrCodeLoaderConstraint: "graph constraint violation",
	ErrCodeLoaderFatal:      "graph batch load failed",
	ErrCodeSchemaVersion:    "graph schema version mismatch, migration required",

	ErrCodeGateBlocking:   "blocking quality gate failed",
	ErrCodeUpstreamFailed: "upstream asset failed",
	ErrCodeUpstreamGate:   "upstream quality gate failed",
	ErrCodeCancelled:      "run cancelled",
	ErrCodeAssetTimeout:   "asset wall-clock timeout exceeded",
	ErrCodeArtifactSealed: "artifact already sealed",
	ErrCodeFingerprint:    "fingerprint computation failed",
	ErrCodeAssetNotFound:  "asset not registered",
	ErrCodeAssetCycle:     "asset dependency cycle",
	ErrCodeMemoryPressure: "memory pressure critical",
	ErrCodeCatalogError:   "run catalog error",
	ErrCodeEventPublish:   "event publish failed",
	ErrCodeStorage:        "object storage error",

	ErrCodeModelArtifact:  "model artifact load failed",
	ErrCodeClassifyFailed: "classification failed",
}

// DefaultMessageForCode returns the default message for an ErrorCode.
func DefaultMessageForCode(code ErrorCode) string {
	if msg, ok := ErrorCodeMessage[code]; ok {
		return msg
	}
	return "unknown error"
}

// IsTransient reports whether the code denotes a failure that is expected to
// succeed on retry (network blips, write contention, 5xx responses).
func IsTransient(code ErrorCode) bool {
	switch code {
	case ErrCodeExternalTransient, ErrCodeLoaderConflict, ErrCodeTimeout, ErrCodeRateLimited:
		return true
	}
	return false
}

// ModuleForCode returns the module prefix of an ErrorCode.
func ModuleForCode(code ErrorCode) string {
	parts := strings.Split(string(code), "_")
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "UNKNOWN"
}
