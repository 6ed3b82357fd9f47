// Package errors provides structured error handling for Quarry.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Transient errors (retryable)
//   - 3XX: Permanent errors (never retried)
//   - 4XX: Corruption errors (fatal)
//   - 5XX: Soft parse errors (logged, degraded, never propagated)
package errors

// Category classifies an error for scheduling and propagation decisions.
type Category string

const (
	// CategoryConfig indicates missing or invalid configuration.
	// Detected at startup; the process exits non-zero.
	CategoryConfig Category = "CONFIG"
	// CategoryTransient indicates a failure that may succeed on retry
	// (network timeout, 5xx, 429, subprocess timeout, LLM timeout).
	CategoryTransient Category = "TRANSIENT"
	// CategoryPermanent indicates a failure that will not succeed on retry
	// (4xx other than 429, missing transcript, rejected content type).
	CategoryPermanent Category = "PERMANENT"
	// CategoryCorruption indicates inconsistent on-disk state.
	// Fatal; recovery requires operator intervention.
	CategoryCorruption Category = "CORRUPTION"
	// CategorySoftParse indicates an LLM response that failed validation.
	// Logged and degraded to empty output, never propagated.
	CategorySoftParse Category = "SOFT_PARSE"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but the process can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Transient errors (200-299)
	ErrCodeNetworkTimeout    = "ERR_201_NETWORK_TIMEOUT"
	ErrCodeServerError       = "ERR_202_SERVER_ERROR"
	ErrCodeRateLimited       = "ERR_203_RATE_LIMITED"
	ErrCodeSubprocessTimeout = "ERR_204_SUBPROCESS_TIMEOUT"
	ErrCodeLLMTimeout        = "ERR_205_LLM_TIMEOUT"
	ErrCodeEmbedFailed       = "ERR_206_EMBED_FAILED"

	// Permanent errors (300-399)
	ErrCodeHTTPClientError  = "ERR_301_HTTP_CLIENT_ERROR"
	ErrCodeNotFound         = "ERR_302_NOT_FOUND"
	ErrCodeNoTranscript     = "ERR_303_NO_TRANSCRIPT"
	ErrCodeContentRejected  = "ERR_304_CONTENT_REJECTED"
	ErrCodeRepoNotFound     = "ERR_305_REPO_NOT_FOUND"
	ErrCodeInvalidURL       = "ERR_306_INVALID_URL"
	ErrCodeRetriesExhausted = "ERR_307_RETRIES_EXHAUSTED"

	// Corruption errors (400-499)
	ErrCodeIndexCorrupt      = "ERR_401_INDEX_CORRUPT"
	ErrCodeCatalogCorrupt    = "ERR_402_CATALOG_CORRUPT"
	ErrCodeDimensionMismatch = "ERR_403_DIMENSION_MISMATCH"

	// Soft parse errors (500-599)
	ErrCodeLLMParse = "ERR_501_LLM_PARSE"
)

// categoryFromCode derives the category from the numeric range of a code.
func categoryFromCode(code string) Category {
	if len(code) < 5 {
		return CategoryPermanent
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryTransient
	case '3':
		return CategoryPermanent
	case '4':
		return CategoryCorruption
	case '5':
		return CategorySoftParse
	default:
		return CategoryPermanent
	}
}

// severityFromCode derives severity from the category.
func severityFromCode(code string) Severity {
	switch categoryFromCode(code) {
	case CategoryConfig, CategoryCorruption:
		return SeverityFatal
	case CategorySoftParse:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// isRetryableCode reports whether a code belongs to the transient range.
func isRetryableCode(code string) bool {
	return categoryFromCode(code) == CategoryTransient
}
