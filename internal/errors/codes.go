// Package errors provides coded errors for lexsearch.
//
// Codes follow ERR_XXX_DESCRIPTION where the hundreds digit is the category:
//   - 1XX: configuration
//   - 2XX: storage and index files
//   - 3XX: model backends (embedder, reranker)
//   - 4XX: query validation
//   - 5XX: retrieval and build pipeline
package errors

// Category classifies an error for logging and HTTP mapping.
type Category string

const (
	CategoryConfig     Category = "CONFIG"
	CategoryStorage    Category = "STORAGE"
	CategoryBackend    Category = "BACKEND"
	CategoryValidation Category = "VALIDATION"
	CategoryRetrieval  Category = "RETRIEVAL"
)

// Severity tells the caller what to do with an error.
type Severity string

const (
	// SeverityFatal aborts the operation.
	SeverityFatal Severity = "FATAL"
	// SeverityError fails the operation.
	SeverityError Severity = "ERROR"
	// SeverityDegraded means the request continues without one signal or stage.
	SeverityDegraded Severity = "DEGRADED"
)

const (
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	ErrCodeStoreOpen      = "ERR_201_STORE_OPEN"
	ErrCodeStoreQuery     = "ERR_202_STORE_QUERY"
	ErrCodeCorruptIndex   = "ERR_203_CORRUPT_INDEX"
	ErrCodeGenerationLoad = "ERR_204_GENERATION_LOAD"

	ErrCodeEmbeddingFailed    = "ERR_301_EMBEDDING_FAILED"
	ErrCodeBackendUnavailable = "ERR_302_BACKEND_UNAVAILABLE"
	ErrCodeRerankerFailed     = "ERR_303_RERANKER_FAILED"
	ErrCodeEmbeddingTimeout   = "ERR_304_EMBEDDING_TIMEOUT"
	ErrCodeRerankerTimeout    = "ERR_305_RERANKER_TIMEOUT"
	ErrCodeDimensionMismatch  = "ERR_306_DIMENSION_MISMATCH"

	ErrCodeMalformedQuery = "ERR_401_MALFORMED_QUERY"
	ErrCodeInvalidInput   = "ERR_402_INVALID_INPUT"

	ErrCodeIndexUnavailable   = "ERR_501_INDEX_UNAVAILABLE"
	ErrCodeSearchFailed       = "ERR_502_SEARCH_FAILED"
	ErrCodeBuildFailed        = "ERR_503_BUILD_FAILED"
	ErrCodeBuildInProgress    = "ERR_504_BUILD_IN_PROGRESS"
	ErrCodeFacetBuildConflict = "ERR_505_FACET_BUILD_CONFLICT"
	ErrCodeTotalSignalLoss    = "ERR_506_TOTAL_SIGNAL_LOSS"
)

func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryRetrieval
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryBackend
	case '4':
		return CategoryValidation
	default:
		return CategoryRetrieval
	}
}

func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex, ErrCodeStoreOpen:
		return SeverityFatal
	case ErrCodeIndexUnavailable, ErrCodeEmbeddingTimeout, ErrCodeRerankerTimeout,
		ErrCodeRerankerFailed, ErrCodeBackendUnavailable, ErrCodeMalformedQuery:
		return SeverityDegraded
	}
	return SeverityError
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEmbeddingTimeout, ErrCodeBackendUnavailable, ErrCodeEmbeddingFailed,
		ErrCodeFacetBuildConflict, ErrCodeBuildInProgress:
		return true
	}
	return false
}
