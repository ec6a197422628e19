package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the structured error type used across lexsearch.
type Error struct {
	Code       string
	Message    string
	Category   Category
	Severity   Severity
	Details    map[string]string
	Cause      error
	Retryable  bool
	Suggestion string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so errors.Is works against the sentinels below.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail attaches a key/value pair and returns the receiver.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion sets an actionable hint for the operator.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// New creates an Error. Category, severity and retryability derive from the code.
func New(code, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap converts err into an Error with the given code. Returns nil for nil.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is comparisons.
var (
	ErrIndexUnavailable   = New(ErrCodeIndexUnavailable, "index not built", nil)
	ErrEmbeddingTimeout   = New(ErrCodeEmbeddingTimeout, "embedding timed out", nil)
	ErrRerankerTimeout    = New(ErrCodeRerankerTimeout, "reranker timed out", nil)
	ErrMalformedQuery     = New(ErrCodeMalformedQuery, "query is empty after normalization", nil)
	ErrFacetBuildConflict = New(ErrCodeFacetBuildConflict, "facet build already running", nil)
	ErrBuildInProgress    = New(ErrCodeBuildInProgress, "index build already running", nil)
	ErrTotalSignalLoss    = New(ErrCodeTotalSignalLoss, "no retrieval signal available", nil)
)

// IndexUnavailable reports that the named index has no built generation.
func IndexUnavailable(index string) *Error {
	return New(ErrCodeIndexUnavailable, index+" index not built", nil).
		WithDetail("index", index).
		WithSuggestion("run 'lexsearch build' to build the index")
}

// EmbeddingTimeout wraps a deadline hit while embedding the query.
func EmbeddingTimeout(cause error) *Error {
	return New(ErrCodeEmbeddingTimeout, "embedding timed out", cause)
}

// RerankerTimeout wraps a deadline hit while reranking.
func RerankerTimeout(cause error) *Error {
	return New(ErrCodeRerankerTimeout, "reranker timed out", cause)
}

// FacetBuildConflict rejects a facet build while another holds the lock.
func FacetBuildConflict(facetType string) *Error {
	return New(ErrCodeFacetBuildConflict, "facet build already running for "+facetType, nil).
		WithDetail("facet_type", facetType).
		WithSuggestion("retry after the running build finishes")
}

// TotalSignalLoss is returned when neither retrieval signal produced results.
func TotalSignalLoss(vectorErr, lexicalErr error) *Error {
	return New(ErrCodeTotalSignalLoss, "no retrieval signal available", stderrors.Join(vectorErr, lexicalErr)).
		WithSuggestion("check index status with 'lexsearch status'")
}

// ConfigError creates a configuration error.
func ConfigError(message string, cause error) *Error {
	return New(ErrCodeConfigInvalid, message, cause)
}

// StoreError creates a storage query error.
func StoreError(message string, cause error) *Error {
	return New(ErrCodeStoreQuery, message, cause)
}

// IsRetryable reports whether err (or anything it wraps) is a retryable Error.
func IsRetryable(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsDegraded reports whether err only degrades the request.
func IsDegraded(err error) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Severity == SeverityDegraded
	}
	return false
}

// GetCode returns the code of the first Error in the chain, or "".
func GetCode(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}
