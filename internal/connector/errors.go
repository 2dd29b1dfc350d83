package connector

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a fetch failure for the retry policy.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "NETWORK"
	KindTimeout    ErrorKind = "TIMEOUT"
	KindRateLimit  ErrorKind = "RATE_LIMIT"
	KindServer5xx  ErrorKind = "SERVER_5XX"
	KindBadRequest ErrorKind = "BAD_REQUEST"
	KindAuth       ErrorKind = "AUTH"
	KindParse      ErrorKind = "PARSE"
	KindEmpty      ErrorKind = "EMPTY"
)

// Retryable reports whether the policy layer may retry this kind.
// AUTH and PARSE are fatal for the run; BAD_REQUEST and EMPTY are not
// worth repeating either.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindRateLimit, KindServer5xx:
		return true
	}
	return false
}

// FetchError is the typed failure every adapter surfaces. RetryAfter
// is populated from a Retry-After header when the source provided one.
type FetchError struct {
	Kind         ErrorKind
	SourceStatus int
	Message      string
	RetryAfter   time.Duration
	Err          error
}

func (e *FetchError) Error() string {
	if e.SourceStatus != 0 {
		return fmt.Sprintf("fetch failed (%s, status %d): %s", e.Kind, e.SourceStatus, e.Message)
	}
	return fmt.Sprintf("fetch failed (%s): %s", e.Kind, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable is a convenience forward to the kind's classification.
func (e *FetchError) Retryable() bool { return e.Kind.Retryable() }

// NewFetchError wraps err with a classification.
func NewFetchError(kind ErrorKind, message string, err error) *FetchError {
	return &FetchError{Kind: kind, Message: message, Err: err}
}

// AsFetchError extracts a *FetchError from an error chain. Unclassified
// errors are treated as NETWORK so transient transport wrappers stay
// retryable.
func AsFetchError(err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{Kind: KindNetwork, Message: err.Error(), Err: err}
}

// ClassifyStatus maps an HTTP status code to an error kind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimit
	case status == 401 || status == 403:
		return KindAuth
	case status >= 500:
		return KindServer5xx
	case status >= 400:
		return KindBadRequest
	default:
		return KindNetwork
	}
}
