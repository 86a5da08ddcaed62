package domain

import "fmt"

// FetchErrorKind classifies fetch failures.
type FetchErrorKind int

const (
	// FetchTransient marks a failure worth retrying (timeout, 5xx, reset).
	FetchTransient FetchErrorKind = iota
	// FetchExhausted marks a transient failure that outlived the retry budget.
	FetchExhausted
	// FetchClientRejected marks a permanent failure (4xx, malformed URL).
	FetchClientRejected
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchTransient:
		return "transient"
	case FetchExhausted:
		return "exhausted"
	case FetchClientRejected:
		return "client_rejected"
	default:
		return "unknown"
	}
}

// FetchError reports a failed retrieval. For Exhausted, Cause holds the last
// attempt's error.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Cause      error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// DecodeErrorKind classifies image decoding failures.
type DecodeErrorKind int

const (
	// DecodeUnsupportedFormat marks bytes that are not a supported container.
	DecodeUnsupportedFormat DecodeErrorKind = iota
	// DecodeCorrupt marks a recognized container with undecodable contents.
	DecodeCorrupt
)

func (k DecodeErrorKind) String() string {
	if k == DecodeUnsupportedFormat {
		return "unsupported_format"
	}
	return "corrupt"
}

// DecodeError reports that raw bytes could not be decoded as an image.
type DecodeError struct {
	Kind  DecodeErrorKind
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %s: %v", e.Kind, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// StoreErrorKind classifies persistence failures.
type StoreErrorKind int

const (
	StoreConstraintViolation StoreErrorKind = iota
	StoreConnectionLost
)

func (k StoreErrorKind) String() string {
	if k == StoreConstraintViolation {
		return "constraint_violation"
	}
	return "connection_lost"
}

// StoreError reports a failed persist. Non-retryable at the pipeline layer;
// the candidate fails and may be re-ingested later.
type StoreError struct {
	Kind  StoreErrorKind
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store record: %s: %v", e.Kind, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }
