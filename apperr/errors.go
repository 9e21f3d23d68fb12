package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies failures for status reporting.
type Kind string

const (
	KindNone              Kind = ""
	KindNetwork           Kind = "network"
	KindParse             Kind = "parse"
	KindUnknownSource     Kind = "unknown_source"
	KindPageCountMismatch Kind = "page_count_mismatch"
	KindStorage           Kind = "storage"
	KindCancelled         Kind = "cancelled"
	KindUnsupported       Kind = "unsupported"
	KindInternal          Kind = "internal"
)

// ErrUnsupported is returned when a source lacks the requested capability,
// e.g. a latest-updates listing.
var ErrUnsupported = errors.New("not supported by this source")

// NetworkError is returned when a remote request fails or yields an unusable response.
type NetworkError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Transient  bool
	Cause      error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Cause != nil:
		return fmt.Sprintf("network error: status=%d url=%s: %v", e.StatusCode, e.URL, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("network error: status=%d url=%s", e.StatusCode, e.URL)
	default:
		return fmt.Sprintf("network error: url=%s: %v", e.URL, e.Cause)
	}
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// NewStatusError builds a NetworkError from an HTTP status code.
// 5xx, 408 and 429 are considered transient.
func NewStatusError(url string, status int) *NetworkError {
	return &NetworkError{
		URL:        url,
		StatusCode: status,
		Transient:  status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests,
	}
}

// NewTransportError wraps a failure that happened before a response was read.
// Timeouts and connection level errors are transient, cancellation is not.
func NewTransportError(url string, cause error) *NetworkError {
	transient := true
	if errors.Is(cause, context.Canceled) {
		transient = false
	}
	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		transient = true
	}
	return &NetworkError{URL: url, Transient: transient, Cause: cause}
}

// ParseError is returned when a document does not have the shape a source expects.
type ParseError struct {
	Source string
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("parse error [%s]: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("parse error [%s] %s: %s", e.Source, e.URL, e.Reason)
}

// UnknownSourceError is returned for a source id that is not registered.
type UnknownSourceError struct {
	ID int
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown source id %d", e.ID)
}

// PageCountMismatchError is returned when the persisted page count does not match the page list.
type PageCountMismatchError struct {
	Expected int
	Actual   int
}

func (e *PageCountMismatchError) Error() string {
	return fmt.Sprintf("page count mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// StorageError wraps a local file system failure.
type StorageError struct {
	Op    string
	Path  string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// KindOf classifies err, looking through wrapped errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}

	var (
		netErr      *NetworkError
		parseErr    *ParseError
		unknownErr  *UnknownSourceError
		mismatchErr *PageCountMismatchError
		storageErr  *StorageError
	)

	switch {
	case errors.As(err, &storageErr):
		return KindStorage
	case errors.As(err, &mismatchErr):
		return KindPageCountMismatch
	case errors.As(err, &unknownErr):
		return KindUnknownSource
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &netErr):
		if errors.Is(err, context.Canceled) {
			return KindCancelled
		}
		return KindNetwork
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	default:
		return KindInternal
	}
}

// IsTransient reports whether err is a NetworkError worth retrying.
func IsTransient(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Transient
	}
	return false
}
