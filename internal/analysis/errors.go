package analysis

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientData means fewer records than the window requires.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrMalformedHistory flags ordering, duplicate, or value violations in a history.
	ErrMalformedHistory = errors.New("malformed history")
	// ErrUnavailable is returned when the upstream data source cannot serve a request.
	ErrUnavailable = errors.New("data source unavailable")
	// ErrConflict reports a store write collision.
	ErrConflict = errors.New("store write conflict")
	// ErrInvalidParameter reports a caller contract violation.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// Reason tags used in ingestion reports.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonMalformedHistory = "malformed_history"
	ReasonUnavailable      = "unavailable"
	ReasonConflict         = "conflict"
	ReasonInvalidParameter = "invalid_parameter"
	ReasonCancelled        = "cancelled"
	ReasonStoreError       = "store_error"
)

// Reason maps an error onto its report tag.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientData):
		return ReasonInsufficientData
	case errors.Is(err, ErrMalformedHistory):
		return ReasonMalformedHistory
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return ReasonUnavailable
	case errors.Is(err, ErrConflict):
		return ReasonConflict
	case errors.Is(err, ErrInvalidParameter):
		return ReasonInvalidParameter
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonStoreError
	}
}
