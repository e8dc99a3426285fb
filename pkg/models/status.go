package models

import "strconv"

// StatusCode is the numeric job status reported by the history endpoint.
type StatusCode int

const (
	StatusSuccess        StatusCode = 10
	StatusProcessing     StatusCode = 20
	StatusFailed         StatusCode = 30
	StatusPostProcessing StatusCode = 42
	StatusFinalizing     StatusCode = 45
	StatusCompleted      StatusCode = 50
)

func (s StatusCode) IsFailure() bool {
	return s == StatusFailed
}

// IsCompletion reports whether the backend considers the job done. Items may
// still be arriving when this is first observed.
func (s StatusCode) IsCompletion() bool {
	return s == StatusSuccess || s == StatusCompleted
}

func (s StatusCode) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusProcessing:
		return "PROCESSING"
	case StatusFailed:
		return "FAILED"
	case StatusPostProcessing:
		return "POST_PROCESSING"
	case StatusFinalizing:
		return "FINALIZING"
	case StatusCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}
