package isr

import "errors"

var (
	// ErrInvalidConfiguration reports auditor settings outside their allowed range.
	ErrInvalidConfiguration = errors.New("invalid audit configuration")
	// ErrInvalidArgument reports a blank context or proposed decision.
	ErrInvalidArgument = errors.New("invalid audit argument")
	// ErrTimeout reports that a probe or the whole audit ran out of time. It is
	// distinct from a BLOCK decision.
	ErrTimeout = errors.New("audit timed out")
)
