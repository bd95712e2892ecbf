package saucelabs

import (
	"errors"
	"fmt"
)

var ErrMalformedResponse = errors.New("malformed response")

// RejectedError is returned when the grid refuses a request with a 4xx status.
// Rejections are not retried.
type RejectedError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("sauce labs rejected %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// InfrastructureError covers an unreachable grid, 5xx responses that
// persisted through every retry, and responses that could not be decoded.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("sauce labs %s failed: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// IsRejected reports whether err wraps a RejectedError.
func IsRejected(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// IsInfrastructure reports whether err wraps an InfrastructureError.
func IsInfrastructure(err error) bool {
	var infra *InfrastructureError
	return errors.As(err, &infra)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}
