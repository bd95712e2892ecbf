package sauce

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum-optimism/infra/op-sauce/exitcodes"
)

// RuntimeError is an operational error such as a bad job file or missing
// credentials. It exits with code 2.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func (e *RuntimeError) ExitCode() int {
	return exitcodes.RuntimeErr
}

func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError means jobs ran to completion and at least one failed.
// It exits with code 1.
type TestFailureError struct {
	Failed []string
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %d job(s) failed: %s", len(e.Failed), strings.Join(e.Failed, ", "))
}

func (e *TestFailureError) ExitCode() int {
	return exitcodes.TestFailure
}

func NewTestFailureError(failed []string) *TestFailureError {
	return &TestFailureError{Failed: failed}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}

// ExitCode maps an application error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return exitcodes.Success
	case IsRuntimeError(err):
		return exitcodes.RuntimeErr
	default:
		return exitcodes.TestFailure
	}
}
