package runner

import (
	"errors"
	"fmt"
	"time"
)

var ErrStatusChecksExhausted = errors.New("status check attempts exhausted")

// TestReadyTimeoutError means no browser picked a job up in time. It fails
// that platform only.
type TestReadyTimeoutError struct {
	Platform string
	URL      string
	Timeout  time.Duration
}

func (e *TestReadyTimeoutError) Error() string {
	return fmt.Sprintf("test %s on %s did not start within %s", e.URL, e.Platform, e.Timeout)
}
