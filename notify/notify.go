// Package notify defines the progress notifications emitted while a job runs.
//
// Producers (the tunnel manager, the test runner and the engine) only build
// Notification values and hand them to a Sink. How a notification is rendered
// or persisted is up to the sink.
package notify

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which variant of Notification a value carries.
type Kind string

const (
	KindTunnelOpen    Kind = "tunnelOpen"
	KindTunnelOpened  Kind = "tunnelOpened"
	KindTunnelClose   Kind = "tunnelClose"
	KindTunnelEvent   Kind = "tunnelEvent"
	KindJobStarted    Kind = "jobStarted"
	KindJobCompleted  Kind = "jobCompleted"
	KindTestCompleted Kind = "testCompleted"

	// KindError is not a job lifecycle event. The engine emits it once when a
	// job fails with an error rather than a test result.
	KindError Kind = "error"
)

var lifecycleKinds = []Kind{
	KindTunnelOpen,
	KindTunnelOpened,
	KindTunnelClose,
	KindTunnelEvent,
	KindJobStarted,
	KindJobCompleted,
	KindTestCompleted,
}

// Known reports whether k is one of the kinds defined by this package.
func (k Kind) Known() bool {
	if k == KindError {
		return true
	}
	for _, known := range lifecycleKinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsError reports whether k is the error class rather than a lifecycle event.
func (k Kind) IsError() bool {
	return k == KindError
}

// IsTunnel reports whether k belongs to the tunnel lifecycle.
func (k Kind) IsTunnel() bool {
	switch k {
	case KindTunnelOpen, KindTunnelOpened, KindTunnelClose, KindTunnelEvent:
		return true
	}
	return false
}

// Method is the log level a tunnel event should be written at.
type Method string

const (
	MethodWriteln Method = "writeln"
	MethodOK      Method = "ok"
	MethodError   Method = "error"
	MethodDebug   Method = "debug"
)

// Notification is a tagged record. Only the fields belonging to Kind are set.
type Notification struct {
	Kind Kind

	// tunnelEvent
	Method  Method
	Text    string
	Verbose bool

	// jobStarted
	StartedJobs  int
	NumberOfJobs int

	// jobCompleted
	URL        string
	ResultsURL string
	Platform   string
	TunnelID   string

	// jobCompleted, testCompleted
	Passed bool

	// error
	Err error
}

func TunnelOpen() Notification {
	return Notification{Kind: KindTunnelOpen}
}

func TunnelOpened() Notification {
	return Notification{Kind: KindTunnelOpened}
}

func TunnelClose() Notification {
	return Notification{Kind: KindTunnelClose}
}

// TunnelEvent carries one line of tunnel process output.
func TunnelEvent(method Method, text string, verbose bool) Notification {
	return Notification{Kind: KindTunnelEvent, Method: method, Text: text, Verbose: verbose}
}

// JobStarted reports how many of the submitted browser jobs the grid accepted.
func JobStarted(startedJobs, numberOfJobs int) Notification {
	return Notification{Kind: KindJobStarted, StartedJobs: startedJobs, NumberOfJobs: numberOfJobs}
}

// JobResult holds the fields of a jobCompleted notification.
type JobResult struct {
	URL        string
	ResultsURL string
	Platform   string
	Passed     bool
	TunnelID   string
}

func JobCompleted(r JobResult) Notification {
	return Notification{
		Kind:       KindJobCompleted,
		URL:        r.URL,
		ResultsURL: r.ResultsURL,
		Platform:   r.Platform,
		Passed:     r.Passed,
		TunnelID:   r.TunnelID,
	}
}

func TestCompleted(passed bool) Notification {
	return Notification{Kind: KindTestCompleted, Passed: passed}
}

// Error wraps a job-level failure.
func Error(err error) Notification {
	return Notification{Kind: KindError, Err: err}
}

func (n Notification) String() string {
	switch n.Kind {
	case KindTunnelEvent:
		return fmt.Sprintf("%s[%s]: %s", n.Kind, n.Method, n.Text)
	case KindJobStarted:
		return fmt.Sprintf("%s: %d/%d", n.Kind, n.StartedJobs, n.NumberOfJobs)
	case KindJobCompleted:
		return fmt.Sprintf("%s: %s on %s passed=%t", n.Kind, n.URL, n.Platform, n.Passed)
	case KindTestCompleted:
		return fmt.Sprintf("%s: passed=%t", n.Kind, n.Passed)
	case KindError:
		return fmt.Sprintf("%s: %v", n.Kind, n.Err)
	default:
		return string(n.Kind)
	}
}

// MarshalJSON encodes only the fields that belong to the notification's kind.
func (n Notification) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": n.Kind}
	switch n.Kind {
	case KindTunnelEvent:
		out["method"] = n.Method
		out["text"] = n.Text
		out["verbose"] = n.Verbose
	case KindJobStarted:
		out["startedJobs"] = n.StartedJobs
		out["numberOfJobs"] = n.NumberOfJobs
	case KindJobCompleted:
		out["url"] = n.URL
		out["platform"] = n.Platform
		out["passed"] = n.Passed
		if n.ResultsURL != "" {
			out["resultsUrl"] = n.ResultsURL
		}
		if n.TunnelID != "" {
			out["tunnelId"] = n.TunnelID
		}
	case KindTestCompleted:
		out["passed"] = n.Passed
	case KindError:
		if n.Err != nil {
			out["error"] = n.Err.Error()
		}
	}
	return json.Marshal(out)
}
