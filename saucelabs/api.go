package saucelabs

import (
	"encoding/json"
	"maps"
)

// JobNotReady is the job_id the grid reports before a browser picked the job up.
const JobNotReady = "job not ready"

// StatusTestError is reported in a result's status when the page never
// produced a result.
const StatusTestError = "test error"

// JSTestRequest starts one or more JS unit test jobs.
type JSTestRequest struct {
	Platforms        [][]string
	URL              string
	Framework        string
	Name             string
	Build            string
	Tags             []string
	TunnelIdentifier string

	// Extra is merged over the known fields, matching how job level sauce
	// configuration overrides the generated request.
	Extra map[string]any
}

func (r JSTestRequest) MarshalJSON() ([]byte, error) {
	body := map[string]any{
		"platforms": r.Platforms,
		"url":       r.URL,
		"framework": r.Framework,
	}
	if r.Name != "" {
		body["name"] = r.Name
	}
	if r.Build != "" {
		body["build"] = r.Build
	}
	if len(r.Tags) > 0 {
		body["tags"] = r.Tags
	}
	if r.TunnelIdentifier != "" {
		body["tunnel-identifier"] = r.TunnelIdentifier
	}
	maps.Copy(body, r.Extra)
	return json.Marshal(body)
}

type startResponse struct {
	JSTests []string `json:"js tests"`
}

type statusRequest struct {
	JSTests []string `json:"js tests"`
}

// JSTestStatus is the grid's view of a set of submitted jobs.
type JSTestStatus struct {
	Completed bool           `json:"completed"`
	JSTests   []JSTestResult `json:"js tests"`
}

// Find returns the entry for the given test id.
func (s *JSTestStatus) Find(id string) (JSTestResult, bool) {
	for _, r := range s.JSTests {
		if r.ID == id {
			return r, true
		}
	}
	return JSTestResult{}, false
}

// JSTestResult is one submitted job as reported by the status endpoint.
type JSTestResult struct {
	ID       string          `json:"id"`
	JobID    string          `json:"job_id"`
	URL      string          `json:"url"`
	Platform []string        `json:"platform"`
	Result   json.RawMessage `json:"result"`
	Status   string          `json:"status,omitempty"`
}

// Started reports whether a browser has picked the job up.
func (r JSTestResult) Started() bool {
	return r.JobID != "" && r.JobID != JobNotReady
}

// HasResult reports whether the page produced a result object.
func (r JSTestResult) HasResult() bool {
	return len(r.Result) > 0 && string(r.Result) != "null"
}

// JobUpdate changes the metadata of a finished job.
type JobUpdate struct {
	Passed *bool    `json:"passed,omitempty"`
	Name   string   `json:"name,omitempty"`
	Build  string   `json:"build,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}
