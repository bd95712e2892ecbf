// Package saucelabstest provides an in-process fake of the Sauce Labs JS unit
// test API for tests.
package saucelabstest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
)

const (
	Username  = "sauce-user"
	AccessKey = "sauce-key"
)

// Outcome scripts how the fake grid treats one submission.
type Outcome struct {
	// Reject answers the submission with 400.
	Reject bool
	// NeverStart keeps the job in "job not ready" forever.
	NeverStart bool
	// PollsUntilStart is the number of status polls answered with
	// "job not ready" before the job starts.
	PollsUntilStart int
	// PollsUntilDone is the number of polls after the start before the
	// job reports completed.
	PollsUntilDone int
	// Result is the framework result reported on completion.
	Result any
	// Status is the optional status string reported on completion.
	Status string
}

// Planner decides the outcome for a submission of url on platform.
type Planner func(url string, platform []string) Outcome

// Job is a submission the fake grid accepted.
type Job struct {
	Account  string
	ID       string
	JobID    string
	URL      string
	Platform []string
	Request  map[string]any
	Outcome  Outcome
	Polls    int
	Updates  []map[string]any
}

type Server struct {
	*httptest.Server

	mu          sync.Mutex
	accounts    map[string]string
	plan        Planner
	nextID      int
	jobs        map[string]*Job
	order       []string
	submissions []map[string]any
	statusFail  int
	malformed   bool
}

// NewServer starts a fake grid. A nil plan makes every job pass on the first poll.
func NewServer(plan Planner) *Server {
	if plan == nil {
		plan = func(string, []string) Outcome {
			return Outcome{Result: map[string]any{"failed": 0, "passed": 1, "total": 1}}
		}
	}
	s := &Server{
		accounts: map[string]string{Username: AccessKey},
		plan:     plan,
		jobs:     make(map[string]*Job),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/rest/v1/{user}").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/js-tests", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/js-tests/status", s.handleStatus).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleUpdate).Methods(http.MethodPut)

	s.Server = httptest.NewServer(r)
	return s
}

// BaseURL is the REST root to configure a client with.
func (s *Server) BaseURL() string {
	return s.URL + "/rest/v1"
}

// AddAccount lets user authenticate with key alongside the default account.
func (s *Server) AddAccount(user, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[user] = key
}

// FailStatus makes the next n status requests answer 500.
func (s *Server) FailStatus(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFail = n
}

// Malformed makes every status response undecodable.
func (s *Server) Malformed(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed = on
}

// Jobs returns snapshots of the accepted jobs in submission order.
func (s *Server) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.jobs[id])
	}
	return out
}

// Submissions returns every decoded start request, accepted or not.
func (s *Server) Submissions() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.submissions))
	copy(out, s.submissions)
	return out
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, key, ok := r.BasicAuth()
		s.mu.Lock()
		want, known := s.accounts[user]
		s.mu.Unlock()
		if !ok || !known || key != want || mux.Vars(r)["user"] != user {
			http.Error(w, `{"message":"Not authorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	url, _ := body["url"].(string)
	platforms := decodePlatforms(body["platforms"])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = append(s.submissions, body)

	var ids []string
	for _, p := range platforms {
		outcome := s.plan(url, p)
		if outcome.Reject {
			http.Error(w, `{"message":"invalid platform"}`, http.StatusBadRequest)
			return
		}
		s.nextID++
		id := "js-" + strconv.Itoa(s.nextID)
		s.jobs[id] = &Job{
			Account:  mux.Vars(r)["user"],
			ID:       id,
			JobID:    "job-" + strconv.Itoa(s.nextID),
			URL:      url,
			Platform: p,
			Request:  body,
			Outcome:  outcome,
		}
		s.order = append(s.order, id)
		ids = append(ids, id)
	}
	writeJSON(w, map[string]any{"js tests": ids})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JSTests []string `json:"js tests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusFail > 0 {
		s.statusFail--
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if s.malformed {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"completed": "maybe"`))
		return
	}

	completed := true
	var results []map[string]any
	for _, id := range body.JSTests {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		job.Polls++
		entry := map[string]any{
			"id":       job.ID,
			"url":      job.URL,
			"platform": job.Platform,
			"job_id":   job.JobID,
			"result":   nil,
		}
		switch {
		case job.Outcome.NeverStart || job.Polls <= job.Outcome.PollsUntilStart:
			entry["job_id"] = "job not ready"
			completed = false
		case job.Polls <= job.Outcome.PollsUntilStart+job.Outcome.PollsUntilDone:
			completed = false
		default:
			entry["result"] = job.Outcome.Result
			if job.Outcome.Status != "" {
				entry["status"] = job.Outcome.Status
			}
		}
		results = append(results, entry)
	}
	writeJSON(w, map[string]any{"completed": completed, "js tests": results})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobID := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.JobID == jobID {
			job.Updates = append(job.Updates, body)
			writeJSON(w, map[string]any{"id": jobID})
			return
		}
	}
	http.Error(w, `{"message":"job not found"}`, http.StatusNotFound)
}

func decodePlatforms(v any) [][]string {
	list, _ := v.([]any)
	out := make([][]string, 0, len(list))
	for _, item := range list {
		parts, _ := item.([]any)
		p := make([]string, 0, len(parts))
		for _, part := range parts {
			str, _ := part.(string)
			p = append(p, str)
		}
		out = append(out, p)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
