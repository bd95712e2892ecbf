package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-sauce/metrics"
	"github.com/ethereum-optimism/infra/op-sauce/notify"
	"github.com/ethereum-optimism/infra/op-sauce/saucelabs"
	"github.com/ethereum-optimism/infra/op-sauce/types"
)

// GridClient is the part of the Sauce Labs API the runner drives.
type GridClient interface {
	StartJSTests(ctx context.Context, req saucelabs.JSTestRequest) ([]string, error)
	JSTestStatus(ctx context.Context, ids []string) (*saucelabs.JSTestStatus, error)
	UpdateJob(ctx context.Context, jobID string, upd saucelabs.JobUpdate) error
	ResultsURL(jobID string) string
}

var _ GridClient = (*saucelabs.Client)(nil)

// CompletionHook can replace the verdict derived from a finished job.
type CompletionHook func(ctx context.Context, framework types.Framework, res saucelabs.JSTestResult, passed bool) (bool, error)

// TestRunner drives one job's browser tests on the grid to completion.
type TestRunner interface {
	// RunTests returns the AND of every platform's result. An error means
	// the grid could not be used at all, not that tests failed.
	RunTests(ctx context.Context, cfg types.JobConfig, framework types.Framework, sink notify.Sink) (bool, error)
}

type Config struct {
	Client         GridClient
	Log            log.Logger
	Metrics        metrics.Metricer
	OnTestComplete CompletionHook
	// SkipJobUpdate stops verdicts being written back to grid jobs.
	SkipJobUpdate bool
}

type runner struct {
	client         GridClient
	log            log.Logger
	metrics        metrics.Metricer
	onTestComplete CompletionHook
	skipJobUpdate  bool
	tracer         trace.Tracer
}

func NewTestRunner(cfg Config) (TestRunner, error) {
	if cfg.Client == nil {
		return nil, errors.New("grid client is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoopMetrics
	}
	return &runner{
		client:         cfg.Client,
		log:            cfg.Log.New("component", "runner"),
		metrics:        cfg.Metrics,
		onTestComplete: cfg.OnTestComplete,
		skipJobUpdate:  cfg.SkipJobUpdate,
		tracer:         otel.Tracer("op-sauce/runner"),
	}, nil
}

// browserJob is one (url, platform) submission and its outcome.
type browserJob struct {
	url      string
	platform types.Platform

	id       string
	rejected error
	result   saucelabs.JSTestResult
	passed   bool
	err      error
}

func (j *browserJob) resultURL() string {
	if j.result.URL != "" {
		return j.result.URL
	}
	return j.url
}

// testRun is the state of one RunTests call.
type testRun struct {
	jobs []*browserJob
}

func newTestRun(cfg types.JobConfig) *testRun {
	run := &testRun{}
	for _, url := range cfg.URLs {
		for _, p := range cfg.Platforms() {
			run.jobs = append(run.jobs, &browserJob{url: url, platform: p})
		}
	}
	return run
}

func (t *testRun) passed() bool {
	for _, j := range t.jobs {
		if !j.passed {
			return false
		}
	}
	return true
}

func (r *runner) RunTests(ctx context.Context, cfg types.JobConfig, framework types.Framework, sink notify.Sink) (bool, error) {
	if sink == nil {
		sink = notify.Discard
	}
	if !framework.IsValid() {
		return false, fmt.Errorf("unknown framework %q", framework)
	}
	if err := cfg.Validate(); err != nil {
		return false, fmt.Errorf("invalid job config: %w", err)
	}

	ctx, span := r.tracer.Start(ctx, "run tests", trace.WithAttributes(
		attribute.String("framework", string(framework)),
		attribute.Int("jobs", cfg.NumberOfJobs()),
		attribute.Bool("tunneled", cfg.Tunneled),
	))
	defer span.End()

	l := r.log.New("framework", framework)
	if cfg.Tunneled {
		l = l.New("tunnel", cfg.Identifier)
	}

	run := newTestRun(cfg)
	started := 0
	for _, j := range run.jobs {
		id, err := r.submit(ctx, cfg, framework, j)
		switch {
		case err == nil:
			j.id = id
			started++
		case saucelabs.IsRejected(err):
			l.Warn("Grid rejected test", "url", j.url, "platform", j.platform, "err", err)
			j.rejected = err
		default:
			span.RecordError(err)
			return false, err
		}
	}
	l.Info("Tests submitted", "started", started, "total", len(run.jobs))
	sink.Notify(notify.JobStarted(started, len(run.jobs)))

	p := pool.New().WithErrors().WithFirstError().WithContext(ctx).WithCancelOnError()
	for _, j := range run.jobs {
		p.Go(func(ctx context.Context) error {
			return r.await(ctx, cfg, framework, j, sink, l)
		})
	}
	if err := p.Wait(); err != nil {
		span.RecordError(err)
		return false, err
	}

	passed := run.passed()
	span.SetAttributes(attribute.Bool("passed", passed))
	l.Info("Tests completed", "passed", passed)
	sink.Notify(notify.TestCompleted(passed))
	return passed, nil
}

// await polls one submission until it resolves, retrying failed platforms,
// and reports it. Only infrastructure errors are returned.
func (r *runner) await(ctx context.Context, cfg types.JobConfig, framework types.Framework, j *browserJob, sink notify.Sink, l log.Logger) error {
	l = l.New("url", j.url, "platform", j.platform)
	if j.rejected != nil {
		j.err = j.rejected
	} else {
		for attempt := 0; ; attempt++ {
			res, err := r.poll(ctx, cfg, j)
			j.result = res
			switch {
			case err == nil:
				j.passed = r.verdict(ctx, cfg, framework, res, l)
				j.err = nil
			case isPlatformFailure(err):
				l.Warn("Test did not complete", "err", err)
				j.passed = false
				j.err = err
			default:
				return err
			}
			if j.passed || attempt >= cfg.MaxRetries {
				break
			}

			l.Info("Retrying failed test", "attempt", attempt+2, "max_attempts", cfg.MaxRetries+1)
			id, err := r.submit(ctx, cfg, framework, j)
			if err != nil {
				if !saucelabs.IsRejected(err) {
					return err
				}
				l.Warn("Grid rejected retry", "err", err)
				j.err = err
				break
			}
			j.id = id
		}
	}

	tunnelID := ""
	if cfg.Tunneled {
		tunnelID = cfg.Identifier
	}
	r.metrics.RecordPlatform(string(framework), j.passed)
	sink.Notify(notify.JobCompleted(notify.JobResult{
		URL:        j.resultURL(),
		ResultsURL: r.client.ResultsURL(j.result.JobID),
		Platform:   j.platform.String(),
		Passed:     j.passed,
		TunnelID:   tunnelID,
	}))
	return nil
}

func (r *runner) submit(ctx context.Context, cfg types.JobConfig, framework types.Framework, j *browserJob) (string, error) {
	req := saucelabs.JSTestRequest{
		Platforms: [][]string{j.platform.Triple()},
		URL:       j.url,
		Framework: string(framework),
		Name:      cfg.TestName,
		Build:     cfg.Build,
		Tags:      cfg.Tags,
		Extra:     cfg.SauceConfig,
	}
	if cfg.Tunneled {
		req.TunnelIdentifier = cfg.Identifier
	}
	ids, err := r.client.StartJSTests(ctx, req)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", &saucelabs.RejectedError{Op: "start", StatusCode: http.StatusOK, Body: "no tests were started"}
	}
	return ids[0], nil
}

// poll checks the job every TestInterval until the grid reports it completed.
func (r *runner) poll(ctx context.Context, cfg types.JobConfig, j *browserJob) (saucelabs.JSTestResult, error) {
	accepted := time.Now()
	var last saucelabs.JSTestResult
	for attempt := 1; ; attempt++ {
		status, err := r.client.JSTestStatus(ctx, []string{j.id})
		if err != nil {
			return last, err
		}
		res, ok := status.Find(j.id)
		if !ok {
			return last, &saucelabs.InfrastructureError{
				Op:  "status",
				Err: fmt.Errorf("%w: test %s missing from status", saucelabs.ErrMalformedResponse, j.id),
			}
		}
		last = res
		if status.Completed {
			return res, nil
		}
		if !res.Started() && time.Since(accepted) > cfg.TestReadyTimeout {
			return res, &TestReadyTimeoutError{Platform: j.platform.String(), URL: j.url, Timeout: cfg.TestReadyTimeout}
		}
		if cfg.StatusCheckAttempts > 0 && attempt >= cfg.StatusCheckAttempts {
			return res, fmt.Errorf("%w after %d polls", ErrStatusChecksExhausted, attempt)
		}
		if err := sleepContext(ctx, cfg.TestInterval); err != nil {
			return res, err
		}
	}
}

func (r *runner) verdict(ctx context.Context, cfg types.JobConfig, framework types.Framework, res saucelabs.JSTestResult, l log.Logger) bool {
	passed := Passed(framework, res)
	if r.onTestComplete != nil {
		override, err := r.onTestComplete(ctx, framework, res, passed)
		if err != nil {
			l.Warn("Test completion hook failed", "err", err)
			passed = false
		} else {
			passed = override
		}
	}

	if !r.skipJobUpdate && res.Started() {
		upd := saucelabs.JobUpdate{Passed: &passed, Name: cfg.TestName, Build: cfg.Build, Tags: cfg.Tags}
		if err := r.client.UpdateJob(ctx, res.JobID, upd); err != nil {
			l.Warn("Failed to update job status", "job", res.JobID, "err", err)
			r.metrics.RecordErrorDetails("job_update", err)
		}
	}
	return passed
}

func isPlatformFailure(err error) bool {
	var timeout *TestReadyTimeoutError
	return errors.As(err, &timeout) || errors.Is(err, ErrStatusChecksExhausted)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
