package sauce

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/httputil"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-sauce/engine"
	"github.com/ethereum-optimism/infra/op-sauce/jobfile"
	"github.com/ethereum-optimism/infra/op-sauce/logging"
	"github.com/ethereum-optimism/infra/op-sauce/metrics"
	"github.com/ethereum-optimism/infra/op-sauce/notify"
	"github.com/ethereum-optimism/infra/op-sauce/reporting"
	"github.com/ethereum-optimism/infra/op-sauce/runner"
	"github.com/ethereum-optimism/infra/op-sauce/saucelabs"
	"github.com/ethereum-optimism/infra/op-sauce/service"
	"github.com/ethereum-optimism/infra/op-sauce/tunnel"
	"github.com/ethereum-optimism/infra/op-sauce/types"
)

// sauce implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &sauce{}

// RunResult is the outcome of running every selected target once.
type RunResult struct {
	RunID    string
	Passed   bool
	Jobs     map[string]bool
	Duration time.Duration
}

// Failed returns the names of the failed targets, sorted.
func (r *RunResult) Failed() []string {
	var out []string
	for name, passed := range r.Jobs {
		if !passed {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// account is one set of Sauce Labs credentials.
type account struct {
	username  string
	accessKey string
}

func accountOf(job types.JobConfig) account {
	return account{username: job.Username, accessKey: job.AccessKey}
}

// sauce runs the selected job targets of one framework, once or on an interval.
type sauce struct {
	config    *Config
	version   string
	targets   []jobfile.Target
	runners   map[account]runner.TestRunner
	newTunnel engine.TunnelFactory
	metrics   metrics.Metricer

	metricsServer *httputil.HTTPServer
	healthz       *service.HealthzServer

	mu     sync.Mutex
	result *RunResult

	running    atomic.Bool
	done       chan struct{}
	wg         sync.WaitGroup
	cancelRuns context.CancelFunc

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*sauce, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.Log == nil {
		return nil, errors.New("logger is required")
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}

	targets, err := loadTargets(config, time.Now())
	if err != nil {
		return nil, err
	}
	config.Log.Debug("Loaded job targets", "count", len(targets), "framework", config.Framework)

	registry := opmetrics.NewRegistry()
	m := metrics.NewMetrics(opmetrics.With(registry))

	// Jobs may use different accounts. Each account gets its own client so a
	// job's tests are submitted under the account that owns its tunnel. The
	// API rate limit is shared across accounts.
	limiter := rate.NewLimiter(rate.Limit(config.APIRateLimit), max(1, int(config.APIRateLimit)))
	runners := make(map[account]runner.TestRunner)
	for _, t := range targets {
		acct := accountOf(t.Config)
		if _, ok := runners[acct]; ok {
			continue
		}
		client, err := saucelabs.NewClient(saucelabs.Config{
			BaseURL:    config.APIURL,
			Username:   acct.username,
			AccessKey:  acct.accessKey,
			Limiter:    limiter,
			MaxRetries: config.APIMaxRetries,
			Log:        config.Log,
			Metrics:    m,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create sauce labs client for job %s: %w", t.Name, err)
		}
		testRunner, err := runner.NewTestRunner(runner.Config{
			Client:         client,
			Log:            config.Log,
			Metrics:        m,
			OnTestComplete: config.OnTestComplete,
			SkipJobUpdate:  config.SkipJobUpdate,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create test runner: %w", err)
		}
		runners[acct] = testRunner
	}
	config.Log.Debug("Created grid clients", "accounts", len(runners))

	s := &sauce{
		config:  config,
		version: version,
		targets: targets,
		runners: runners,
		newTunnel: engine.NewTunnelFactory(tunnel.Config{
			Binary:          config.SCBinary,
			StartupTimeout:  config.TunnelStartupTimeout,
			ShutdownTimeout: config.TunnelShutdownTimeout,
			Launcher:        config.Launcher,
			Log:             config.Log,
		}),
		metrics:          m,
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}

	if config.MetricsConfig.Enabled {
		mc := config.MetricsConfig
		config.Log.Info("Starting metrics server", "addr", mc.ListenAddr, "port", mc.ListenPort)
		srv, err := opmetrics.StartServer(registry, mc.ListenAddr, mc.ListenPort)
		if err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
		config.Log.Info("Started metrics server", "endpoint", srv.Addr())
		s.metricsServer = srv
	}
	return s, nil
}

// loadTargets reads the job file, keeps the requested targets for the
// framework and applies command line overrides.
func loadTargets(config *Config, now time.Time) ([]jobfile.Target, error) {
	all, err := jobfile.Load(config.JobFile, config.baseJob(now))
	if err != nil {
		return nil, err
	}
	targets, err := jobfile.Select(all, config.Targets, config.Framework)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]int)
	for i := range targets {
		targets[i].Config = config.override(targets[i].Config)
		if targets[i].Config.Tunneled {
			seen[targets[i].Config.Identifier]++
		}
	}
	// Concurrent tunnels need distinct identifiers.
	for i := range targets {
		job := &targets[i].Config
		if job.Tunneled && seen[job.Identifier] > 1 {
			job.Identifier = job.Identifier + "-" + targets[i].Name
		}
	}

	for _, t := range targets {
		if err := t.Config.Validate(); err != nil {
			return nil, fmt.Errorf("job %s: %w", t.Name, err)
		}
	}
	return targets, nil
}

// Start implements the cliapp.Lifecycle interface.
func (s *sauce) Start(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.config.Log.Error("Runtime error occurred", "panic", r, "stack", string(debug.Stack()))
			err = NewRuntimeError(fmt.Errorf("panic: %v", r))
		}
	}()

	s.done = make(chan struct{})
	s.running.Store(true)

	if s.config.RunOnce {
		s.config.Log.Info("Starting op-sauce in run-once mode", "framework", s.config.Framework, "targets", len(s.targets))
		result, err := s.run(ctx)
		if err != nil {
			return err
		}
		if !result.Passed {
			s.config.Log.Warn("Run completed with failures", "failed", result.Failed())
			return NewTestFailureError(result.Failed())
		}
		s.config.Log.Info("All jobs passed, exiting (run-once mode)")
		go s.shutdownCallback(nil)
		return nil
	}

	s.config.Log.Info("Starting op-sauce in continuous mode", "interval", s.config.RunInterval)
	s.healthz = service.NewHealthzServer(s.config.Log)
	if err := s.healthz.Start(s.config.HealthzAddr); err != nil {
		return NewRuntimeError(fmt.Errorf("failed to start healthz server: %w", err))
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancelRuns = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		for {
			if _, err := s.run(ctx); err != nil {
				s.config.Log.Error("Error running jobs", "err", err)
			}
			select {
			case <-time.After(s.config.RunInterval):
				if !s.running.Load() {
					return
				}
			case <-s.done:
				s.config.Log.Debug("Done signal received, stopping periodic runs")
				return
			case <-ctx.Done():
				s.config.Log.Debug("Context canceled, stopping periodic runs")
				s.running.Store(false)
				return
			}
		}
	}()
	return nil
}

// run executes every target concurrently and reports the results.
func (s *sauce) run(ctx context.Context) (*RunResult, error) {
	runID := uuid.New().String()
	l := s.config.Log.New("run_id", runID)
	start := time.Now()
	l.Info("Running jobs", "targets", len(s.targets), "framework", s.config.Framework)

	summary := reporting.NewSummary(fmt.Sprintf("Sauce Labs %s results", s.config.Framework))
	var fileSink *logging.JSONLSink
	if s.config.LogDir != "" {
		var err error
		fileSink, err = logging.NewJSONLSink(s.config.LogDir, runID, l)
		if err != nil {
			return nil, NewRuntimeError(err)
		}
		defer func() {
			if err := fileSink.Close(); err != nil {
				l.Warn("Failed to close notification log", "err", err)
			}
		}()
	}

	type jobResult struct {
		name   string
		passed bool
	}
	p := pool.NewWithResults[jobResult]().WithContext(ctx)
	for _, t := range s.targets {
		p.Go(func(ctx context.Context) (jobResult, error) {
			tl := l.New("target", t.Name)
			sinks := []notify.Sink{reporting.NewConsoleSink(tl), summary.Sink(t.Name)}
			if fileSink != nil {
				sinks = append(sinks, fileSink.For(t.Name))
			}
			e, err := engine.New(engine.Config{
				Name:      t.Name,
				Runner:    s.runners[accountOf(t.Config)],
				NewTunnel: s.newTunnel,
				Sink:      notify.Multi(sinks...),
				Log:       tl,
				Metrics:   s.metrics,
			})
			if err != nil {
				return jobResult{}, err
			}
			return jobResult{name: t.Name, passed: e.RunJob(ctx, t.Config, s.config.Framework)}, nil
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, NewRuntimeError(err)
	}

	result := &RunResult{RunID: runID, Passed: true, Jobs: make(map[string]bool, len(results)), Duration: time.Since(start)}
	for _, r := range results {
		result.Jobs[r.name] = r.passed
		result.Passed = result.Passed && r.passed
	}

	summary.SetDuration(result.Duration)
	summary.Render(s.config.Out)
	s.metrics.RecordRun(result.Passed, len(results), result.Duration)
	if s.healthz != nil {
		s.healthz.Record(service.RunStatus{
			RunID:    runID,
			Passed:   result.Passed,
			Started:  start,
			Duration: result.Duration,
			Jobs:     len(results),
			Failed:   result.Failed(),
		})
	}

	s.mu.Lock()
	s.result = result
	s.mu.Unlock()
	l.Info("Run completed", "passed", result.Passed, "duration", result.Duration)
	return result, nil
}

// LastResult returns the most recent run, or nil before the first one finishes.
func (s *sauce) LastResult() *RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Stop implements the cliapp.Lifecycle interface.
func (s *sauce) Stop(ctx context.Context) error {
	s.config.Log.Info("Stopping op-sauce")

	var result error
	if s.running.Swap(false) {
		close(s.done)
		if s.cancelRuns != nil {
			s.cancelRuns()
		}
		s.wg.Wait()
	}
	if s.healthz != nil {
		if err := s.healthz.Shutdown(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop healthz server: %w", err))
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}
	s.config.Log.Info("op-sauce stopped")
	return result
}

// Stopped implements the cliapp.Lifecycle interface.
func (s *sauce) Stopped() bool {
	return !s.running.Load()
}
