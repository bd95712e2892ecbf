// Package engine runs one job end to end: open the tunnel if the job needs
// one, drive the tests, and always close the tunnel again.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-sauce/metrics"
	"github.com/ethereum-optimism/infra/op-sauce/notify"
	"github.com/ethereum-optimism/infra/op-sauce/runner"
	"github.com/ethereum-optimism/infra/op-sauce/saucelabs"
	"github.com/ethereum-optimism/infra/op-sauce/tunnel"
	"github.com/ethereum-optimism/infra/op-sauce/types"
)

const DefaultCloseTimeout = tunnel.DefaultShutdownTimeout + 15*time.Second

// Tunnel is the lifecycle the engine needs from a tunnel session.
type Tunnel interface {
	ID() string
	Open(ctx context.Context) error
	Close(ctx context.Context) error
}

var _ Tunnel = (*tunnel.Tunnel)(nil)

// TunnelFactory builds the tunnel for a job. Tunnel events go to sink.
type TunnelFactory func(job types.JobConfig, sink notify.Sink) Tunnel

// NewTunnelFactory returns a factory producing Sauce Connect tunnels from
// base, with credentials, identifier and extra args taken from the job.
func NewTunnelFactory(base tunnel.Config) TunnelFactory {
	return func(job types.JobConfig, sink notify.Sink) Tunnel {
		cfg := base
		cfg.Username = job.Username
		cfg.AccessKey = job.AccessKey
		cfg.Identifier = job.Identifier
		cfg.Args = append([]string(nil), job.TunnelArgs...)
		return tunnel.New(cfg, sink)
	}
}

type Config struct {
	// Name labels logs and metrics. Usually the job target name.
	Name      string
	Runner    runner.TestRunner
	NewTunnel TunnelFactory
	Sink      notify.Sink
	Log       log.Logger
	Metrics   metrics.Metricer
	// CloseTimeout bounds tunnel teardown. Teardown ignores caller cancellation.
	CloseTimeout time.Duration
}

type Engine struct {
	name         string
	runner       runner.TestRunner
	newTunnel    TunnelFactory
	sink         notify.Sink
	log          log.Logger
	metrics      metrics.Metricer
	closeTimeout time.Duration
	tracer       trace.Tracer
}

func New(cfg Config) (*Engine, error) {
	if cfg.Runner == nil {
		return nil, errors.New("test runner is required")
	}
	if cfg.NewTunnel == nil {
		return nil, errors.New("tunnel factory is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = notify.Discard
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoopMetrics
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	return &Engine{
		name:         cfg.Name,
		runner:       cfg.Runner,
		newTunnel:    cfg.NewTunnel,
		sink:         notify.Serialized(cfg.Sink),
		log:          cfg.Log,
		metrics:      cfg.Metrics,
		closeTimeout: cfg.CloseTimeout,
		tracer:       otel.Tracer("op-sauce/engine"),
	}, nil
}

// RunJob runs one job and reduces it to pass/fail. It never returns an
// error: failures are reported through the sink and the log.
func (e *Engine) RunJob(ctx context.Context, job types.JobConfig, framework types.Framework) bool {
	runID := uuid.New().String()
	l := e.log.New("job", e.name, "run_id", runID, "framework", framework)

	ctx, span := e.tracer.Start(ctx, "run job", trace.WithAttributes(
		attribute.String("job", e.name),
		attribute.String("run_id", runID),
		attribute.String("framework", string(framework)),
		attribute.Bool("tunneled", job.Tunneled),
	))
	defer span.End()

	start := time.Now()
	l.Info("Starting job", "tunneled", job.Tunneled, "jobs", job.NumberOfJobs())
	passed, err := e.run(ctx, l, job.Clone(), framework)
	if err != nil {
		l.Error("Job failed", "err", err)
		e.sink.Notify(notify.Error(err))
		e.metrics.RecordErrorDetails(errorClass(err), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		passed = false
	}

	span.SetAttributes(attribute.Bool("passed", passed))
	e.metrics.RecordJob(e.name, string(framework), passed, time.Since(start))
	l.Info("Job finished", "passed", passed, "duration", time.Since(start))
	return passed
}

func (e *Engine) run(ctx context.Context, l log.Logger, job types.JobConfig, framework types.Framework) (passed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("Recovered from panic", "panic", r, "stack", string(debug.Stack()))
			passed, err = false, fmt.Errorf("job panicked: %v", r)
		}
	}()

	if job.Tunneled {
		tun := e.newTunnel(job, e.sink)
		job.Identifier = tun.ID()
		defer e.closeTunnel(ctx, l, tun)

		start := time.Now()
		err := tun.Open(ctx)
		e.metrics.RecordTunnelOpen(time.Since(start), err)
		if err != nil {
			return false, err
		}
	}

	return e.runner.RunTests(ctx, job, framework, e.sink)
}

// closeTunnel runs on every exit path of run once a tunnel was created. Its
// own failures are logged and never change the job result.
func (e *Engine) closeTunnel(ctx context.Context, l log.Logger, tun Tunnel) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("Recovered from panic while closing tunnel", "panic", r)
			e.metrics.RecordError("tunnel_cleanup")
		}
	}()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.closeTimeout)
	defer cancel()
	if err := tun.Close(ctx); err != nil {
		l.Warn("Tunnel cleanup failed", "tunnel", tun.ID(), "err", err)
		e.metrics.RecordErrorDetails("tunnel_cleanup", err)
	}
}

func errorClass(err error) string {
	var (
		launchErr *tunnel.LaunchError
		infraErr  *saucelabs.InfrastructureError
	)
	switch {
	case errors.As(err, &launchErr):
		return "tunnel_launch"
	case errors.As(err, &infraErr):
		return "infrastructure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "job"
	}
}
