package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ethereum-optimism/infra/op-sauce/notify"
	"github.com/ethereum-optimism/infra/op-sauce/runner"
	"github.com/ethereum-optimism/infra/op-sauce/saucelabs"
	"github.com/ethereum-optimism/infra/op-sauce/saucelabs/saucelabstest"
	"github.com/ethereum-optimism/infra/op-sauce/tunnel"
	"github.com/ethereum-optimism/infra/op-sauce/tunnel/tunneltest"
	"github.com/ethereum-optimism/infra/op-sauce/types"
)

type runTestsFunc func(ctx context.Context, cfg types.JobConfig, framework types.Framework, sink notify.Sink) (bool, error)

func (f runTestsFunc) RunTests(ctx context.Context, cfg types.JobConfig, framework types.Framework, sink notify.Sink) (bool, error) {
	return f(ctx, cfg, framework, sink)
}

// fakeTunnel records lifecycle calls without launching anything.
type fakeTunnel struct {
	id       string
	openErr  error
	closeErr error
	sink     notify.Sink

	mu     sync.Mutex
	opens  int
	closes int
}

func (f *fakeTunnel) ID() string { return f.id }

func (f *fakeTunnel) Open(ctx context.Context) error {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	f.sink.Notify(notify.TunnelOpen())
	if f.openErr != nil {
		return f.openErr
	}
	f.sink.Notify(notify.TunnelOpened())
	return nil
}

func (f *fakeTunnel) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return f.closeErr
}

func (f *fakeTunnel) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

func jobConfig(tunneled bool) types.JobConfig {
	cfg := types.DefaultJobConfig(time.Now(), nil)
	cfg.Username = saucelabstest.Username
	cfg.AccessKey = saucelabstest.AccessKey
	cfg.Tunneled = tunneled
	cfg.Identifier = "job-identifier"
	cfg.URLs = []string{"http://localhost:9999/test.html"}
	cfg.TestInterval = 5 * time.Millisecond
	cfg.TestReadyTimeout = 50 * time.Millisecond
	return cfg
}

func newEngine(t *testing.T, r runner.TestRunner, factory TunnelFactory, sink notify.Sink) *Engine {
	t.Helper()
	e, err := New(Config{
		Name:         "test",
		Runner:       r,
		NewTunnel:    factory,
		Sink:         sink,
		Log:          testlog.Logger(t, log.LevelDebug),
		CloseTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return e
}

func fakeFactory(tun *fakeTunnel) TunnelFactory {
	return func(job types.JobConfig, sink notify.Sink) Tunnel {
		tun.sink = sink
		return tun
	}
}

func launcherFactory(launcher tunnel.Launcher) TunnelFactory {
	return NewTunnelFactory(tunnel.Config{
		StartupTimeout:  2 * time.Second,
		ShutdownTimeout: 2 * time.Second,
		Launcher:        launcher,
	})
}

// gridRunner returns a real runner against a fake grid.
func gridRunner(t *testing.T, plan saucelabstest.Planner) runner.TestRunner {
	t.Helper()
	srv := saucelabstest.NewServer(plan)
	t.Cleanup(srv.Close)
	client, err := saucelabs.NewClient(saucelabs.Config{
		BaseURL:      srv.BaseURL(),
		Username:     saucelabstest.Username,
		AccessKey:    saucelabstest.AccessKey,
		Limiter:      rate.NewLimiter(rate.Inf, 1),
		RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)
	r, err := runner.NewTestRunner(runner.Config{Client: client, Log: testlog.Logger(t, log.LevelInfo)})
	require.NoError(t, err)
	return r
}

func passing(string, []string) saucelabstest.Outcome {
	return saucelabstest.Outcome{Result: map[string]any{"failed": 0}}
}

func tunnelKinds(rec *notify.Recorder) []notify.Kind {
	var out []notify.Kind
	for _, k := range rec.Kinds() {
		if k.IsTunnel() {
			out = append(out, k)
		}
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{NewTunnel: fakeFactory(&fakeTunnel{})})
	require.Error(t, err)
	_, err = New(Config{Runner: runTestsFunc(nil)})
	require.Error(t, err)
}

// Scenario: no tunnel, one browser, remote passes.
func TestRunJobWithoutTunnel(t *testing.T) {
	tun := &fakeTunnel{id: "unused"}
	rec := notify.NewRecorder()
	e := newEngine(t, gridRunner(t, passing), fakeFactory(tun), rec)

	passed := e.RunJob(context.Background(), jobConfig(false), types.FrameworkQUnit)
	require.True(t, passed)

	assert.Equal(t, []notify.Kind{
		notify.KindJobStarted,
		notify.KindJobCompleted,
		notify.KindTestCompleted,
	}, rec.Kinds())
	assert.True(t, rec.Filter(notify.KindJobCompleted)[0].Passed)
	assert.True(t, rec.Filter(notify.KindTestCompleted)[0].Passed)

	opens, closes := tun.counts()
	assert.Zero(t, opens)
	assert.Zero(t, closes)
}

// Scenario: the tunnel fails to launch.
func TestRunJobTunnelLaunchFailure(t *testing.T) {
	called := false
	r := runTestsFunc(func(context.Context, types.JobConfig, types.Framework, notify.Sink) (bool, error) {
		called = true
		return true, nil
	})
	tun := &fakeTunnel{id: "t", openErr: &tunnel.LaunchError{ID: "t", Err: errors.New("no sc binary")}}
	rec := notify.NewRecorder()
	e := newEngine(t, r, fakeFactory(tun), rec)

	passed := e.RunJob(context.Background(), jobConfig(true), types.FrameworkJasmine)
	require.False(t, passed)
	assert.False(t, called)

	assert.Equal(t, []notify.Kind{notify.KindTunnelOpen, notify.KindError}, rec.Kinds())
	var launchErr *tunnel.LaunchError
	require.ErrorAs(t, rec.Filter(notify.KindError)[0].Err, &launchErr)

	_, closes := tun.counts()
	assert.Equal(t, 1, closes)
}

// Same scenario against the real tunnel manager.
func TestRunJobRealTunnelLaunchFailure(t *testing.T) {
	launcher := &tunneltest.Launcher{Script: tunneltest.FailEarly}
	rec := notify.NewRecorder()
	e := newEngine(t, gridRunner(t, passing), launcherFactory(launcher), rec)

	passed := e.RunJob(context.Background(), jobConfig(true), types.FrameworkQUnit)
	require.False(t, passed)

	assert.Zero(t, rec.Count(notify.KindTunnelOpened))
	assert.Zero(t, rec.Count(notify.KindJobStarted))
	assert.Zero(t, rec.Count(notify.KindJobCompleted))
	assert.Equal(t, 1, rec.Count(notify.KindError))
	assert.Equal(t, notify.KindTunnelOpen, rec.Kinds()[0])
}

// Scenario: two browsers, one fails.
func TestRunJobMixedResults(t *testing.T) {
	launcher := &tunneltest.Launcher{}
	rec := notify.NewRecorder()
	r := gridRunner(t, func(url string, platform []string) saucelabstest.Outcome {
		if platform[1] == "firefox" {
			return saucelabstest.Outcome{Result: map[string]any{"failed": 2}}
		}
		return saucelabstest.Outcome{PollsUntilDone: 2, Result: map[string]any{"failed": 0}}
	})
	e := newEngine(t, r, launcherFactory(launcher), rec)

	cfg := jobConfig(true)
	cfg.Browsers = []types.Platform{{"browserName": "chrome"}, {"browserName": "firefox"}}
	passed := e.RunJob(context.Background(), cfg, types.FrameworkQUnit)
	require.False(t, passed)

	completed := rec.Filter(notify.KindJobCompleted)
	require.Len(t, completed, 2)
	for _, n := range completed {
		assert.Equal(t, n.Platform == "chrome", n.Passed)
		assert.Equal(t, "job-identifier", n.TunnelID)
	}

	// tunnelClose is the last notification and the process is gone by the
	// time RunJob returns.
	kinds := rec.Kinds()
	assert.Equal(t, notify.KindTunnelClose, kinds[len(kinds)-1])
	assert.Equal(t, []notify.Kind{
		notify.KindTunnelOpen,
		notify.KindTunnelOpened,
		notify.KindTunnelClose,
	}, withoutEvents(tunnelKinds(rec)))
	p := launcher.Processes()[0]
	assert.True(t, p.Interrupted())

	calls := launcher.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Args, "job-identifier")
}

// Scenario: one browser never starts.
func TestRunJobReadyTimeout(t *testing.T) {
	rec := notify.NewRecorder()
	r := gridRunner(t, func(url string, platform []string) saucelabstest.Outcome {
		if platform[1] == "safari" {
			return saucelabstest.Outcome{NeverStart: true}
		}
		return saucelabstest.Outcome{Result: map[string]any{"failed": 0}}
	})
	e := newEngine(t, r, launcherFactory(&tunneltest.Launcher{}), rec)

	cfg := jobConfig(true)
	cfg.Browsers = []types.Platform{{"browserName": "chrome"}, {"browserName": "safari"}}
	passed := e.RunJob(context.Background(), cfg, types.FrameworkYUI)
	require.False(t, passed)

	completed := rec.Filter(notify.KindJobCompleted)
	require.Len(t, completed, 2)
	for _, n := range completed {
		assert.Equal(t, n.Platform == "chrome", n.Passed)
	}
	assert.Zero(t, rec.Count(notify.KindError))
	assert.Equal(t, 1, rec.Count(notify.KindTunnelClose))
}

// The tunnel is closed on every way RunTests can end.
func TestRunJobAlwaysClosesTunnel(t *testing.T) {
	tests := []struct {
		name string
		ctx  func() (context.Context, context.CancelFunc)
		run  runTestsFunc
		want bool
	}{
		{
			name: "passes",
			run: func(context.Context, types.JobConfig, types.Framework, notify.Sink) (bool, error) {
				return true, nil
			},
			want: true,
		},
		{
			name: "errors",
			run: func(context.Context, types.JobConfig, types.Framework, notify.Sink) (bool, error) {
				return true, &saucelabs.InfrastructureError{Op: "status", Err: errors.New("connection refused")}
			},
		},
		{
			name: "panics",
			run: func(context.Context, types.JobConfig, types.Framework, notify.Sink) (bool, error) {
				panic("runner exploded")
			},
		},
		{
			name: "times out",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			run: func(ctx context.Context, _ types.JobConfig, _ types.Framework, _ notify.Sink) (bool, error) {
				<-ctx.Done()
				return false, ctx.Err()
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			if tt.ctx != nil {
				ctx, cancel = tt.ctx()
			}
			defer cancel()

			launcher := &tunneltest.Launcher{}
			rec := notify.NewRecorder()
			e := newEngine(t, tt.run, launcherFactory(launcher), rec)

			passed := e.RunJob(ctx, jobConfig(true), types.FrameworkMocha)
			assert.Equal(t, tt.want, passed)
			assert.Equal(t, 1, rec.Count(notify.KindTunnelClose))
			assert.True(t, launcher.Processes()[0].Interrupted())
			if !tt.want {
				assert.Equal(t, 1, rec.Count(notify.KindError))
			}
		})
	}
}

func TestRunJobCleanupFailureDoesNotChangeResult(t *testing.T) {
	r := runTestsFunc(func(context.Context, types.JobConfig, types.Framework, notify.Sink) (bool, error) {
		return true, nil
	})
	tun := &fakeTunnel{id: "t", closeErr: &tunnel.CleanupError{ID: "t", Err: tunnel.ErrShutdownTimeout}}
	rec := notify.NewRecorder()
	e := newEngine(t, r, fakeFactory(tun), rec)

	require.True(t, e.RunJob(context.Background(), jobConfig(true), types.FrameworkQUnit))
	assert.Zero(t, rec.Count(notify.KindError))
	_, closes := tun.counts()
	assert.Equal(t, 1, closes)
}

func TestRunJobCloseIgnoresCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := runTestsFunc(func(context.Context, types.JobConfig, types.Framework, notify.Sink) (bool, error) {
		cancel()
		return true, nil
	})
	tun := &fakeTunnel{id: "t"}
	e := newEngine(t, r, fakeFactory(tun), notify.Discard)

	// fakeTunnel.Close fails if its context is already canceled.
	require.True(t, e.RunJob(ctx, jobConfig(true), types.FrameworkQUnit))
}

func TestRunJobUsesTunnelIdentifier(t *testing.T) {
	var seen string
	r := runTestsFunc(func(_ context.Context, cfg types.JobConfig, _ types.Framework, _ notify.Sink) (bool, error) {
		seen = cfg.Identifier
		return true, nil
	})
	tun := &fakeTunnel{id: "from-tunnel"}
	e := newEngine(t, r, fakeFactory(tun), notify.Discard)

	cfg := jobConfig(true)
	require.True(t, e.RunJob(context.Background(), cfg, types.FrameworkQUnit))
	assert.Equal(t, "from-tunnel", seen)
	// The caller's config is untouched.
	assert.Equal(t, "job-identifier", cfg.Identifier)
}

func TestErrorClass(t *testing.T) {
	assert.Equal(t, "tunnel_launch", errorClass(&tunnel.LaunchError{Err: errors.New("x")}))
	assert.Equal(t, "infrastructure", errorClass(&saucelabs.InfrastructureError{Err: errors.New("x")}))
	assert.Equal(t, "canceled", errorClass(context.Canceled))
	assert.Equal(t, "job", errorClass(errors.New("x")))
}

func withoutEvents(kinds []notify.Kind) []notify.Kind {
	var out []notify.Kind
	for _, k := range kinds {
		if k != notify.KindTunnelEvent {
			out = append(out, k)
		}
	}
	return out
}
