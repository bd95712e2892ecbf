// Package tunnel manages one Sauce Connect session for the lifetime of a job.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-sauce/notify"
)

const (
	DefaultBinary          = "sc"
	DefaultStartupTimeout  = 2 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
	DefaultReadyText       = "you may start your tests"

	// killGrace bounds how long we wait for output to drain after SIGKILL.
	killGrace = 5 * time.Second
)

var (
	ErrStartupTimeout  = errors.New("tunnel did not become ready in time")
	ErrExited          = errors.New("tunnel process exited")
	ErrShutdownTimeout = errors.New("tunnel did not shut down in time")
)

// State is the lifecycle position of a Tunnel.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LaunchError means the tunnel could not be brought up.
type LaunchError struct {
	ID  string
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to open tunnel %s: %v", e.ID, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// CleanupError means a clean shutdown could not be confirmed. It is
// informational and never fails a job.
type CleanupError struct {
	ID  string
	Err error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("failed to close tunnel %s cleanly: %v", e.ID, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

type Config struct {
	Binary     string
	Username   string
	AccessKey  string
	Identifier string
	// Args are appended after the credential and identifier flags.
	Args []string

	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	// ReadyText is matched case-insensitively against each output line.
	ReadyText string

	Launcher Launcher
	Log      log.Logger
}

func (c *Config) setDefaults() {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ReadyText == "" {
		c.ReadyText = DefaultReadyText
	}
	if c.Launcher == nil {
		c.Launcher = ExecLauncher{}
	}
	if c.Log == nil {
		c.Log = log.New()
	}
}

// Tunnel is a single Sauce Connect session. It is opened at most once and
// Close is safe to call any number of times.
type Tunnel struct {
	cfg  Config
	sink notify.Sink
	log  log.Logger

	mu     sync.Mutex
	state  State
	opened bool // reached StateOpen at least once
	proc   Process

	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}
	exitErr   error
}

func New(cfg Config, sink notify.Sink) *Tunnel {
	cfg.setDefaults()
	if sink == nil {
		sink = notify.Discard
	}
	return &Tunnel{
		cfg:    cfg,
		sink:   sink,
		log:    cfg.Log.New("component", "tunnel", "tunnel", cfg.Identifier),
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// ID is the tunnel identifier jobs must reference to route through it.
func (t *Tunnel) ID() string {
	return t.cfg.Identifier
}

func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tunnel) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Args returns the command line passed to the tunnel binary.
func (t *Tunnel) Args() []string {
	args := []string{"-u", t.cfg.Username, "-k", t.cfg.AccessKey, "-i", t.cfg.Identifier}
	return append(args, t.cfg.Args...)
}

// Open starts the tunnel and blocks until it reports ready.
func (t *Tunnel) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateIdle {
		state := t.state
		t.mu.Unlock()
		return &LaunchError{ID: t.ID(), Err: fmt.Errorf("cannot open tunnel in state %s", state)}
	}
	t.state = StateOpening
	t.mu.Unlock()

	t.sink.Notify(notify.TunnelOpen())
	t.log.Info("Opening tunnel", "binary", t.cfg.Binary, "extra_args", t.cfg.Args)

	proc, err := t.cfg.Launcher.Launch(ctx, t.cfg.Binary, t.Args()...)
	if err != nil {
		t.setState(StateFailed)
		return &LaunchError{ID: t.ID(), Err: err}
	}
	t.mu.Lock()
	t.proc = proc
	t.mu.Unlock()
	go t.consume(proc)

	timer := time.NewTimer(t.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-t.ready:
		t.mu.Lock()
		if t.state == StateOpening {
			t.state = StateOpen
		}
		t.opened = true
		t.mu.Unlock()
		t.sink.Notify(notify.TunnelOpened())
		t.log.Info("Tunnel ready")
		return nil
	case <-t.exited:
		err = fmt.Errorf("%w before becoming ready: %v", ErrExited, t.exitErr)
	case <-timer.C:
		err = ErrStartupTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	t.abort()
	t.setState(StateFailed)
	return &LaunchError{ID: t.ID(), Err: err}
}

// Close shuts the tunnel down. It does nothing unless Open succeeded. A
// tunnel whose process already died still reports tunnelClose.
func (t *Tunnel) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.opened || (t.state != StateOpen && t.state != StateFailed) {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosing
	t.mu.Unlock()

	t.sink.Notify(notify.TunnelClose())
	t.log.Info("Closing tunnel")
	err := t.shutdown(ctx)
	t.setState(StateClosed)
	if err != nil {
		return &CleanupError{ID: t.ID(), Err: err}
	}
	t.log.Info("Tunnel closed")
	return nil
}

func (t *Tunnel) shutdown(ctx context.Context) error {
	select {
	case <-t.exited:
		return nil
	default:
	}

	if err := t.proc.Interrupt(); err != nil {
		t.log.Warn("Failed to interrupt tunnel process", "err", err)
	}

	timer := time.NewTimer(t.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-t.exited:
		if t.exitErr != nil {
			t.log.Debug("Tunnel process exited with error", "err", t.exitErr)
		}
		return nil
	case <-timer.C:
		t.abort()
		return ErrShutdownTimeout
	case <-ctx.Done():
		t.abort()
		return ctx.Err()
	}
}

// abort kills the process group and waits briefly for it to go away.
func (t *Tunnel) abort() {
	if err := t.proc.Kill(); err != nil {
		t.log.Debug("Failed to kill tunnel process", "err", err)
	}
	select {
	case <-t.exited:
	case <-time.After(killGrace):
		t.log.Warn("Tunnel process did not exit after kill")
	}
}

// consume relays process output as tunnel events until the process exits.
func (t *Tunnel) consume(proc Process) {
	readyText := strings.ToLower(t.cfg.ReadyText)
	scanner := bufio.NewScanner(proc.Output())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, readyText):
			t.sink.Notify(notify.TunnelEvent(notify.MethodOK, line, false))
			t.readyOnce.Do(func() { close(t.ready) })
		case strings.Contains(lower, "error"):
			t.sink.Notify(notify.TunnelEvent(notify.MethodError, line, false))
		default:
			t.sink.Notify(notify.TunnelEvent(notify.MethodWriteln, line, true))
		}
	}
	if err := scanner.Err(); err != nil {
		t.log.Debug("Stopped reading tunnel output", "err", err)
	}

	t.exitErr = proc.Wait()
	close(t.exited)

	t.mu.Lock()
	unexpected := t.state == StateOpen
	if unexpected {
		t.state = StateFailed
	}
	t.mu.Unlock()
	if unexpected {
		t.log.Error("Tunnel process exited unexpectedly", "err", t.exitErr)
		t.sink.Notify(notify.TunnelEvent(notify.MethodError, "tunnel process exited unexpectedly", false))
	}
}
