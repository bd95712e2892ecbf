// Package tunneltest provides a scriptable fake tunnel process for tests.
package tunneltest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/ethereum-optimism/infra/op-sauce/tunnel"
)

const ReadyLine = "Sauce Connect is up, you may start your tests."

// Process is a fake tunnel process driven through a pipe.
type Process struct {
	r *io.PipeReader
	w *io.PipeWriter

	// IgnoreInterrupt keeps the process alive after Interrupt.
	IgnoreInterrupt bool
	// ExitErr is returned from Wait.
	ExitErr error

	mu          sync.Mutex
	interrupted bool
	killed      bool
	exitOnce    sync.Once
}

func NewProcess() *Process {
	r, w := io.Pipe()
	return &Process{r: r, w: w}
}

// Emit writes output lines. It blocks until the tunnel reads them.
func (p *Process) Emit(lines ...string) {
	for _, l := range lines {
		if _, err := fmt.Fprintln(p.w, l); err != nil {
			return
		}
	}
}

// Exit ends the process as if it terminated on its own.
func (p *Process) Exit() {
	p.exitOnce.Do(func() { _ = p.w.Close() })
}

func (p *Process) Output() io.Reader {
	return p.r
}

func (p *Process) Wait() error {
	return p.ExitErr
}

func (p *Process) Interrupt() error {
	p.mu.Lock()
	p.interrupted = true
	ignore := p.IgnoreInterrupt
	p.mu.Unlock()
	if !ignore {
		p.Exit()
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit()
	return nil
}

func (p *Process) Interrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}

func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Script drives a launched process. It runs on its own goroutine.
type Script func(p *Process)

// Ready emits the ready line and keeps the process running.
func Ready(p *Process) {
	p.Emit("Starting up tunnel", ReadyLine)
}

// Hang never becomes ready.
func Hang(p *Process) {
	p.Emit("Starting up tunnel")
}

// FailEarly prints an error and exits before becoming ready.
func FailEarly(p *Process) {
	p.Emit("Error: invalid credentials")
	p.ExitErr = errors.New("exit status 1")
	p.Exit()
}

// Call records one Launch invocation.
type Call struct {
	Name string
	Args []string
}

// Launcher starts fake processes.
type Launcher struct {
	// Script runs against every launched process. Nil means Ready.
	Script Script
	// Err makes Launch fail.
	Err error
	// Configure adjusts each process before the script runs.
	Configure func(p *Process)

	mu        sync.Mutex
	calls     []Call
	processes []*Process
}

var _ tunnel.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(ctx context.Context, name string, args ...string) (tunnel.Process, error) {
	l.mu.Lock()
	l.calls = append(l.calls, Call{Name: name, Args: slices.Clone(args)})
	l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}

	p := NewProcess()
	if l.Configure != nil {
		l.Configure(p)
	}
	l.mu.Lock()
	l.processes = append(l.processes, p)
	l.mu.Unlock()

	script := l.Script
	if script == nil {
		script = Ready
	}
	go script(p)
	return p, nil
}

func (l *Launcher) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls)
}

func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.processes)
}
