package tunnel

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Process is a running tunnel binary.
type Process interface {
	// Output streams combined stdout and stderr until the process exits.
	Output() io.Reader
	// Wait blocks until the process exits. It must only be called after
	// Output has been drained.
	Wait() error
	// Interrupt asks the process to shut down cleanly.
	Interrupt() error
	// Kill terminates the process and anything it spawned.
	Kill() error
}

// Launcher starts tunnel processes.
type Launcher interface {
	Launch(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecLauncher runs the binary as a child process in its own process group.
type ExecLauncher struct {
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env, when set, replaces the inherited environment.
	Env []string
}

// Launch starts name. The process lifetime is managed through the returned
// Process, not ctx.
func (l ExecLauncher) Launch(ctx context.Context, name string, args ...string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	cmd.Dir = l.Dir
	if l.Env != nil {
		cmd.Env = l.Env
	}
	configureProcess(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	return &execProcess{cmd: cmd, output: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	output io.Reader
}

func (p *execProcess) Output() io.Reader {
	return p.output
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Interrupt() error {
	return interruptProcess(p.cmd)
}

func (p *execProcess) Kill() error {
	return killProcess(p.cmd)
}
