// Package process starts site executables and collects their exit status.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Command describes one executable invocation.
type Command struct {
	Path string
	Args []string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env entries are appended to the parent environment.
	Env []string
}

// Process is a started executable whose stdout and stderr share one stream.
type Process interface {
	// Output yields the combined stream; it reaches EOF once every writer
	// (the process and anything it spawned) has exited.
	Output() io.Reader
	// Wait must be called after Output is drained or after Abandon. A
	// non-zero exit is not an error; err reports failures to wait at all.
	Wait() (exitCode int, err error)
	// Abandon closes the read end of Output and kills the process.
	Abandon() error
	PID() int
}

// Result captures a finished Run.
type Result struct {
	ExitCode int
	Output   string
	Started  time.Time
	Stopped  time.Time
}

// Runner starts commands on the local host.
type Runner struct{}

// NewRunner creates a Runner.
func NewRunner() *Runner {
	return &Runner{}
}

// Start launches proto with stdout and stderr joined on one pipe. The
// process is not tied to ctx: started tasks are never cancelled.
func (r *Runner) Start(_ context.Context, proto Command) (Process, error) {
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", proto.Path, err)
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()
	return &proc{cmd: cmd, out: pr}, nil
}

// Run executes proto to completion, bounded by ctx, and returns the
// combined output. A non-zero exit is reported in Result, not as an error.
func (r *Runner) Run(ctx context.Context, proto Command) (Result, error) {
	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.WaitDelay = time.Second
	cmd.Dir = proto.Dir
	if len(proto.Env) > 0 {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	res := Result{Started: time.Now().UTC()}
	err := cmd.Run()
	res.Stopped = time.Now().UTC()
	res.Output = buf.String()
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", proto.Path, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", proto.Path, err)
	}
	return res, nil
}

type proc struct {
	cmd *exec.Cmd
	out *os.File
}

func (p *proc) Output() io.Reader {
	return p.out
}

func (p *proc) PID() int {
	return p.cmd.Process.Pid
}

func (p *proc) Abandon() error {
	_ = p.out.Close()
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func (p *proc) Wait() (int, error) {
	err := p.cmd.Wait()
	_ = p.out.Close()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("wait for pid %d: %w", p.cmd.Process.Pid, err)
	}
	return 0, nil
}
