package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Command is one decoder invocation.
type Command struct {
	Binary string
	Args   []string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Binary, c.Args)
}

// Process is a running decoder.
type Process interface {
	// Output is the merged stdout and stderr stream. It reaches EOF once the
	// process has exited.
	Output() io.Reader
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Terminate asks the process to exit and kills it after grace.
	Terminate(grace time.Duration) error
	Pid() int
}

// Launcher starts decoder processes.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// ExecLauncher starts processes with os/exec in their own process group so
// helpers they spawn are signalled with them.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	if c.Binary == "" {
		return nil, errors.New("process: empty binary")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.Binary, c.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start %s: %w", c.Binary, err)
	}

	p := &execProcess{cmd: cmd, out: pr, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		_ = pw.CloseWithError(io.EOF)
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	out     *io.PipeReader
	done    chan struct{}
	waitErr error

	termOnce sync.Once
}

func (p *execProcess) Output() io.Reader     { return p.out }
func (p *execProcess) Done() <-chan struct{} { return p.done }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Terminate(grace time.Duration) error {
	p.termOnce.Do(func() {
		pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		} else {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-p.done:
		case <-time.After(grace):
			if err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				_ = p.cmd.Process.Kill()
			}
			<-p.done
		}
		// Unblock a reader that is still draining output.
		_ = p.out.Close()
	})

	var exitErr *exec.ExitError
	if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
		return p.waitErr
	}
	return nil
}
