package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// DefaultKillGrace is how long Close waits for a child to exit after its
// stdin has been closed before killing it.
const DefaultKillGrace = 2 * time.Second

// Command describes a child process that speaks line-framed JSON-RPC on its
// standard input and output.
type Command struct {
	Path string
	Args []string
	// Env holds variable overrides for the child.
	Env map[string]string
	// PassEnvironment starts from the parent's environment before applying Env.
	PassEnvironment bool
	// Stderr receives the child's standard error. Defaults to os.Stderr.
	Stderr io.Writer
	// KillGrace overrides DefaultKillGrace.
	KillGrace time.Duration
}

// InheritedEnv lists the variables a child receives from the parent even
// when PassEnvironment is off, so that it can resolve executables and its
// home directory.
var InheritedEnv = []string{"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER"}

// Environ returns the environment the child will be started with. The
// result is never nil, so the child never silently inherits everything.
func (c Command) Environ() []string {
	env := make([]string, 0, len(InheritedEnv)+len(c.Env))
	if c.PassEnvironment {
		env = append(env, os.Environ()...)
	} else {
		for _, k := range InheritedEnv {
			if v, ok := os.LookupEnv(k); ok {
				env = append(env, k+"="+v)
			}
		}
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// StartProcess spawns cmd and returns a stdio binding connected to it.
// Closing the binding stops the child exactly once.
func StartProcess(ctx context.Context, cmd Command, opts ...StdioOption) (*Stdio, error) {
	if cmd.Path == "" {
		return nil, errors.New("transport: empty command")
	}

	c := exec.Command(cmd.Path, cmd.Args...)
	c.Env = cmd.Environ()
	c.Stderr = cmd.Stderr
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// The child's stdout is an explicit pipe rather than StdoutPipe so that
	// Wait never closes it under the reader: trailing output survives exit.
	stdout, childOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	c.Stdout = childOut

	if err := ctx.Err(); err != nil {
		_ = stdout.Close()
		_ = childOut.Close()
		return nil, err
	}
	if err := c.Start(); err != nil {
		_ = stdout.Close()
		_ = childOut.Close()
		return nil, &Error{Op: "start " + cmd.Path, Err: err}
	}
	_ = childOut.Close()

	grace := cmd.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	proc := &process{cmd: c, stdin: stdin, stdout: stdout, grace: grace, exited: make(chan struct{})}
	go proc.wait()

	opts = append([]StdioOption{
		WithStdin(stdout),
		WithStdout(stdin),
		WithCloser(proc),
	}, opts...)
	return NewStdio(opts...), nil
}

// process owns a spawned child. Close closes its stdin, waits for a
// voluntary exit and kills it after the grace period.
type process struct {
	cmd    *exec.Cmd
	stdin  io.Closer
	stdout io.Closer
	grace  time.Duration

	exited  chan struct{}
	waitErr error

	once sync.Once
	err  error
}

func (p *process) wait() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *process) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()

		select {
		case <-p.exited:
		case <-time.After(p.grace):
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill() //nolint:errcheck // process may have already exited
			}
			<-p.exited
		}
		_ = p.stdout.Close()

		var exitErr *exec.ExitError
		if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
			p.err = p.waitErr
		}
	})
	return p.err
}
