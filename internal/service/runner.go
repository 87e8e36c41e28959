package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted    = errors.New("command not started")
	ErrInProgress    = errors.New("command in progress")
	ErrNotExecutable = errors.New("not an executable file")
)

// waitDelay bounds how long Wait keeps copying output after the process
// was killed, in case a child still holds the pipes open.
const waitDelay = 5 * time.Second

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LineFunc receives every output line of a command, stream is StreamStdout
// or StreamStderr.
type LineFunc func(ctx context.Context, stream, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	TimedOut bool
	Err      error
}

// Launched reports whether the process was started at all.
func (r Result) Launched() bool {
	return r.State != nil
}

// ExitCode is the process exit code, -1 when it did not exit normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner executes one command at a time and remembers the last result.
type Runner struct {
	mx      sync.Mutex
	running bool
	last    Result
}

func NewRunner() *Runner {
	return &Runner{
		last: Result{Err: ErrNotStarted},
	}
}

// CheckExecutable fails when path is not a regular file with an execute
// bit set.
func CheckExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s: %w", path, ErrNotExecutable)
	}
	return nil
}

// Run starts the command and blocks until it exits. The process is killed
// when cmd.Timeout elapses or ctx ends. Output lines are passed to lines as
// they arrive and the readers are joined before Run returns, so no line
// is delivered afterwards.
func (r *Runner) Run(ctx context.Context, cmd Command, lines LineFunc) Result {
	r.mx.Lock()
	if r.running {
		r.mx.Unlock()
		return Result{Path: cmd.Path, Args: cmd.Args, Err: ErrInProgress}
	}
	r.running = true
	r.mx.Unlock()

	res := r.run(ctx, cmd, lines)

	r.mx.Lock()
	r.running = false
	r.last = res
	r.mx.Unlock()
	return res
}

// LastResult returns the result of the last finished command or a result
// with ErrNotStarted.
func (r *Runner) LastResult() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.last
}

func (r *Runner) run(ctx context.Context, cmd Command, lines LineFunc) Result {
	res := Result{
		Path: cmd.Path,
		Args: append([]string(nil), cmd.Args...),
	}
	if lines == nil {
		lines = func(context.Context, string, string) {}
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if cmd.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", cmd.Path)
	} else {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	}
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	c.WaitDelay = waitDelay

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	c.Stdout = outW
	c.Stderr = errW

	res.Started = time.Now().UTC()
	if err := c.Start(); err != nil {
		res.Stopped = time.Now().UTC()
		res.Err = err
		_ = outW.Close()
		_ = errW.Close()
		return res
	}

	var readers sync.WaitGroup
	readers.Go(func() { readLines(ctx, outR, StreamStdout, lines) })
	readers.Go(func() { readLines(ctx, errR, StreamStderr, lines) })

	err := c.Wait()
	res.Stopped = time.Now().UTC()
	_ = outW.Close()
	_ = errW.Close()
	readers.Wait()

	res.State = c.ProcessState
	res.Err = err
	res.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	return res
}

func readLines(ctx context.Context, rd io.Reader, stream string, lines LineFunc) {
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		lines(ctx, stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		slog.ErrorContext(ctx, "reading command output", "stream", stream, "error", err)
		// keep the writer unblocked until the process is gone
		_, _ = io.Copy(io.Discard, rd)
	}
}
