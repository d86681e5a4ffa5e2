package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("command not started")
	ErrInProgress = errors.New("command in progress")
)

type StderrFunc func(ctx context.Context, line string)

// Command describes a program to execute. Env replaces the environment of
// the process.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Runner runs a single instance of a command at a time.
type Runner struct {
	mx        sync.RWMutex
	running   bool
	done      chan struct{}
	result    Result
	maxStdout int
}

// NewRunner returns a runner keeping at most maxStdout bytes of the standard
// output, zero for no limit.
func NewRunner(maxStdout int) *Runner {
	done := make(chan struct{})
	close(done)
	return &Runner{
		done:      done,
		result:    Result{Err: ErrNotStarted},
		maxStdout: maxStdout,
	}
}

// Start runs the process and returns ErrInProgress or an exec error,
// otherwise nil. It does not wait for the command to finish, use Wait.
func (r *Runner) Start(ctx context.Context, proto Command, stdin io.Reader, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.running {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	cancel := context.CancelFunc(func() {})
	if proto.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		ctx, cancel = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = append([]string(nil), proto.Env...)
	cmd.Stdin = stdin
	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			cancel()
			return err
		}
	}
	buf := &bytes.Buffer{}
	r.result.Stdout = buf
	cmd.Stdout = &cappedWriter{buf: buf, limit: r.maxStdout}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}

	r.running = true
	r.done = make(chan struct{})
	go r.wait(ctx, cmd, cancel, stderr, stderrFunc)
	return nil
}

// stderr must be fully read before cmd.Wait closes it.
func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, cancel context.CancelFunc, stderr io.Reader, stderrFunc StderrFunc) {
	if stderr != nil {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			stderrFunc(ctx, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			slog.ErrorContext(ctx, "processing stderr", "error", err)
		}
	}
	err := cmd.Wait()
	cancel()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.running = false
	close(r.done)
}

// Wait returns the result of the last started command once it ends.
func (r *Runner) Wait(ctx context.Context) (Result, error) {
	r.mx.RLock()
	done := r.done
	r.mx.RUnlock()
	select {
	case <-done:
		return r.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run starts the command and waits for it.
func (r *Runner) Run(ctx context.Context, proto Command, stdin io.Reader, stderrFunc StderrFunc) (Result, error) {
	if err := r.Start(ctx, proto, stdin, stderrFunc); err != nil {
		return r.Result(), err
	}
	// the command context ends the process, so Wait can't block forever
	return r.Wait(context.WithoutCancel(ctx))
}

// Result returns the last command result, or a result with ErrNotStarted
// or ErrInProgress.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.running {
		res := r.result
		res.Err = ErrInProgress
		return res
	}
	return r.result
}

// cappedWriter drops everything past limit, so a chatty program does not
// fail on a short write.
type cappedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if w.limit <= 0 {
		return w.buf.Write(p)
	}
	if room := w.limit - w.buf.Len(); room > 0 {
		w.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}
