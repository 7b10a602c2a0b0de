package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/jobserver/internal/job"
	"github.com/mattjoyce/jobserver/internal/log"
	"github.com/mattjoyce/jobserver/internal/protocol"
	"github.com/mattjoyce/jobserver/internal/request"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a plugin run.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second

	// StderrKey holds captured stderr on failed responses.
	StderrKey = "Stderr"
)

// Exec runs one request through a plugin executable.
type Exec struct {
	job.Base
	plugin *Plugin
	typ    string
	grace  time.Duration
	logger *slog.Logger
}

// ExecFactory returns a factory creating Exec jobs for typ.
func ExecFactory(p *Plugin, typ string, logger *slog.Logger) job.Factory {
	if logger == nil {
		logger = log.WithComponent("plugin")
	}
	return func() (job.Job, error) {
		return &Exec{plugin: p, typ: typ, grace: terminationGracePeriod, logger: logger.With("plugin", p.Name)}, nil
	}
}

func (e *Exec) Type() string { return e.typ }

// outcome is what the stdout reader saw.
type outcome struct {
	result *protocol.Line
	err    error
}

// Execute spawns the plugin, writes the request to stdin and turns the JSON
// lines it prints into progress and final responses.
func (e *Exec) Execute(ctx context.Context, progress chan<- *request.Response) (*request.Response, error) {
	logger := log.WithRequest(e.logger, e.RequestID).With("type", e.typ)
	timeout := e.plugin.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Don't use CommandContext: termination is SIGTERM first, then SIGKILL.
	cmd := exec.Command(e.plugin.Entrypoint)
	cmd.Dir = e.plugin.Path
	cmd.WaitDelay = e.grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	logger.Debug("spawning plugin", "entrypoint", e.plugin.Entrypoint, "timeout", timeout.String())
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	req := &protocol.Request{
		Protocol:   protocol.Version,
		RequestID:  e.RequestID,
		Type:       e.typ,
		Data:       e.RequestData,
		DeadlineAt: time.Now().Add(timeout).UTC(),
	}
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			logger.Warn("failed to write request to plugin", "error", err)
		}
	}()

	read := make(chan outcome, 1)
	go func() { read <- e.readLines(ctx, pr, progress) }()

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	var (
		exitErr error
		reason  string
	)
	select {
	case exitErr = <-waitErr:
	case <-timer.C:
		reason = fmt.Sprintf("plugin timed out after %s", timeout)
		exitErr = e.terminate(cmd, waitErr, logger)
	case <-ctx.Done():
		reason = "cancelled"
		exitErr = e.terminate(cmd, waitErr, logger)
	}
	out := <-read

	if reason != "" {
		return e.failed(reason, stderr.String()), nil
	}
	if out.err != nil {
		logger.Error("invalid plugin output", "error", out.err)
		return e.failed(fmt.Sprintf("invalid plugin output: %v", out.err), stderr.String()), nil
	}

	var ee *exec.ExitError
	if exitErr != nil && !errors.As(exitErr, &ee) {
		return nil, fmt.Errorf("wait for process: %w", exitErr)
	}
	if out.result == nil {
		code := 0
		if ee != nil {
			code = ee.ExitCode()
		}
		return e.failed(fmt.Sprintf("plugin exited without a result (exit code %d)", code), stderr.String()), nil
	}
	if ee != nil {
		logger.Warn("plugin exited with non-zero status", "exit_code", ee.ExitCode())
	}

	resp := out.result.Response(e.RequestID)
	if resp.State == request.Failed {
		addStderr(resp, stderr.String())
	}
	return resp, nil
}

// readLines consumes stdout to EOF. Progress lines are forwarded as they
// arrive and the last result line is kept. The pipe is always drained so the
// child never blocks on a full stdout.
func (e *Exec) readLines(ctx context.Context, r io.Reader, progress chan<- *request.Response) outcome {
	var out outcome
	lr := protocol.NewReader(r)
	for {
		l, err := lr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			out.err = err
			_, _ = io.Copy(io.Discard, r)
			return out
		}
		if l.Kind == protocol.KindResult {
			out.result = l
			continue
		}
		resp := l.Response(e.RequestID)
		e.Progress(ctx, progress, resp.State, resp.Data)
	}
}

// terminate sends SIGTERM, then SIGKILL once the grace period expires, and
// returns the wait error.
func (e *Exec) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) error {
	logger.Warn("stopping plugin, sending SIGTERM")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	select {
	case err := <-waitErr:
		logger.Info("plugin exited after SIGTERM")
		return err
	case <-grace.C:
		logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		return <-waitErr
	}
}

func (e *Exec) failed(msg, stderr string) *request.Response {
	resp := request.NewFailed(e.RequestID, msg)
	addStderr(resp, stderr)
	return resp
}

func addStderr(resp *request.Response, stderr string) {
	if s := strings.TrimSpace(stderr); s != "" && resp.Data != nil {
		resp.Data.AddString(StderrKey, s)
	}
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
