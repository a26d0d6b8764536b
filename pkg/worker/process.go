package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProcessConfig describes the worker binary to spawn
type ProcessConfig struct {
	Path string
	Args []string
	Env  []string
	// WriteTimeout bounds a single stdin write
	WriteTimeout time.Duration
	// StopTimeout is how long Close waits before killing the process
	StopTimeout time.Duration
}

// ProcessTransport runs the worker as a child process speaking framed msgpack
// over stdin and stdout. Stderr lines are forwarded to the logger.
type ProcessTransport struct {
	cfg    ProcessConfig
	logger *zap.Logger

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout *bufio.Reader

	writeMu   sync.Mutex
	exited    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// StartProcess spawns the worker binary
func StartProcess(ctx context.Context, cfg ProcessConfig, logger *zap.Logger) (*ProcessTransport, error) {
	if cfg.Path == "" {
		return nil, errors.New("worker binary path is empty")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.Path, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	t := &ProcessTransport{
		cfg:    cfg,
		logger: logger.With(zap.String("worker", cfg.Path), zap.Int("pid", cmd.Process.Pid)),
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 1<<20),
		exited: make(chan struct{}),
	}
	t.logger.Info("worker process spawned")

	t.wg.Add(2)
	go t.logStderr(stderr)
	go t.waitProcess(ctx)
	return t, nil
}

// Send writes one framed request, giving up after WriteTimeout
func (t *ProcessTransport) Send(req Request) error {
	select {
	case <-t.exited:
		return ErrClosed
	default:
	}

	errc := make(chan error, 1)
	go func() {
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		errc <- WriteFrame(t.stdin, req)
	}()

	select {
	case err := <-errc:
		return err
	case <-time.After(t.cfg.WriteTimeout):
		return fmt.Errorf("stdin write timeout (worker may be hung): %w", ErrTimeout)
	case <-t.exited:
		return ErrClosed
	}
}

// Recv reads the next framed response
func (t *ProcessTransport) Recv() (Response, error) {
	var resp Response
	if err := ReadFrame(t.stdout, &resp); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Response{}, fmt.Errorf("worker stdout closed: %w", ErrClosed)
		}
		return Response{}, err
	}
	return resp, nil
}

// logStderr forwards worker log lines, mapping their level tags
func (t *ProcessTransport) logStderr(r io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "\"level\":\"error\"", "ERROR"):
			t.logger.Error("worker error", zap.String("log", line))
		case containsAny(line, "[WARN]", "[WARNING]", "\"level\":\"warn\"", "WARN"):
			t.logger.Warn("worker warning", zap.String("log", line))
		default:
			t.logger.Debug("worker log", zap.String("log", line))
		}
	}
}

// waitProcess reaps the child so it never lingers as a zombie
func (t *ProcessTransport) waitProcess(ctx context.Context) {
	defer t.wg.Done()
	err := t.cmd.Wait()
	close(t.exited)

	switch {
	case err == nil:
		t.logger.Info("worker process exited cleanly")
	case ctx.Err() != nil:
		t.logger.Debug("worker process exited (shutdown)")
	default:
		t.logger.Error("worker process exited unexpectedly", zap.Error(err))
	}
}

// Close closes stdin so the worker exits, killing it after StopTimeout
func (t *ProcessTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.stdin.Close()

		select {
		case <-t.exited:
		case <-time.After(t.cfg.StopTimeout):
			t.logger.Warn("worker stop timeout, killing process")
			t.cancel()
		}
		t.wg.Wait()
		t.cancel()
	})
	return nil
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
