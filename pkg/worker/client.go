package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/menta2k/imagepipe/internal/metrics"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMailboxSize = 16
)

type result struct {
	resp Response
	err  error
}

// Client correlates requests and responses over a Transport
type Client struct {
	transport Transport
	timeout   time.Duration
	logger    *zap.Logger
	metrics   *metrics.Recorder

	mailbox chan Request

	mu      sync.Mutex
	pending map[string]chan result
	err     error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Client
type Option func(*clientOptions)

type clientOptions struct {
	timeout     time.Duration
	mailboxSize int
	logger      *zap.Logger
	metrics     *metrics.Recorder
}

// WithTimeout bounds every call that has no earlier deadline
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.timeout = d }
}

// WithMailboxSize sets how many requests may queue for the transport
func WithMailboxSize(n int) Option {
	return func(o *clientOptions) { o.mailboxSize = n }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithMetrics counts calls by op and outcome
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *clientOptions) { o.metrics = m }
}

// NewClient starts the send and receive loops over t
func NewClient(t Transport, opts ...Option) *Client {
	o := clientOptions{
		timeout:     defaultTimeout,
		mailboxSize: defaultMailboxSize,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		transport: t,
		timeout:   o.timeout,
		logger:    o.logger,
		metrics:   o.metrics,
		mailbox:   make(chan Request, max(o.mailboxSize, 1)),
		pending:   make(map[string]chan result),
		done:      make(chan struct{}),
	}

	c.wg.Add(2)
	go c.sendLoop()
	go c.recvLoop()
	return c
}

// Call sends req and waits for the matching response. Requests without an ID
// get a fresh one.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ch := make(chan result, 1)
	if err := c.register(req.ID, ch); err != nil {
		return Response{}, err
	}
	defer c.unregister(req.ID)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.await(ctx, req, ch)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	c.metrics.WorkerCall(string(req.Op), outcome)
	c.logger.Debug("worker call",
		zap.String("op", string(req.Op)),
		zap.String("id", req.ID),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", time.Since(start)))
	return resp, err
}

func (c *Client) await(ctx context.Context, req Request, ch chan result) (Response, error) {
	select {
	case c.mailbox <- req:
	case <-ctx.Done():
		return Response{}, c.ctxErr(ctx, req)
	case <-c.done:
		return Response{}, c.closedErr()
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return Response{}, r.err
		}
		if r.resp.Error != "" {
			return r.resp, &RemoteError{Op: req.Op, ID: req.ID, Message: r.resp.Error}
		}
		return r.resp, nil
	case <-ctx.Done():
		return Response{}, c.ctxErr(ctx, req)
	case <-c.done:
		return Response{}, c.closedErr()
	}
}

func (c *Client) ctxErr(ctx context.Context, req Request) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", req.Op, req.ID, ErrTimeout)
	}
	return ctx.Err()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.err)
	}
	return ErrClosed
}

func (c *Client) register(id string, ch chan result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if _, dup := c.pending[id]; dup {
		return fmt.Errorf("request id %s already in flight", id)
	}
	c.pending[id] = ch
	return nil
}

func (c *Client) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) deliver(id string, r result) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("discarding reply for unknown or expired request", zap.String("id", id))
		return
	}
	select {
	case ch <- r:
	default:
	}
}

func (c *Client) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case req := <-c.mailbox:
			if err := c.transport.Send(req); err != nil {
				c.logger.Warn("failed to send worker request",
					zap.String("op", string(req.Op)), zap.String("id", req.ID), zap.Error(err))
				c.deliver(req.ID, result{err: fmt.Errorf("send %s: %w", req.Op, err)})
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	for {
		resp, err := c.transport.Recv()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.deliver(resp.ID, result{resp: resp})
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if cause != nil && !errors.Is(cause, ErrClosed) {
			c.err = cause
			c.logger.Warn("worker connection lost", zap.Error(cause))
		}
		c.mu.Unlock()
		close(c.done)
	})
}

// Close stops the loops and closes the transport
func (c *Client) Close() error {
	c.shutdown(nil)
	err := c.transport.Close()
	c.wg.Wait()
	return err
}
