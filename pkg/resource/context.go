package resource

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/imagepipe/internal/metrics"
)

// Option configures the resource components
type Option func(*options)

type options struct {
	dispose  DisposeFunc
	pressure PressureFunc
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Recorder
}

func buildOptions(opts []Option) options {
	o := options{
		pressure: SystemPressure,
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithDispose sets the function called when a handle is evicted
func WithDispose(fn DisposeFunc) Option {
	return func(o *options) { o.dispose = fn }
}

// WithPressure replaces the memory pressure probe
func WithPressure(fn PressureFunc) Option {
	return func(o *options) { o.pressure = fn }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics publishes cache and breaker state
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// Context owns the shared inference state of one pipeline: the handle cache,
// the failure breaker and the backend blacklist.
type Context struct {
	Config    Config
	Manager   *Manager
	Breaker   *Breaker
	Blacklist *Blacklist
}

// NewContext builds the resource components. store may be nil.
func NewContext(cfg Config, store Store, opts ...Option) *Context {
	o := buildOptions(opts)
	return &Context{
		Config:    cfg,
		Manager:   NewManager(cfg, opts...),
		Breaker:   NewBreaker(cfg.FailureThreshold, o.metrics),
		Blacklist: NewBlacklist(store, opts...),
	}
}

// Start loads the blacklist and runs the idle sweep until ctx is done
func (c *Context) Start(ctx context.Context) error {
	if err := c.Blacklist.Load(ctx); err != nil {
		return err
	}
	go c.Manager.Run(ctx)
	return nil
}

// Close disposes every cached handle
func (c *Context) Close(ctx context.Context) error {
	return c.Manager.Close(ctx)
}
