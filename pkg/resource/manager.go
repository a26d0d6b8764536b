// Package resource caches model handles and tracks inference health.
//
// Handles are reference counted. A handle nobody holds is disposed either by
// the idle sweep or, when memory is tight, after a short grace period that a
// new Acquire cancels.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/imagepipe/internal/metrics"
)

// ErrManagerClosed is returned by Acquire after Close
var ErrManagerClosed = errors.New("resource manager closed")

// Config holds the cache and breaker settings
type Config struct {
	// IdleTimeout is how long an unreferenced handle survives the sweep
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	// GracePeriod delays disposal of a released handle under memory pressure
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`
	// SweepInterval is how often Run sweeps idle handles
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// PressureThreshold is the memory use fraction (0..1) above which released
	// handles are disposed early
	PressureThreshold float64 `json:"pressure_threshold" yaml:"pressure_threshold"`
	// FailureThreshold trips the breaker
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// BlacklistTTL is how long a failing backend is skipped
	BlacklistTTL time.Duration `json:"blacklist_ttl" yaml:"blacklist_ttl"`
}

// DefaultConfig returns the standard resource settings
func DefaultConfig() Config {
	return Config{
		IdleTimeout:       5 * time.Minute,
		GracePeriod:       30 * time.Second,
		SweepInterval:     time.Minute,
		PressureThreshold: 0.85,
		FailureThreshold:  3,
		BlacklistTTL:      24 * time.Hour,
	}
}

// LoadFunc creates the value for a handle on a cache miss
type LoadFunc func(ctx context.Context) (any, error)

// DisposeFunc releases a handle's value when it is evicted
type DisposeFunc func(ctx context.Context, key string, value any) error

// PressureFunc reports memory use as a fraction in [0,1]
type PressureFunc func() float64

// Handle is a cached model instance
type Handle struct {
	Key   string
	Value any

	refs     int
	lastUsed time.Time
	gen      uint64
	timer    *time.Timer
}

// Manager is the model handle cache
type Manager struct {
	cfg      Config
	dispose  DisposeFunc
	pressure PressureFunc
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Recorder

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// NewManager creates a handle cache
func NewManager(cfg Config, opts ...Option) *Manager {
	o := buildOptions(opts)
	return &Manager{
		cfg:      cfg,
		dispose:  o.dispose,
		pressure: o.pressure,
		now:      o.now,
		logger:   o.logger,
		metrics:  o.metrics,
		handles:  make(map[string]*Handle),
	}
}

// Acquire returns the handle for key, loading it on a miss. Every successful
// Acquire must be paired with a Release.
func (m *Manager) Acquire(ctx context.Context, key string, load LoadFunc) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if h, ok := m.handles[key]; ok {
		m.retain(h)
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	value, err := load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.disposeValue(ctx, key, value)
		return nil, ErrManagerClosed
	}
	if h, ok := m.handles[key]; ok {
		// loaded concurrently; keep the cached one
		m.retain(h)
		m.mu.Unlock()
		m.disposeValue(ctx, key, value)
		return h, nil
	}
	h := &Handle{Key: key, Value: value, refs: 1, lastUsed: m.now()}
	m.handles[key] = h
	n := len(m.handles)
	m.mu.Unlock()

	m.metrics.SetHandles(n)
	m.logger.Debug("model handle loaded", zap.String("key", key))
	return h, nil
}

// retain must be called with m.mu held
func (m *Manager) retain(h *Handle) {
	h.refs++
	h.gen++
	h.lastUsed = m.now()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// Release drops one reference. Under memory pressure an unreferenced handle
// is scheduled for disposal after the grace period.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if h.refs > 0 {
		h.refs--
	}
	h.lastUsed = m.now()
	if h.refs > 0 || m.closed || m.handles[h.Key] != h {
		return
	}

	p := m.pressure()
	if p <= m.cfg.PressureThreshold {
		return
	}
	gen := h.gen
	m.logger.Debug("memory pressure, scheduling disposal",
		zap.String("key", h.Key), zap.Float64("pressure", p), zap.Duration("grace", m.cfg.GracePeriod))
	h.timer = time.AfterFunc(m.cfg.GracePeriod, func() {
		m.expire(h, gen)
	})
}

func (m *Manager) expire(h *Handle, gen uint64) {
	m.mu.Lock()
	if m.handles[h.Key] != h || h.refs > 0 || h.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.handles, h.Key)
	h.timer = nil
	n := len(m.handles)
	m.mu.Unlock()

	m.metrics.SetHandles(n)
	m.evict(context.Background(), h, "memory pressure")
}

// Sweep disposes unreferenced handles idle for longer than IdleTimeout and
// returns how many it removed
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var idle []*Handle
	for key, h := range m.handles {
		if h.refs == 0 && now.Sub(h.lastUsed) > m.cfg.IdleTimeout {
			if h.timer != nil {
				h.timer.Stop()
				h.timer = nil
			}
			delete(m.handles, key)
			idle = append(idle, h)
		}
	}
	n := len(m.handles)
	m.mu.Unlock()

	if len(idle) > 0 {
		m.metrics.SetHandles(n)
	}
	for _, h := range idle {
		m.evict(ctx, h, "idle")
	}
	return len(idle)
}

// Run sweeps every SweepInterval until ctx is done
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Len returns the number of cached handles
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Refs returns the reference count of key, or -1 when it is not cached
func (m *Manager) Refs(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[key]; ok {
		return h.refs
	}
	return -1
}

// LastUsed returns when key was last acquired or released
func (m *Manager) LastUsed(key string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.handles[key]; ok {
		return h.lastUsed, true
	}
	return time.Time{}, false
}

// Close disposes every handle; later Acquire calls fail
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		if h.timer != nil {
			h.timer.Stop()
			h.timer = nil
		}
		all = append(all, h)
	}
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	m.metrics.SetHandles(0)
	var errs []error
	for _, h := range all {
		if err := m.evict(ctx, h, "close"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) evict(ctx context.Context, h *Handle, reason string) error {
	m.metrics.Eviction()
	m.logger.Info("model handle evicted", zap.String("key", h.Key), zap.String("reason", reason))
	return m.disposeValue(ctx, h.Key, h.Value)
}

func (m *Manager) disposeValue(ctx context.Context, key string, value any) error {
	if m.dispose == nil {
		return nil
	}
	if err := m.dispose(ctx, key, value); err != nil {
		m.logger.Warn("failed to dispose model handle", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("dispose %s: %w", key, err)
	}
	return nil
}
