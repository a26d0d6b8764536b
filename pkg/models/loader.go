package models

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/menta2k/imagepipe/internal/metrics"
	"github.com/menta2k/imagepipe/pkg/resource"
	"github.com/menta2k/imagepipe/pkg/worker"
)

// Config controls where models come from and how they are brought up
type Config struct {
	// Dir is the local model directory
	Dir string `json:"dir" yaml:"dir"`
	// CacheDir receives downloaded models
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`
	// BaseURL is the remote model source; empty disables downloads
	BaseURL string `json:"base_url" yaml:"base_url"`
	// Backends are tried in order, e.g. cuda then cpu
	Backends []string `json:"backends" yaml:"backends"`
	// Retries is the number of download retries after the first attempt
	Retries int `json:"retries" yaml:"retries"`
	// RetryWait is the first backoff; it doubles up to RetryMaxWait
	RetryWait    time.Duration `json:"retry_wait" yaml:"retry_wait"`
	RetryMaxWait time.Duration `json:"retry_max_wait" yaml:"retry_max_wait"`
	// DownloadTimeout bounds one download attempt
	DownloadTimeout time.Duration `json:"download_timeout" yaml:"download_timeout"`
	// Warmup sends a warmup request after a successful preload
	Warmup bool `json:"warmup" yaml:"warmup"`
}

// DefaultConfig returns the standard model settings
func DefaultConfig() Config {
	cache := filepath.Join(os.TempDir(), "imagepipe-models")
	if dir, err := os.UserCacheDir(); err == nil {
		cache = filepath.Join(dir, "imagepipe", "models")
	}
	return Config{
		Dir:             "models",
		CacheDir:        cache,
		Backends:        []string{"cpu"},
		Retries:         3,
		RetryWait:       time.Second,
		RetryMaxWait:    30 * time.Second,
		DownloadTimeout: 10 * time.Minute,
		Warmup:          true,
	}
}

var (
	// ErrNoBackend is returned when every usable backend fails to load a model
	ErrNoBackend = errors.New("no usable execution backend")

	errNoRemote = errors.New("no remote model source configured")
)

// LoadError reports why a model could be found neither remotely nor locally
type LoadError struct {
	ModelID string
	Remote  error
	Local   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("model %s unavailable: remote: %v; local: %v", e.ModelID, e.Remote, e.Local)
}

// Unwrap exposes both causes to errors.Is and errors.As
func (e *LoadError) Unwrap() []error {
	return []error{e.Remote, e.Local}
}

// Model is a model loaded in the worker. It is the value of a resource handle.
type Model struct {
	Entry
	Path    string
	Backend string
}

// WorkerConfig returns the request config addressing this model. Upscale
// models carry their factor so the worker sizes the output tensor on preload.
func (m *Model) WorkerConfig() worker.Config {
	return worker.Config{ModelPath: m.Path, ModelID: m.ID, Backend: m.Backend, Scale: m.Scale}
}

// Loader resolves model files and preloads them in the worker through the
// resource manager's handle cache
type Loader struct {
	catalog   *Catalog
	cfg       Config
	caller    worker.Caller
	resources *resource.Context
	http      *resty.Client
	logger    *zap.Logger
	metrics   *metrics.Recorder

	mu     sync.Mutex
	faults map[string]map[string]bool
}

// Option configures a Loader
type Option func(*Loader)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(ld *Loader) { ld.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Recorder) Option {
	return func(ld *Loader) { ld.metrics = m }
}

// WithHTTPClient replaces the download client
func WithHTTPClient(c *resty.Client) Option {
	return func(ld *Loader) { ld.http = c }
}

// NewLoader creates a loader. The catalog directory is used as the local source.
func NewLoader(catalog *Catalog, caller worker.Caller, resources *resource.Context, cfg Config, opts ...Option) *Loader {
	if len(cfg.Backends) == 0 {
		cfg.Backends = []string{"cpu"}
	}
	l := &Loader{
		catalog:   catalog,
		cfg:       cfg,
		caller:    caller,
		resources: resources,
		logger:    zap.NewNop(),
		faults:    make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.http == nil {
		l.http = resty.New().
			SetTimeout(cfg.DownloadTimeout).
			SetRetryCount(cfg.Retries).
			SetRetryWaitTime(cfg.RetryWait).
			SetRetryMaxWaitTime(cfg.RetryMaxWait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r != nil && (r.StatusCode() >= 500 || r.StatusCode() == 429)
			}).
			SetHeader("User-Agent", "imagepipe/1.0")
	}
	return l
}

// Catalog returns the catalog the loader resolves against
func (l *Loader) Catalog() *Catalog {
	return l.catalog
}

// Acquire returns the cached handle for e, loading the model on a miss. The
// handle's Value is a *Model. Release it when the call is done.
func (l *Loader) Acquire(ctx context.Context, e Entry) (*resource.Handle, *Model, error) {
	h, err := l.resources.Manager.Acquire(ctx, e.ID, func(ctx context.Context) (any, error) {
		return l.load(ctx, e)
	})
	if err != nil {
		return nil, nil, err
	}
	return h, h.Value.(*Model), nil
}

// Release returns a handle obtained from Acquire
func (l *Loader) Release(h *resource.Handle) {
	l.resources.Manager.Release(h)
}

func (l *Loader) load(ctx context.Context, e Entry) (*Model, error) {
	p, err := l.Resolve(ctx, e)
	if err != nil {
		return nil, err
	}

	var lastErr error
	last := len(l.cfg.Backends) - 1
	for i, backend := range l.cfg.Backends {
		// the last backend is the floor and is always tried
		if i < last && l.resources.Blacklist.Blocked(ctx, backend) {
			l.logger.Debug("skipping blacklisted backend", zap.String("backend", backend), zap.String("model", e.ID))
			continue
		}
		m := &Model{Entry: e, Path: p, Backend: backend}
		_, err := l.caller.Call(ctx, worker.Request{Op: worker.OpPreload, Config: m.WorkerConfig()})
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			if i < last && l.backendFault(backend, e.ID, err) {
				l.logger.Warn("preload failed, blacklisting backend",
					zap.String("backend", backend), zap.String("model", e.ID), zap.Error(err))
				if berr := l.resources.Blacklist.Add(ctx, backend, l.resources.Config.BlacklistTTL); berr != nil {
					l.logger.Warn("failed to persist blacklist entry", zap.String("backend", backend), zap.Error(berr))
				}
			} else {
				l.logger.Warn("preload failed", zap.String("backend", backend), zap.String("model", e.ID), zap.Error(err))
			}
			continue
		}
		l.clearFaults(backend)

		if l.cfg.Warmup {
			if _, err := l.caller.Call(ctx, worker.Request{Op: worker.OpWarmup, Config: m.WorkerConfig()}); err != nil {
				l.logger.Warn("warmup failed", zap.String("model", e.ID), zap.Error(err))
			}
		}
		l.logger.Info("model loaded", zap.String("model", e.ID), zap.String("backend", backend), zap.String("path", p))
		return m, nil
	}

	return nil, fmt.Errorf("model %s: %w: %w", e.ID, ErrNoBackend, lastErr)
}

// backendFault reports whether a preload failure belongs to the backend
// rather than the model: an execution provider error, or the backend failing
// for a second distinct model.
func (l *Loader) backendFault(backend, modelID string, err error) bool {
	if strings.Contains(strings.ToLower(err.Error()), "provider") {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	failed := l.faults[backend]
	if failed == nil {
		failed = make(map[string]bool)
		l.faults[backend] = failed
	}
	failed[modelID] = true
	return len(failed) >= 2
}

func (l *Loader) clearFaults(backend string) {
	l.mu.Lock()
	delete(l.faults, backend)
	l.mu.Unlock()
}

// Resolve returns a path to the model file, downloading it into the cache
// when a remote source is configured and falling back to the local directory.
func (l *Loader) Resolve(ctx context.Context, e Entry) (string, error) {
	remotePath, remoteErr := l.fetch(ctx, e)
	if remoteErr == nil {
		return remotePath, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	localPath := l.catalog.Path(e)
	info, err := os.Stat(localPath)
	if err == nil && info.IsDir() {
		err = fmt.Errorf("%s is a directory", localPath)
	}
	if err != nil {
		return "", &LoadError{ModelID: e.ID, Remote: remoteErr, Local: err}
	}
	if !errors.Is(remoteErr, errNoRemote) {
		l.logger.Warn("remote model unavailable, using local copy",
			zap.String("model", e.ID), zap.String("path", localPath), zap.Error(remoteErr))
		l.metrics.Fallback("model_local")
	}
	return localPath, nil
}

func (l *Loader) fetch(ctx context.Context, e Entry) (string, error) {
	if l.cfg.BaseURL == "" {
		return "", errNoRemote
	}
	dest := filepath.Join(l.cfg.CacheDir, e.RelPath())
	if exists(dest) {
		return dest, nil
	}

	src, err := modelURL(l.cfg.BaseURL, e)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp := dest + ".part"
	start := time.Now()
	resp, err := l.http.R().SetContext(ctx).SetOutput(tmp).Get(src)
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("download %s: %w", src, err)
	}
	if resp.IsError() {
		os.Remove(tmp)
		return "", fmt.Errorf("download %s: HTTP %s", src, resp.Status())
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to store model: %w", err)
	}

	l.logger.Info("model downloaded",
		zap.String("model", e.ID), zap.String("url", src), zap.Duration("took", time.Since(start)))
	return dest, nil
}

func modelURL(base string, e Entry) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid model base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid model base URL %q: scheme must be http or https", base)
	}
	u.Path = path.Join("/", strings.TrimSuffix(u.Path, "/"), string(e.Kind), e.FileName())
	return u.String(), nil
}

// Disposer returns the resource manager hook that unloads a model from the
// worker when its handle is evicted
func Disposer(caller worker.Caller) resource.DisposeFunc {
	return func(ctx context.Context, key string, value any) error {
		cfg := worker.Config{ModelID: key}
		if m, ok := value.(*Model); ok {
			cfg = m.WorkerConfig()
		}
		_, err := caller.Call(ctx, worker.Request{Op: worker.OpDispose, Config: cfg})
		return err
	}
}
