package onnx

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/menta2k/imagepipe/pkg/worker"
)

// DefaultTileSize is used for models with dynamic input dimensions
const DefaultTileSize = 256

// Runtime owns the ONNX Runtime environment and the loaded sessions. It is the
// request handler of the worker binary.
type Runtime struct {
	logger *zap.Logger
	tile   int

	mu       sync.Mutex
	sessions map[string]*Session
	open     func(cfg worker.Config, tile int) (*Session, error)
}

// NewRuntime initializes ONNX Runtime from the shared library at libPath, or
// from the platform default when libPath is empty
func NewRuntime(libPath string, logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}
	logger.Info("onnxruntime initialized", zap.String("library", libPath))
	return newRuntime(logger, newSession), nil
}

func newRuntime(logger *zap.Logger, open func(worker.Config, int) (*Session, error)) *Runtime {
	return &Runtime{
		logger:   logger,
		tile:     DefaultTileSize,
		sessions: make(map[string]*Session),
		open:     open,
	}
}

// Handle serves one worker request
func (r *Runtime) Handle(ctx context.Context, req worker.Request) worker.Response {
	resp := worker.Response{ID: req.ID, Op: req.Op}
	fail := func(err error) worker.Response {
		r.logger.Warn("request failed", zap.String("op", string(req.Op)), zap.String("model", req.Config.ModelID), zap.Error(err))
		resp.Error = err.Error()
		return resp
	}

	switch req.Op {
	case worker.OpPreload:
		if _, err := r.session(req.Config); err != nil {
			return fail(err)
		}
	case worker.OpWarmup:
		s, err := r.session(req.Config)
		if err != nil {
			return fail(err)
		}
		if err := s.Warmup(); err != nil {
			return fail(fmt.Errorf("warmup %s: %w", s.ID, err))
		}
	case worker.OpDispose:
		r.dispose(req.Config.ModelID)
	case worker.OpRestore, worker.OpEnhance, worker.OpUpscale:
		s, err := r.session(req.Config)
		if err != nil {
			return fail(err)
		}
		img, err := req.Pixels.Image()
		if err != nil {
			return fail(err)
		}
		out, err := s.Process(img)
		if err != nil {
			return fail(fmt.Errorf("%s %s: %w", req.Op, s.ID, err))
		}
		resp.Pixels = worker.PixelsFromImage(out)
	default:
		return fail(fmt.Errorf("operation %q is not served by this worker", req.Op))
	}
	return resp
}

func (r *Runtime) session(cfg worker.Config) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[cfg.ModelID]; ok {
		if s.Fits(cfg) {
			return s, nil
		}
		delete(r.sessions, cfg.ModelID)
		r.logger.Info("reopening session",
			zap.String("model", cfg.ModelID),
			zap.Int("scale", s.Scale), zap.Int("requested_scale", max(cfg.Scale, 1)),
			zap.Int("tile", s.requestedTile), zap.Int("requested_tile", cfg.TileSize))
		if s.session != nil {
			s.Destroy()
		}
	}
	s, err := r.open(cfg, r.tile)
	if err != nil {
		return nil, err
	}
	r.sessions[cfg.ModelID] = s
	r.logger.Info("session created",
		zap.String("model", cfg.ModelID), zap.String("backend", cfg.Backend),
		zap.Int("tile", s.Tile), zap.Int("scale", s.Scale))
	return s, nil
}

func (r *Runtime) dispose(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok && s.session != nil {
		s.Destroy()
		r.logger.Info("session disposed", zap.String("model", id))
	}
}

// Loaded returns the number of live sessions
func (r *Runtime) Loaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close destroys every session and the environment
func (r *Runtime) Close() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.dispose(id)
	}
	return ort.DestroyEnvironment()
}
