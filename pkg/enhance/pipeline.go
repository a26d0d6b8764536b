// Package enhance runs restoration models over an image tile by tile.
package enhance

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/menta2k/imagepipe/internal/metrics"
	"github.com/menta2k/imagepipe/pkg/models"
	"github.com/menta2k/imagepipe/pkg/resource"
	"github.com/menta2k/imagepipe/pkg/tiling"
	"github.com/menta2k/imagepipe/pkg/types"
	"github.com/menta2k/imagepipe/pkg/worker"
)

const (
	DefaultTileSize = 512
	DefaultTimeout  = 2 * time.Minute
)

// ProgressFunc is called after every tile and task pair
type ProgressFunc func(done, total int)

// Pipeline sends every tile through an ordered list of tasks
type Pipeline struct {
	caller  worker.Caller
	loader  *models.Loader
	breaker *resource.Breaker

	tileSize int
	overlap  int
	timeout  time.Duration
	logger   *zap.Logger
	metrics  *metrics.Recorder
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithTileSize sets the model input size
func WithTileSize(n int) Option {
	return func(p *Pipeline) { p.tileSize = n }
}

// WithOverlap enables overlapping tiles with n context pixels per interior edge
func WithOverlap(n int) Option {
	return func(p *Pipeline) { p.overlap = n }
}

// WithTimeout bounds each worker call
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a pipeline. Model handles come from loader, failures are
// counted on the breaker of resources.
func New(caller worker.Caller, loader *models.Loader, resources *resource.Context, opts ...Option) *Pipeline {
	p := &Pipeline{
		caller:   caller,
		loader:   loader,
		breaker:  resources.Breaker,
		tileSize: DefaultTileSize,
		timeout:  DefaultTimeout,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ModelIDs returns the model used for each task, in order
func (p *Pipeline) ModelIDs(tasks []types.Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		e, err := p.loader.Catalog().ForTask(t)
		if err != nil {
			return nil, err
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// Run applies tasks in order to every tile and stitches the result. An empty
// task list returns img unchanged without touching the worker.
func (p *Pipeline) Run(ctx context.Context, img *image.NRGBA, tasks []types.Task, progress ProgressFunc) (*image.NRGBA, error) {
	if len(tasks) == 0 {
		return img, nil
	}
	if err := p.breaker.Allow(); err != nil {
		return nil, err
	}

	entries := make([]models.Entry, len(tasks))
	for i, t := range tasks {
		e, err := p.loader.Catalog().ForTask(t)
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}

	b := img.Bounds()
	tiles, err := tiling.Plan(b.Dx(), b.Dy(), p.tileSize, p.overlap)
	if err != nil {
		return nil, err
	}

	p.logger.Info("enhancing image",
		zap.Int("width", b.Dx()), zap.Int("height", b.Dy()),
		zap.Int("tiles", len(tiles)), zap.Int("overlap", p.overlap),
		zap.Any("tasks", tasks))

	canvas := tiling.NewCanvas(b.Dx(), b.Dy(), 1)
	total := len(tiles) * len(tasks)
	done := 0
	for _, t := range tiles {
		start := time.Now()
		cur := tiling.Extract(img, t)
		for i, task := range tasks {
			out, err := p.runTask(ctx, cur, task, entries[i])
			if err != nil {
				return nil, fmt.Errorf("tile %d, task %s: %w", t.Index, task, err)
			}
			cur = out
			done++
			if progress != nil {
				progress(done, total)
			}
		}
		if err := canvas.Put(t, cur); err != nil {
			return nil, err
		}
		p.metrics.ObserveTile(time.Since(start))
	}
	return canvas.Image(), nil
}

func (p *Pipeline) runTask(ctx context.Context, tile *image.NRGBA, task types.Task, e models.Entry) (*image.NRGBA, error) {
	h, m, err := p.loader.Acquire(ctx, e)
	if err != nil {
		return nil, err
	}
	defer p.loader.Release(h)

	op := worker.OpRestore
	if !task.IsRestoration() {
		op = worker.OpEnhance
	}
	cfg := m.WorkerConfig()
	cfg.Task = string(task)
	cfg.TileSize = p.tileSize

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.caller.Call(callCtx, worker.Request{Op: op, Config: cfg, Pixels: worker.PixelsFromImage(tile)})
	if err == nil {
		var out *image.NRGBA
		out, err = resp.Pixels.Image()
		if err == nil && out.Bounds().Size() != tile.Bounds().Size() {
			err = fmt.Errorf("model returned %v for a %v tile", out.Bounds().Size(), tile.Bounds().Size())
		}
		if err == nil {
			p.breaker.RecordSuccess()
			return out, nil
		}
	}

	if ctx.Err() == nil || errors.Is(err, worker.ErrTimeout) {
		if p.breaker.RecordFailure() {
			p.logger.Error("inference disabled after repeated failures", zap.Int("failures", p.breaker.Failures()))
		}
	}
	return nil, err
}
