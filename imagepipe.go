// Package imagepipe provides content-aware image transformation: subject-aware
// cropping, tiled model enhancement and upscaling with deterministic fallbacks.
//
// Basic usage:
//
//	cfg := imagepipe.DefaultConfig()
//	cfg.Worker.Path = "imagepipe-worker"
//
//	p, err := imagepipe.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer p.Close()
//
//	res, err := p.Process(ctx, img, imagepipe.Request{
//		Tasks: []types.Task{types.TaskDenoise},
//		Scale: 2,
//		Crop:  &types.CropRequest{Width: 1200, Height: 630, Strategy: types.StrategySmart},
//	})
//
// The pipeline is made of these building blocks:
//
//  1. Cropper (pkg/cropper): detection scoring, crop windows and focal-point fallback
//  2. Enhance (pkg/enhance): per-tile restoration models run in the inference worker
//  3. Upscale (pkg/upscale): super-resolution with a resample fallback
//  4. Resource (pkg/resource): model handle cache, failure breaker and backend blacklist
//
// Every result carries types.Metadata describing which path produced it.
package imagepipe

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"go.uber.org/zap"

	"github.com/menta2k/imagepipe/internal/config"
	"github.com/menta2k/imagepipe/internal/metrics"
	"github.com/menta2k/imagepipe/internal/store"
	"github.com/menta2k/imagepipe/pkg/cropper"
	"github.com/menta2k/imagepipe/pkg/detection"
	"github.com/menta2k/imagepipe/pkg/enhance"
	"github.com/menta2k/imagepipe/pkg/models"
	"github.com/menta2k/imagepipe/pkg/ollama"
	"github.com/menta2k/imagepipe/pkg/processing"
	"github.com/menta2k/imagepipe/pkg/resource"
	"github.com/menta2k/imagepipe/pkg/scoring"
	"github.com/menta2k/imagepipe/pkg/types"
	"github.com/menta2k/imagepipe/pkg/upscale"
	"github.com/menta2k/imagepipe/pkg/worker"
)

// Version of the imagepipe library
const Version = "2.0.0"

// Config is the pipeline configuration
type Config = config.Config

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a JSON or YAML configuration file and applies IMAGEPIPE_*
// environment overrides
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Stage is one step of Process
type Stage string

const (
	StageEnhance Stage = "enhance"
	StageUpscale Stage = "upscale"
	StageCrop    Stage = "crop"
)

// DefaultOrder is the stage order used when Request.Order is empty
var DefaultOrder = []Stage{StageEnhance, StageUpscale, StageCrop}

// ParseStages parses a comma separated stage list
func ParseStages(s []string) ([]Stage, error) {
	stages := make([]Stage, 0, len(s))
	for _, name := range s {
		st := Stage(name)
		switch st {
		case StageEnhance, StageUpscale, StageCrop:
			stages = append(stages, st)
		default:
			return nil, fmt.Errorf("unknown stage %q", name)
		}
	}
	return stages, nil
}

// Request selects the stages Process runs. Zero values skip a stage.
type Request struct {
	Crop     *types.CropRequest
	Tasks    []types.Task
	Scale    int
	Order    []Stage
	Progress enhance.ProgressFunc
}

// Result is the output of Process
type Result struct {
	Image    *image.NRGBA
	Metadata types.Metadata
	// Crop is set when the crop stage ran
	Crop *cropper.CropResult
}

// Option configures a Pipeline
type Option func(*options)

type options struct {
	caller   worker.Caller
	detector detection.Detector
	logger   *zap.Logger
	metrics  *metrics.Recorder
	store    resource.Store
}

// WithWorker uses caller instead of spawning cfg.Worker.Path. The caller is
// not closed by the pipeline.
func WithWorker(caller worker.Caller) Option {
	return func(o *options) { o.caller = caller }
}

// WithDetector overrides the detector selected by cfg.Vision.Detector
func WithDetector(d detection.Detector) Option {
	return func(o *options) { o.detector = d }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records pipeline metrics on m
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithStore persists the backend blacklist in s instead of cfg.Store.Path
func WithStore(s resource.Store) Option {
	return func(o *options) { o.store = s }
}

// Pipeline owns the worker connection and the shared inference state
type Pipeline struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Recorder

	caller    worker.Caller
	resources *resource.Context
	catalog   *models.Catalog
	loader    *models.Loader
	cropper   *cropper.SmartCropper
	enhancer  *enhance.Pipeline
	upscaler  *upscale.Upscaler

	closers []io.Closer
	cancel  context.CancelFunc
}

// New validates cfg and builds a Pipeline. A nil cfg uses config.Default().
// Without a worker, enhancement is skipped and upscaling always resamples.
func New(cfg *Config, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:     cfg,
		logger:  o.logger,
		metrics: o.metrics,
		caller:  o.caller,
		cancel:  cancel,
	}
	if err := p.init(ctx, o); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) init(ctx context.Context, o options) error {
	cfg := p.cfg

	if p.caller == nil && cfg.Worker.Path != "" {
		t, err := worker.StartProcess(ctx, worker.ProcessConfig{
			Path:        cfg.Worker.Path,
			Args:        cfg.Worker.Args,
			StopTimeout: cfg.Worker.StopTimeout,
		}, p.logger)
		if err != nil {
			return err
		}
		c := worker.NewClient(t,
			worker.WithTimeout(cfg.Worker.Timeout),
			worker.WithMailboxSize(cfg.Worker.MailboxSize),
			worker.WithLogger(p.logger),
			worker.WithMetrics(p.metrics))
		p.caller = c
		p.closers = append(p.closers, c)
	}

	st := o.store
	if st == nil && cfg.Store.Path != "" {
		s, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		st = s
		p.closers = append(p.closers, s)
	}

	ropts := []resource.Option{resource.WithLogger(p.logger), resource.WithMetrics(p.metrics)}
	if p.caller != nil {
		ropts = append(ropts, resource.WithDispose(models.Disposer(p.caller)))
	}
	p.resources = resource.NewContext(cfg.Resource, st, ropts...)
	if err := p.resources.Start(ctx); err != nil {
		return err
	}

	overrides, err := cfg.Models.Overrides()
	if err != nil {
		return err
	}
	p.catalog = models.NewCatalog(cfg.Models.Dir, overrides, cfg.Upscale.SupportedFactors)

	uopts := []upscale.Option{
		upscale.WithBreaker(p.resources.Breaker),
		upscale.WithLogger(p.logger),
		upscale.WithMetrics(p.metrics),
	}
	if p.caller != nil {
		p.loader = models.NewLoader(p.catalog, p.caller, p.resources, cfg.Models.Config,
			models.WithLogger(p.logger), models.WithMetrics(p.metrics))
		p.enhancer = enhance.New(p.caller, p.loader, p.resources,
			enhance.WithTileSize(cfg.Tiling.TileSize),
			enhance.WithOverlap(cfg.Tiling.Overlap),
			enhance.WithTimeout(cfg.Tiling.Timeout),
			enhance.WithLogger(p.logger),
			enhance.WithMetrics(p.metrics))
		uopts = append(uopts, upscale.WithWorker(p.caller, p.loader))
	}
	p.upscaler = upscale.New(cfg.Upscale, uopts...)

	d, err := p.detector(o.detector)
	if err != nil {
		return err
	}
	copts := []cropper.Option{
		cropper.WithScorer(scoring.NewWithConfig(cfg.Scoring)),
		cropper.WithLogger(p.logger),
		cropper.WithMetrics(p.metrics),
	}
	if d != nil {
		copts = append(copts, cropper.WithDetector(d))
	}
	p.cropper = cropper.NewWithConfig(cfg.Cropper, copts...)
	return nil
}

func (p *Pipeline) detector(d detection.Detector) (detection.Detector, error) {
	if d != nil {
		return d, nil
	}
	v := p.cfg.Vision
	switch v.Detector {
	case "ollama":
		c, err := ollama.NewClient(v.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
		return detection.NewVisionDetector(c, v.Model).WithMaxDimension(v.MaxDimension), nil
	case "worker":
		if p.caller == nil {
			return nil, errors.New("worker detector requires a worker")
		}
		return detection.NewWorkerDetector(p.caller, worker.Config{ModelID: v.Model}), nil
	}
	return nil, nil
}

// Crop produces a req.Width x req.Height crop of img
func (p *Pipeline) Crop(ctx context.Context, img image.Image, req types.CropRequest) (cropper.CropResult, error) {
	return p.cropper.Crop(ctx, img, req)
}

// Enhance applies tasks in order. Model failures are not returned: the input
// comes back unchanged with Metadata.FallbackReason set.
func (p *Pipeline) Enhance(ctx context.Context, img image.Image, tasks []types.Task, progress enhance.ProgressFunc) (*image.NRGBA, types.Metadata, error) {
	if err := processing.ValidateImage(img); err != nil {
		return nil, types.Metadata{}, err
	}
	src := processing.ToNRGBA(img)
	md := types.Metadata{Tasks: tasks}
	if len(tasks) == 0 {
		return src, md, nil
	}
	if p.enhancer == nil {
		md.FallbackReason = "enhancement skipped: no inference worker"
		p.metrics.Fallback("enhance")
		return src, md, nil
	}
	ids, err := p.enhancer.ModelIDs(tasks)
	if err != nil {
		return nil, md, err
	}
	md.EnhanceModels = ids

	out, err := p.enhancer.Run(ctx, src, tasks, progress)
	if err != nil {
		if ctx.Err() != nil {
			return nil, md, ctx.Err()
		}
		if errors.Is(err, types.ErrInvalidDimensions) {
			return nil, md, err
		}
		p.logger.Warn("enhancement failed, returning original", zap.Any("tasks", tasks), zap.Error(err))
		p.metrics.Fallback("enhance")
		md.FallbackReason = "enhancement failed: " + err.Error()
		return src, md, nil
	}
	return out, md, nil
}

// Upscale enlarges img by factor, falling back to resampling when the model
// path is unavailable
func (p *Pipeline) Upscale(ctx context.Context, img image.Image, factor int) (upscale.Result, error) {
	return p.upscaler.Upscale(ctx, img, factor)
}

// Process runs the requested stages in req.Order, or DefaultOrder
func (p *Pipeline) Process(ctx context.Context, img image.Image, req Request) (Result, error) {
	if err := processing.ValidateImage(img); err != nil {
		return Result{}, err
	}
	order := req.Order
	if len(order) == 0 {
		order = DefaultOrder
	}

	res := Result{Image: processing.ToNRGBA(img)}
	seen := make(map[Stage]bool, len(order))
	for _, st := range order {
		if seen[st] {
			return Result{}, fmt.Errorf("stage %s listed twice", st)
		}
		seen[st] = true

		switch st {
		case StageEnhance:
			if len(req.Tasks) == 0 {
				continue
			}
			out, md, err := p.Enhance(ctx, res.Image, req.Tasks, req.Progress)
			if err != nil {
				return Result{}, err
			}
			res.Image = out
			res.Metadata.Merge(md)
		case StageUpscale:
			if req.Scale <= 1 {
				continue
			}
			up, err := p.Upscale(ctx, res.Image, req.Scale)
			if err != nil {
				return Result{}, err
			}
			res.Image = up.Image
			res.Metadata.Merge(up.Metadata)
		case StageCrop:
			if req.Crop == nil {
				continue
			}
			cr, err := p.Crop(ctx, res.Image, *req.Crop)
			if err != nil {
				return Result{}, err
			}
			res.Image = cr.Image
			res.Crop = &cr
			res.Metadata.Merge(cr.Metadata)
		default:
			return Result{}, fmt.Errorf("unknown stage %q", st)
		}
	}
	return res, nil
}

// Catalog returns the model catalog
func (p *Pipeline) Catalog() *models.Catalog {
	return p.catalog
}

// Verify reports catalog models missing from the model and cache directories
func (p *Pipeline) Verify() models.Report {
	return models.Verify(p.catalog, p.cfg.Models.CacheDir)
}

// Resources exposes the handle cache, breaker and blacklist
func (p *Pipeline) Resources() *resource.Context {
	return p.resources
}

// Close disposes loaded models, then stops the worker and the store
func (p *Pipeline) Close() error {
	var errs []error
	if p.resources != nil {
		errs = append(errs, p.resources.Close(context.Background()))
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		errs = append(errs, p.closers[i].Close())
	}
	p.closers = nil
	p.cancel()
	return errors.Join(errs...)
}
