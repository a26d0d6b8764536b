// Package upscale enlarges images with a super-resolution model and falls back
// to Lanczos resampling when the model path is unavailable.
package upscale

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/menta2k/imagepipe/internal/metrics"
	"github.com/menta2k/imagepipe/pkg/models"
	"github.com/menta2k/imagepipe/pkg/processing"
	"github.com/menta2k/imagepipe/pkg/resource"
	"github.com/menta2k/imagepipe/pkg/tiling"
	"github.com/menta2k/imagepipe/pkg/types"
	"github.com/menta2k/imagepipe/pkg/worker"
)

// Config holds the upscaling limits
type Config struct {
	// SupportedFactors are the factors with a model
	SupportedFactors []int `json:"supported_factors" yaml:"supported_factors"`
	// MaxPixels caps the output pixel count
	MaxPixels int64 `json:"max_pixels" yaml:"max_pixels"`
	// MaxDimension caps the longest output edge
	MaxDimension int `json:"max_dimension" yaml:"max_dimension"`
	// SinglePassMaxPixels is the largest output produced in one piece; above it
	// the image is upscaled tile by tile
	SinglePassMaxPixels int64 `json:"single_pass_max_pixels" yaml:"single_pass_max_pixels"`
	// TileSize is the input tile edge on the tiled path
	TileSize int           `json:"tile_size" yaml:"tile_size"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	// Sharpening after resampling only happens at or above SharpenMinScale and
	// at or below SharpenMaxPixels
	SharpenMinScale  float64 `json:"sharpen_min_scale" yaml:"sharpen_min_scale"`
	SharpenMaxPixels int64   `json:"sharpen_max_pixels" yaml:"sharpen_max_pixels"`
	SharpenSigma     float64 `json:"sharpen_sigma" yaml:"sharpen_sigma"`
}

// DefaultConfig returns the standard upscaling limits
func DefaultConfig() Config {
	return Config{
		SupportedFactors:    models.DefaultFactors(),
		MaxPixels:           100_000_000,
		MaxDimension:        16384,
		SinglePassMaxPixels: 16_000_000,
		TileSize:            256,
		Timeout:             3 * time.Minute,
		SharpenMinScale:     2,
		SharpenMaxPixels:    36_000_000,
		SharpenSigma:        0.6,
	}
}

// Result is an upscaled image and how it was produced
type Result struct {
	Image    *image.NRGBA
	Metadata types.Metadata
}

// Upscaler runs the model path with a deterministic fallback
type Upscaler struct {
	cfg     Config
	caller  worker.Caller
	loader  *models.Loader
	breaker *resource.Breaker
	logger  *zap.Logger
	metrics *metrics.Recorder
}

// Option configures an Upscaler
type Option func(*Upscaler)

// WithWorker enables the model path
func WithWorker(caller worker.Caller, loader *models.Loader) Option {
	return func(u *Upscaler) {
		u.caller = caller
		u.loader = loader
	}
}

// WithBreaker shares a failure breaker with other pipelines
func WithBreaker(b *resource.Breaker) Option {
	return func(u *Upscaler) { u.breaker = b }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(u *Upscaler) { u.logger = l }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m *metrics.Recorder) Option {
	return func(u *Upscaler) { u.metrics = m }
}

// New creates an Upscaler. Without WithWorker every call takes the fallback.
func New(cfg Config, opts ...Option) *Upscaler {
	if len(cfg.SupportedFactors) == 0 {
		cfg.SupportedFactors = models.DefaultFactors()
	}
	factors := append([]int(nil), cfg.SupportedFactors...)
	sort.Ints(factors)
	cfg.SupportedFactors = factors
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}

	u := &Upscaler{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(u)
	}
	if u.breaker == nil {
		u.breaker = resource.NewBreaker(resource.DefaultConfig().FailureThreshold, u.metrics)
	}
	return u
}

// Upscale enlarges img by factor. Model failures never surface as errors; they
// are reported through Result.Metadata. Errors are returned for invalid input
// and cancellation only.
func (u *Upscaler) Upscale(ctx context.Context, img image.Image, factor int) (Result, error) {
	if err := processing.ValidateImage(img); err != nil {
		return Result{}, err
	}
	if factor < 1 {
		return Result{}, fmt.Errorf("upscale factor %d: %w", factor, types.ErrInvalidDimensions)
	}
	src := processing.ToNRGBA(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	md := types.Metadata{RequestedScale: factor}
	if factor == 1 {
		md.EffectiveScale = 1
		return Result{Image: imaging.Clone(src), Metadata: md}, nil
	}

	if err := u.breaker.Allow(); err != nil {
		scale, adjusted := SafeScale(w, h, float64(factor), u.cfg.MaxPixels, u.cfg.MaxDimension)
		md.ScaleAdjusted = adjusted
		return u.fallback(src, scale, md, "ai disabled")
	}

	modelFactor := NearestFactor(factor, u.cfg.SupportedFactors)
	scale, adjusted := SafeScale(w, h, float64(modelFactor), u.cfg.MaxPixels, u.cfg.MaxDimension)
	md.ScaleAdjusted = adjusted

	if modelFactor != factor {
		u.logger.Info("unsupported upscale factor, clamped",
			zap.Int("requested", factor), zap.Int("clamped", modelFactor))
		return u.fallback(src, scale, md, fmt.Sprintf("unsupported factor %d, clamped to %d", factor, modelFactor))
	}
	if u.caller == nil || u.loader == nil {
		return u.fallback(src, scale, md, "no inference worker")
	}

	// an adjusted scale shrinks the model input instead of the model output
	tw, th := scaledDim(w, scale), scaledDim(h, scale)
	in := src
	if adjusted {
		in = processing.Resample(src, ceilDiv(tw, modelFactor), ceilDiv(th, modelFactor))
	}

	out, modelID, tiled, err := u.infer(ctx, in, modelFactor)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if u.breaker.RecordFailure() {
			u.logger.Error("inference disabled after repeated failures", zap.Int("failures", u.breaker.Failures()))
		}
		u.logger.Warn("model upscale failed, using fallback", zap.Int("factor", modelFactor), zap.Error(err))
		return u.fallback(src, scale, md, "inference failed: "+err.Error())
	}
	u.breaker.RecordSuccess()

	if b := out.Bounds(); b.Dx() != tw || b.Dy() != th {
		out = processing.Resample(out, tw, th)
	}
	if tiled {
		out = u.smartSharpen(out, scale)
	}
	md.AIUpscale = true
	md.UpscaleModel = modelID
	md.Tiled = tiled
	md.EffectiveScale = effectiveScale(w, out.Bounds().Dx())
	return Result{Image: out, Metadata: md}, nil
}

func (u *Upscaler) infer(ctx context.Context, src *image.NRGBA, factor int) (*image.NRGBA, string, bool, error) {
	e, err := u.loader.Catalog().ForFactor(factor)
	if err != nil {
		return nil, "", false, err
	}
	h, m, err := u.loader.Acquire(ctx, e)
	if err != nil {
		return nil, "", false, err
	}
	defer u.loader.Release(h)

	b := src.Bounds()
	target := int64(b.Dx()) * int64(b.Dy()) * int64(factor) * int64(factor)
	if target <= u.cfg.SinglePassMaxPixels {
		out, err := u.call(ctx, m, src, factor)
		return out, e.ID, false, err
	}

	tiles, err := tiling.Plan(b.Dx(), b.Dy(), u.cfg.TileSize, 0)
	if err != nil {
		return nil, "", false, err
	}
	u.logger.Info("tiled upscale", zap.Int("tiles", len(tiles)), zap.Int("factor", factor), zap.Int64("target_pixels", target))
	canvas := tiling.NewCanvas(b.Dx(), b.Dy(), factor)
	for _, t := range tiles {
		start := time.Now()
		out, err := u.call(ctx, m, tiling.Extract(src, t), factor)
		if err != nil {
			return nil, "", true, fmt.Errorf("tile %d: %w", t.Index, err)
		}
		if err := canvas.Put(t, out); err != nil {
			return nil, "", true, err
		}
		u.metrics.ObserveTile(time.Since(start))
	}
	return canvas.Image(), e.ID, true, nil
}

func (u *Upscaler) call(ctx context.Context, m *models.Model, in *image.NRGBA, factor int) (*image.NRGBA, error) {
	cfg := m.WorkerConfig()
	cfg.Scale = factor
	cfg.TileSize = u.cfg.TileSize

	callCtx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()
	resp, err := u.caller.Call(callCtx, worker.Request{Op: worker.OpUpscale, Config: cfg, Pixels: worker.PixelsFromImage(in)})
	if err != nil {
		return nil, err
	}
	out, err := resp.Pixels.Image()
	if err != nil {
		return nil, err
	}
	want := in.Bounds().Size().Mul(factor)
	if got := out.Bounds().Size(); got != want {
		return nil, fmt.Errorf("model returned %v, expected %v", got, want)
	}
	return out, nil
}

func (u *Upscaler) fallback(src *image.NRGBA, scale float64, md types.Metadata, reason string) (Result, error) {
	u.metrics.Fallback("upscale")
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	tw, th := scaledDim(w, scale), scaledDim(h, scale)

	var out *image.NRGBA
	if int64(tw)*int64(th) > u.cfg.SinglePassMaxPixels && scale == math.Trunc(scale) {
		out = u.tiledResample(src, int(scale))
		md.Tiled = true
	} else {
		out = processing.Resample(src, tw, th)
	}
	out = u.smartSharpen(out, scale)

	md.AIUpscale = false
	md.EffectiveScale = effectiveScale(w, out.Bounds().Dx())
	md.FallbackReason = reason
	return Result{Image: out, Metadata: md}, nil
}

// tiledResample resizes one unpadded tile region at a time
func (u *Upscaler) tiledResample(src *image.NRGBA, factor int) *image.NRGBA {
	b := src.Bounds()
	tiles, _ := tiling.Plan(b.Dx(), b.Dy(), u.cfg.TileSize, 0)
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	for _, t := range tiles {
		region := imaging.Crop(src, t.Dst.Add(b.Min))
		size := t.Dst.Size().Mul(factor)
		processing.Paste(out, processing.Resample(region, size.X, size.Y), t.Dst.Min.Mul(factor))
	}
	return out
}

// smartSharpen applies the sharpening guard: small enlargements and very
// large outputs are left alone
func (u *Upscaler) smartSharpen(img *image.NRGBA, scale float64) *image.NRGBA {
	if scale < u.cfg.SharpenMinScale {
		return img
	}
	b := img.Bounds()
	if int64(b.Dx())*int64(b.Dy()) > u.cfg.SharpenMaxPixels {
		u.logger.Debug("skipping sharpen on large output", zap.Int("width", b.Dx()), zap.Int("height", b.Dy()))
		return img
	}
	return processing.Sharpen(img, u.cfg.SharpenSigma)
}

// SafeScale reduces scale so that the output of a w x h image stays within
// maxPixels and maxDimension (0 disables a limit). The result is never below 1.
func SafeScale(w, h int, scale float64, maxPixels int64, maxDimension int) (float64, bool) {
	limit := scale
	if maxPixels > 0 && float64(w)*float64(h)*limit*limit > float64(maxPixels) {
		limit = math.Sqrt(float64(maxPixels) / (float64(w) * float64(h)))
	}
	if long := max(w, h); maxDimension > 0 && float64(long)*limit > float64(maxDimension) {
		limit = float64(maxDimension) / float64(long)
	}
	limit = math.Max(limit, 1)
	return limit, limit < scale
}

// NearestFactor returns the supported factor closest to f. Ties go to the
// smaller factor and nothing above the largest is ever returned. supported
// must be sorted ascending.
func NearestFactor(f int, supported []int) int {
	if len(supported) == 0 {
		return f
	}
	best := supported[0]
	for _, s := range supported[1:] {
		if abs(s-f) < abs(best-f) {
			best = s
		}
	}
	return best
}

// Supported reports whether factor has a model
func (u *Upscaler) Supported(factor int) bool {
	i := sort.SearchInts(u.cfg.SupportedFactors, factor)
	return i < len(u.cfg.SupportedFactors) && u.cfg.SupportedFactors[i] == factor
}

// Breaker returns the failure breaker the upscaler counts on
func (u *Upscaler) Breaker() *resource.Breaker {
	return u.breaker
}

func scaledDim(n int, scale float64) int {
	return max(1, int(math.Floor(float64(n)*scale+1e-9)))
}

func effectiveScale(src, dst int) float64 {
	return math.Round(float64(dst)/float64(src)*1000) / 1000
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
