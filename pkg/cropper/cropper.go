// Package cropper produces fixed-size crops anchored on the most important
// subject of an image, a focal point, or a named position.
package cropper

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/menta2k/imagepipe/internal/metrics"
	"github.com/menta2k/imagepipe/pkg/detection"
	"github.com/menta2k/imagepipe/pkg/processing"
	"github.com/menta2k/imagepipe/pkg/scoring"
	"github.com/menta2k/imagepipe/pkg/types"
	"github.com/menta2k/imagepipe/pkg/vision"
)

// Config holds configuration for smart cropping
type Config struct {
	// AllowUpscaling permits enlarging a source smaller than the target
	AllowUpscaling bool `json:"allow_upscaling" yaml:"allow_upscaling"`
	// FaceBias is the vertical anchor, as a fraction of box height, for faces
	FaceBias float64 `json:"face_bias" yaml:"face_bias"`
	// PersonBias is the vertical anchor for persons and animals
	PersonBias float64 `json:"person_bias" yaml:"person_bias"`
	// LogoPadding grows logo boxes by this ratio before protection
	LogoPadding float64 `json:"logo_padding" yaml:"logo_padding"`
	// EdgeMargin is the largest overhang, as a fraction of the window, that is nudged back in
	EdgeMargin float64 `json:"edge_margin" yaml:"edge_margin"`

	Focal vision.FocalConfig `json:"focal" yaml:"focal"`
}

// DefaultConfig returns the standard cropping settings
func DefaultConfig() Config {
	return Config{
		AllowUpscaling: true,
		FaceBias:       0.45,
		PersonBias:     0.28,
		LogoPadding:    0.1,
		EdgeMargin:     0.1,
		Focal:          vision.DefaultFocalConfig(),
	}
}

// AspectRatio represents common aspect ratios
type AspectRatio struct {
	Width  int
	Height int
	Name   string
}

// Common aspect ratios
var (
	Square     = AspectRatio{1, 1, "square"}
	Portrait   = AspectRatio{3, 4, "portrait"}
	Landscape  = AspectRatio{4, 3, "landscape"}
	Widescreen = AspectRatio{16, 9, "widescreen"}
	Instagram  = AspectRatio{4, 5, "instagram"}
	Story      = AspectRatio{9, 16, "story"}
)

// CommonAspectRatios returns a list of commonly used aspect ratios
func CommonAspectRatios() []AspectRatio {
	return []AspectRatio{Square, Portrait, Landscape, Widescreen, Instagram, Story}
}

// TargetForRatio returns the largest size of the given ratio that fits in w x h
func TargetForRatio(w, h int, ratio AspectRatio) (int, int) {
	if w <= 0 || h <= 0 || ratio.Width <= 0 || ratio.Height <= 0 {
		return 0, 0
	}
	// width-limited first, fall back to height-limited
	tw, th := w, w*ratio.Height/ratio.Width
	if th > h {
		tw, th = h*ratio.Width/ratio.Height, h
	}
	return max(tw, 1), max(th, 1)
}

// SmartCropper provides subject-aware cropping
type SmartCropper struct {
	config   Config
	calc     *Calculator
	detector detection.Detector
	scorer   *scoring.Scorer
	logger   *zap.Logger
	metrics  *metrics.Recorder
}

// Option configures a SmartCropper
type Option func(*SmartCropper)

// WithDetector sets the detector used by the smart and logo strategies
func WithDetector(d detection.Detector) Option {
	return func(c *SmartCropper) { c.detector = d }
}

// WithScorer replaces the default subject scorer
func WithScorer(s *scoring.Scorer) Option {
	return func(c *SmartCropper) { c.scorer = s }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *SmartCropper) { c.logger = l }
}

// WithMetrics records fallbacks
func WithMetrics(m *metrics.Recorder) Option {
	return func(c *SmartCropper) { c.metrics = m }
}

// New creates a new SmartCropper with default configuration
func New(opts ...Option) *SmartCropper {
	return NewWithConfig(DefaultConfig(), opts...)
}

// NewWithConfig creates a new SmartCropper with custom configuration
func NewWithConfig(cfg Config, opts ...Option) *SmartCropper {
	c := &SmartCropper{
		config: cfg,
		calc:   NewCalculator(cfg),
		scorer: scoring.New(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculator exposes the window calculator
func (c *SmartCropper) Calculator() *Calculator {
	return c.calc
}

// CropResult contains the result of a cropping operation
type CropResult struct {
	Image *image.NRGBA
	// Frame is the cover-resized source the window refers to
	Frame      *image.NRGBA
	Window     types.CropWindow
	Scale      float64
	Subject    *types.ScoredCandidate
	Detections []types.Detection
	Focal      *image.Point
	Metadata   types.Metadata
}

// Crop produces a req.Width x req.Height crop of img
func (c *SmartCropper) Crop(ctx context.Context, img image.Image, req types.CropRequest) (CropResult, error) {
	if err := processing.ValidateImage(img); err != nil {
		return CropResult{}, err
	}
	if req.Width <= 0 || req.Height <= 0 {
		return CropResult{}, fmt.Errorf("crop target %dx%d: %w", req.Width, req.Height, types.ErrInvalidDimensions)
	}
	if req.Strategy == "" {
		req.Strategy = types.StrategyStandard
	}
	if req.Position == "" {
		req.Position = types.PositionAuto
	}

	b := img.Bounds()
	if !c.config.AllowUpscaling && (req.Width > b.Dx() || req.Height > b.Dy()) {
		return CropResult{}, fmt.Errorf("target size (%dx%d) is larger than original (%dx%d) and upscaling is disabled: %w",
			req.Width, req.Height, b.Dx(), b.Dy(), types.ErrInvalidDimensions)
	}

	frame, scale := processing.ResizeToCover(img, req.Width, req.Height)
	fw, fh := frame.Bounds().Dx(), frame.Bounds().Dy()

	res := CropResult{
		Frame:    frame,
		Scale:    scale,
		Metadata: types.Metadata{CropStrategy: req.Strategy},
	}

	var anchor Anchor
	var ranked []types.ScoredCandidate
	switch req.Strategy {
	case types.StrategySmart, types.StrategyLogo:
		res.Detections = c.detect(ctx, img, scale)
		ranked = c.scorer.Rank(res.Detections, fw, fh)
		if len(ranked) > 0 {
			subject := ranked[0]
			res.Subject = &subject
			res.Metadata.AICrop = true
			res.Metadata.Subject = subject.Category.String()
			anchor = SubjectAnchor(subject)
		} else {
			res.Metadata.FocalFallback = true
			c.metrics.Fallback("crop_focal")
			anchor = c.focalAnchor(frame, &res)
		}
	case types.StrategyStandard:
		if req.Position == types.PositionAuto {
			anchor = c.focalAnchor(frame, &res)
		} else {
			anchor = PositionAnchor(req.Position)
		}
	default:
		return CropResult{}, fmt.Errorf("unknown crop strategy %q", req.Strategy)
	}

	win, err := c.calc.ComputeCropWindow(fw, fh, req.Width, req.Height, anchor)
	if err != nil {
		return CropResult{}, err
	}

	switch {
	case req.Strategy == types.StrategyLogo:
		win = c.calc.ProtectLogos(win, fw, fh, c.scorer.Logos(res.Detections))
	case res.Subject != nil:
		others := make([]types.Box, 0, len(ranked)-1)
		for _, r := range ranked[1:] {
			others = append(others, r.Detection.Box)
		}
		win = c.calc.NudgeFromEdges(win, fw, fh, others, res.Subject.Detection.Box)
	}

	c.logger.Debug("crop window",
		zap.String("strategy", string(req.Strategy)),
		zap.Stringer("anchor", anchor),
		zap.Int("x", win.X), zap.Int("y", win.Y),
		zap.Int("frame_w", fw), zap.Int("frame_h", fh))

	res.Window = win
	res.Image = imaging.Crop(frame, win.Rect())
	return res, nil
}

// detect runs the detector on the original image and maps boxes into the
// resized frame. Failures are logged and reported as no detections.
func (c *SmartCropper) detect(ctx context.Context, img image.Image, scale float64) []types.Detection {
	if c.detector == nil {
		return nil
	}
	dets, err := c.detector.Detect(ctx, img)
	if err != nil {
		c.logger.Warn("detection failed, using focal point", zap.Error(err))
		return nil
	}
	if scale == 1 {
		return dets
	}
	out := make([]types.Detection, len(dets))
	for i, d := range dets {
		d.Box = d.Box.Scale(scale)
		out[i] = d
	}
	return out
}

// focalAnchor resolves the named position nearest to the frame's focal point
func (c *SmartCropper) focalAnchor(frame *image.NRGBA, res *CropResult) Anchor {
	pt, found := vision.FocalPoint(frame, c.config.Focal)
	res.Focal = &pt
	pos := vision.NearestPosition(pt, frame.Bounds().Dx(), frame.Bounds().Dy(), c.config.Focal.PositionThreshold)
	c.logger.Debug("focal point", zap.Int("x", pt.X), zap.Int("y", pt.Y),
		zap.Bool("edges", found), zap.String("position", string(pos)))
	return PositionAnchor(pos)
}

// CropToAspectRatio crops img to the largest window of the given ratio
// without resizing it
func (c *SmartCropper) CropToAspectRatio(ctx context.Context, img image.Image, ratio AspectRatio, strategy types.CropStrategy) (CropResult, error) {
	b := img.Bounds()
	tw, th := TargetForRatio(b.Dx(), b.Dy(), ratio)
	if tw == 0 {
		return CropResult{}, fmt.Errorf("aspect ratio %s on %dx%d: %w", ratio.Name, b.Dx(), b.Dy(), types.ErrInvalidDimensions)
	}
	return c.Crop(ctx, img, types.CropRequest{Width: tw, Height: th, Strategy: strategy, Position: types.PositionAuto})
}

// CropToMultipleRatios crops an image to multiple aspect ratios
func (c *SmartCropper) CropToMultipleRatios(ctx context.Context, img image.Image, ratios []AspectRatio, strategy types.CropStrategy) (map[string]CropResult, error) {
	results := make(map[string]CropResult, len(ratios))
	for _, ratio := range ratios {
		result, err := c.CropToAspectRatio(ctx, img, ratio, strategy)
		if err != nil {
			return nil, fmt.Errorf("failed to crop to %s: %w", ratio.Name, err)
		}
		results[ratio.Name] = result
	}
	return results, nil
}
