// Package detection finds objects in images for subject-aware cropping.
package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/menta2k/imagepipe/pkg/client"
	"github.com/menta2k/imagepipe/pkg/processing"
	"github.com/menta2k/imagepipe/pkg/types"
	"github.com/menta2k/imagepipe/pkg/worker"
)

// Detector reports the objects in an image with boxes in source pixels
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
}

// Func adapts a function to Detector
type Func func(ctx context.Context, img image.Image) ([]types.Detection, error)

// Detect calls f(ctx, img)
func (f Func) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	return f(ctx, img)
}

// Static returns a fixed set of detections, for callers that already ran a detector
type Static []types.Detection

// Detect returns a copy of the detections
func (s Static) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	return append([]types.Detection(nil), s...), nil
}

// SimpleTestPrompt for testing if the model can see images
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt is the default prompt for object detection
const DefaultPrompt = `You are an object locator for image cropping.

Return JSON only:
{
  "objects": [
    {"label": "string", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ]
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels). x,y is the top-left corner.
- List every person, face, animal, food item, logo or watermark, and other salient object.
- Use short lowercase labels: "face", "person", "dog", "logo", "chair".
- Boxes must tightly include the object.
- Do not guess real identities.
- If nothing is found, return {"objects": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// VisionDetector asks a vision language model for object boxes
type VisionDetector struct {
	client client.VisionClient
	model  string
	prompt string
	maxDim int
}

// NewVisionDetector creates a detector backed by a vision client
func NewVisionDetector(c client.VisionClient, model string) *VisionDetector {
	return &VisionDetector{client: c, model: model, prompt: DefaultPrompt, maxDim: 1024}
}

// WithPrompt replaces the detection prompt
func (d *VisionDetector) WithPrompt(prompt string) *VisionDetector {
	d.prompt = prompt
	return d
}

// WithMaxDimension bounds the long side of the image sent to the model
func (d *VisionDetector) WithMaxDimension(n int) *VisionDetector {
	d.maxDim = n
	return d
}

// Detect encodes img, queries the model and converts its boxes to pixels
func (d *VisionDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	data, err := processing.EncodeForModel(img, "jpg", d.maxDim, 85)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image for model: %w", err)
	}

	objs, err := d.client.DetectObjects(ctx, d.model, d.prompt, base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	dets := make([]types.Detection, 0, len(objs))
	for _, o := range objs {
		box := toPixels(normalizeBox(o.Box), b.Dx(), b.Dy())
		if box.W <= 0 || box.H <= 0 {
			continue
		}
		dets = append(dets, types.Detection{
			Label:      strings.ToLower(o.Label),
			Confidence: clamp(o.Confidence, 0, 1),
			Box:        box,
		})
	}
	return dets, nil
}

// TestVision tests if the model can actually see the image with a simple prompt
func (d *VisionDetector) TestVision(ctx context.Context, img image.Image) (string, error) {
	data, err := processing.EncodeForModel(img, "jpg", d.maxDim, 85)
	if err != nil {
		return "", err
	}
	return d.client.SimpleQuery(ctx, d.model, SimpleTestPrompt, base64.StdEncoding.EncodeToString(data))
}

// WorkerDetector runs detection in the inference worker
type WorkerDetector struct {
	caller worker.Caller
	config worker.Config
}

// NewWorkerDetector creates a detector that sends detect requests to caller
func NewWorkerDetector(caller worker.Caller, cfg worker.Config) *WorkerDetector {
	return &WorkerDetector{caller: caller, config: cfg}
}

// Detect sends the image to the worker and returns its detections
func (d *WorkerDetector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	resp, err := d.caller.Call(ctx, worker.Request{
		Op:     worker.OpDetect,
		Config: d.config,
		Pixels: worker.PixelsFromImage(processing.ToNRGBA(img)),
	})
	if err != nil {
		return nil, fmt.Errorf("worker detect: %w", err)
	}
	return resp.Detections, nil
}

// clamp ensures a value is within the given bounds
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox ensures box coordinates are within [0,1] bounds. Models that
// answer in percent are rescaled.
func normalizeBox(b types.Box) types.Box {
	if b.X > 1 || b.Y > 1 || b.W > 1 || b.H > 1 {
		if math.Max(math.Max(b.X+b.W, b.Y+b.H), 0) <= 100 {
			b = types.Box{X: b.X / 100, Y: b.Y / 100, W: b.W / 100, H: b.H / 100}
		}
	}
	x := clamp(b.X, 0, 1)
	y := clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.X+b.W, 0, 1) - x,
		H: clamp(b.Y+b.H, 0, 1) - y,
	}
}

func toPixels(b types.Box, w, h int) types.Box {
	return types.Box{X: b.X * float64(w), Y: b.Y * float64(h), W: b.W * float64(w), H: b.H * float64(h)}
}
