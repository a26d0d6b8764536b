package imagepipe

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/imagepipe/internal/config"
	"github.com/menta2k/imagepipe/pkg/detection"
	"github.com/menta2k/imagepipe/pkg/resource"
	"github.com/menta2k/imagepipe/pkg/types"
	"github.com/menta2k/imagepipe/pkg/worker"
)

// fakeWorker echoes restoration tiles and upscales by pixel repetition
type fakeWorker struct {
	mu       sync.Mutex
	calls    map[worker.Op]int
	failWith string
}

func (w *fakeWorker) Handle(ctx context.Context, req worker.Request) worker.Response {
	w.mu.Lock()
	if w.calls == nil {
		w.calls = make(map[worker.Op]int)
	}
	w.calls[req.Op]++
	fail := w.failWith
	w.mu.Unlock()

	switch req.Op {
	case worker.OpRestore, worker.OpEnhance:
		if fail != "" {
			return worker.Response{Error: fail}
		}
		return worker.Response{Pixels: req.Pixels}
	case worker.OpUpscale:
		p, f := req.Pixels, req.Config.Scale
		ow, oh := p.Width*f, p.Height*f
		out := make([]byte, ow*oh*4)
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				s := ((y/f)*p.Width + x/f) * 4
				copy(out[(y*ow+x)*4:], p.Data[s:s+4])
			}
		}
		return worker.Response{Pixels: &worker.Pixels{Width: ow, Height: oh, Channels: 4, Data: out}}
	}
	return worker.Response{}
}

func (w *fakeWorker) count(op worker.Op) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[op]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Models.Dir = t.TempDir()
	cfg.Models.CacheDir = t.TempDir()
	cfg.Models.Warmup = false
	cfg.Tiling.TileSize = 32
	return cfg
}

func writeModels(t *testing.T, p *Pipeline) {
	t.Helper()
	c := p.Catalog()
	for _, e := range c.Entries() {
		path := c.Path(e)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("onnx"), 0644))
	}
}

func newTestPipeline(t *testing.T, w *fakeWorker, opts ...Option) *Pipeline {
	t.Helper()
	client := worker.NewLocalClient(w, worker.WithTimeout(time.Second))
	t.Cleanup(func() { client.Close() })

	opts = append([]Option{WithWorker(client), WithStore(resource.NewMemoryStore())}, opts...)
	p, err := New(testConfig(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	writeModels(t, p)
	return p
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 3), B: 90, A: 255})
		}
	}
	return img
}

func TestProcessDefaultOrder(t *testing.T) {
	w := &fakeWorker{}
	p := newTestPipeline(t, w)

	src := gradient(64, 48)
	res, err := p.Process(context.Background(), src, Request{
		Tasks: []types.Task{types.TaskDenoise},
		Scale: 2,
		Crop:  &types.CropRequest{Width: 100, Height: 50, Strategy: types.StrategyStandard, Position: types.PositionCenter},
	})
	require.NoError(t, err)

	assert.Equal(t, image.Pt(100, 50), res.Image.Bounds().Size())
	require.NotNil(t, res.Crop)
	assert.Equal(t, 4, w.count(worker.OpRestore), "2x2 grid of 32px tiles")

	md := res.Metadata
	assert.Equal(t, []types.Task{types.TaskDenoise}, md.Tasks)
	assert.Equal(t, []string{"nafnet-denoising-fp16"}, md.EnhanceModels)
	assert.True(t, md.AIUpscale)
	assert.Equal(t, "realesrgan-x2-fp16", md.UpscaleModel)
	assert.Equal(t, 2, md.RequestedScale)
	assert.Equal(t, types.StrategyStandard, md.CropStrategy)
	assert.Empty(t, md.FallbackReason)
}

func TestProcessCustomOrder(t *testing.T) {
	p := newTestPipeline(t, &fakeWorker{})

	res, err := p.Process(context.Background(), gradient(80, 60), Request{
		Scale: 3,
		Crop:  &types.CropRequest{Width: 40, Height: 40, Strategy: types.StrategyStandard, Position: types.PositionTopLeft},
		Order: []Stage{StageCrop, StageUpscale},
	})
	require.NoError(t, err)
	assert.Equal(t, image.Pt(120, 120), res.Image.Bounds().Size())
	assert.InDelta(t, 3.0, res.Metadata.EffectiveScale, 1e-9)

	_, err = p.Process(context.Background(), gradient(8, 8), Request{Order: []Stage{StageCrop, StageCrop}})
	assert.ErrorContains(t, err, "listed twice")
}

func TestEnhanceFailureReturnsOriginal(t *testing.T) {
	w := &fakeWorker{failWith: "CUDA out of memory"}
	p := newTestPipeline(t, w)

	src := gradient(40, 40)
	out, md, err := p.Enhance(context.Background(), src, []types.Task{types.TaskDeblur}, nil)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)
	assert.Contains(t, md.FallbackReason, "CUDA out of memory")
	assert.Equal(t, 1, p.Resources().Breaker.Failures())
}

func TestBreakerSharedWithUpscaler(t *testing.T) {
	w := &fakeWorker{failWith: "session run failed"}
	p := newTestPipeline(t, w)

	for i := 0; i < p.Resources().Breaker.Threshold(); i++ {
		_, _, err := p.Enhance(context.Background(), gradient(16, 16), []types.Task{types.TaskDerain}, nil)
		require.NoError(t, err)
	}
	require.True(t, p.Resources().Breaker.Tripped())

	res, err := p.Upscale(context.Background(), gradient(16, 16), 2)
	require.NoError(t, err)
	assert.False(t, res.Metadata.AIUpscale)
	assert.Equal(t, "ai disabled", res.Metadata.FallbackReason)
	assert.Equal(t, 0, w.count(worker.OpUpscale))
}

func TestWithoutWorker(t *testing.T) {
	p, err := New(testConfig(t))
	require.NoError(t, err)
	defer p.Close()

	src := gradient(20, 10)
	out, md, err := p.Enhance(context.Background(), src, []types.Task{types.TaskLowLight}, nil)
	require.NoError(t, err)
	assert.Equal(t, src.Pix, out.Pix)
	assert.Contains(t, md.FallbackReason, "no inference worker")

	res, err := p.Upscale(context.Background(), src, 2)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(40, 20), res.Image.Bounds().Size())
	assert.Equal(t, "no inference worker", res.Metadata.FallbackReason)
}

func TestSmartCropUsesDetector(t *testing.T) {
	dets := detection.Static{{Label: "person", Confidence: 0.9, Box: types.Box{X: 140, Y: 20, W: 40, H: 60}}}
	p := newTestPipeline(t, &fakeWorker{}, WithDetector(dets))

	res, err := p.Crop(context.Background(), gradient(200, 100), types.CropRequest{Width: 100, Height: 100, Strategy: types.StrategySmart})
	require.NoError(t, err)
	assert.True(t, res.Metadata.AICrop)
	assert.Equal(t, "person", res.Metadata.Subject)
	assert.Equal(t, 100, res.Window.X, "subject center 160 clamps to the right edge")
}

func TestVerify(t *testing.T) {
	p := newTestPipeline(t, &fakeWorker{})
	r := p.Verify()
	assert.True(t, r.OK())
	assert.Len(t, r.Present, len(p.Catalog().Entries()))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Vision.Detector = "worker"
	_, err := New(cfg)
	var verr *config.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestParseStages(t *testing.T) {
	st, err := ParseStages([]string{"crop", "enhance"})
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageCrop, StageEnhance}, st)

	_, err = ParseStages([]string{"sharpen"})
	assert.Error(t, err)
}
