package enhance

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

	"github.com/menta2k/imagepipe/pkg/models"
	"github.com/menta2k/imagepipe/pkg/resource"
	"github.com/menta2k/imagepipe/pkg/types"
	"github.com/menta2k/imagepipe/pkg/worker"
)

// modelWorker answers model lifecycle requests and transforms pixels with fn
type modelWorker struct {
	mu    sync.Mutex
	calls map[worker.Op]int
	tasks []string
	fn    func(req worker.Request) worker.Response
}

func (w *modelWorker) Handle(ctx context.Context, req worker.Request) worker.Response {
	w.mu.Lock()
	if w.calls == nil {
		w.calls = make(map[worker.Op]int)
	}
	w.calls[req.Op]++
	if req.Op == worker.OpRestore || req.Op == worker.OpEnhance {
		w.tasks = append(w.tasks, req.Config.Task)
	}
	w.mu.Unlock()

	switch req.Op {
	case worker.OpRestore, worker.OpEnhance:
		return w.fn(req)
	}
	return worker.Response{}
}

func (w *modelWorker) count(op worker.Op) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls[op]
}

// echoRGB returns the tile as 3-channel data
func echoRGB(req worker.Request) worker.Response {
	p := req.Pixels
	rgb := make([]byte, 0, p.Width*p.Height*3)
	for i := 0; i < len(p.Data); i += 4 {
		rgb = append(rgb, p.Data[i], p.Data[i+1], p.Data[i+2])
	}
	return worker.Response{Pixels: &worker.Pixels{Width: p.Width, Height: p.Height, Channels: 3, Data: rgb}}
}

func newPipeline(t *testing.T, w *modelWorker, opts ...Option) (*Pipeline, *resource.Context) {
	t.Helper()
	dir := t.TempDir()
	catalog := models.DefaultCatalog(dir)
	for _, e := range catalog.Entries() {
		p := catalog.Path(e)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("onnx"), 0644))
	}

	client := worker.NewLocalClient(w, worker.WithTimeout(time.Second))
	t.Cleanup(func() { client.Close() })
	rc := resource.NewContext(resource.DefaultConfig(), nil, resource.WithPressure(resource.FixedPressure(0)))

	cfg := models.DefaultConfig()
	cfg.Dir = dir
	loader := models.NewLoader(catalog, client, rc, cfg)
	return New(client, loader, rc, opts...), rc
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

func TestRunIdentityReassemblesImage(t *testing.T) {
	for _, overlap := range []int{0, 8} {
		w := &modelWorker{fn: echoRGB}
		p, _ := newPipeline(t, w, WithTileSize(64), WithOverlap(overlap))
		src := gradient(150, 100)

		out, err := p.Run(context.Background(), src, []types.Task{types.TaskDenoise}, nil)
		require.NoError(t, err)
		assert.Equal(t, src.Bounds(), out.Bounds())
		assert.Equal(t, src.Pix, out.Pix, "overlap %d", overlap)
	}
}

func TestRunEmptyTaskList(t *testing.T) {
	w := &modelWorker{fn: echoRGB}
	p, _ := newPipeline(t, w)
	src := gradient(10, 10)

	out, err := p.Run(context.Background(), src, nil, nil)
	require.NoError(t, err)
	assert.Same(t, src, out)
	assert.Equal(t, 0, w.count(worker.OpPreload))
	assert.Equal(t, 0, w.count(worker.OpRestore))
}

func TestRunAppliesTasksInOrder(t *testing.T) {
	w := &modelWorker{}
	w.fn = func(req worker.Request) worker.Response {
		px := append([]byte(nil), req.Pixels.Data...)
		for i := 0; i < len(px); i += 4 {
			switch types.Task(req.Config.Task) {
			case types.TaskDenoise:
				px[i] += 10
			case types.TaskDeblur:
				px[i] *= 2
			}
		}
		out := *req.Pixels
		out.Data = px
		return worker.Response{Pixels: &out}
	}
	p, _ := newPipeline(t, w, WithTileSize(32))
	src := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+3] = 5, 255
	}

	out, err := p.Run(context.Background(), src, []types.Task{types.TaskDenoise, types.TaskDeblur}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(30), out.NRGBAAt(0, 0).R, "(5+10)*2")
	assert.Equal(t, uint8(30), out.NRGBAAt(39, 39).R)
	assert.Equal(t, []string{"denoise", "deblur", "denoise", "deblur"}, w.tasks[:4])
}

func TestRunProgressIsMonotonic(t *testing.T) {
	w := &modelWorker{fn: echoRGB}
	p, _ := newPipeline(t, w, WithTileSize(32))
	var seen []int
	var total int

	_, err := p.Run(context.Background(), gradient(64, 64), []types.Task{types.TaskDerain, types.TaskLowLight, types.TaskRetouch},
		func(done, n int) {
			seen = append(seen, done)
			total = n
		})
	require.NoError(t, err)

	assert.Equal(t, 12, total, "4 tiles x 3 tasks")
	require.Len(t, seen, 12)
	for i := range seen {
		assert.Equal(t, i+1, seen[i])
	}
	assert.Equal(t, 4, w.count(worker.OpEnhance), "retouch goes through enhance")
	assert.Equal(t, 8, w.count(worker.OpRestore))
	assert.Equal(t, 3, w.count(worker.OpPreload), "one preload per model")
}

func TestRunFailureCountsOnBreaker(t *testing.T) {
	w := &modelWorker{fn: func(req worker.Request) worker.Response {
		return worker.Response{Error: "CUDA out of memory"}
	}}
	p, rc := newPipeline(t, w, WithTileSize(32))

	_, err := p.Run(context.Background(), gradient(64, 64), []types.Task{types.TaskDenoise}, nil)
	var remote *worker.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 1, rc.Breaker.Failures())
	assert.Equal(t, 1, w.count(worker.OpRestore), "run aborts on the first failure")
	assert.Equal(t, 0, rc.Manager.Refs("nafnet-denoising-fp16"), "handle released")
}

func TestRunSuccessWalksBreakerBack(t *testing.T) {
	w := &modelWorker{fn: echoRGB}
	p, rc := newPipeline(t, w, WithTileSize(32))
	rc.Breaker.RecordFailure()
	rc.Breaker.RecordFailure()

	_, err := p.Run(context.Background(), gradient(32, 32), []types.Task{types.TaskDenoise}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rc.Breaker.Failures(), "one successful tile")

	_, err = p.Run(context.Background(), gradient(64, 64), []types.Task{types.TaskDenoise}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, rc.Breaker.Failures(), "floored at zero")
	assert.False(t, rc.Breaker.Tripped())
}

func TestRunRejectsWrongTileSize(t *testing.T) {
	w := &modelWorker{fn: func(req worker.Request) worker.Response {
		return worker.Response{Pixels: &worker.Pixels{Width: 2, Height: 2, Channels: 3, Data: make([]byte, 12)}}
	}}
	p, _ := newPipeline(t, w, WithTileSize(16))

	_, err := p.Run(context.Background(), gradient(16, 16), []types.Task{types.TaskDeblur}, nil)
	assert.Error(t, err)
}

func TestRunBreakerTripped(t *testing.T) {
	w := &modelWorker{fn: echoRGB}
	p, rc := newPipeline(t, w)
	for i := 0; i < rc.Breaker.Threshold(); i++ {
		rc.Breaker.RecordFailure()
	}

	_, err := p.Run(context.Background(), gradient(8, 8), []types.Task{types.TaskDenoise}, nil)
	assert.ErrorIs(t, err, resource.ErrAIDisabled)
	assert.Equal(t, 0, w.count(worker.OpPreload))
}

func TestRunUnknownTask(t *testing.T) {
	p, _ := newPipeline(t, &modelWorker{fn: echoRGB})
	_, err := p.Run(context.Background(), gradient(8, 8), []types.Task{"colorize"}, nil)
	assert.ErrorIs(t, err, models.ErrUnknownModel)
}

func TestModelIDs(t *testing.T) {
	p, _ := newPipeline(t, &modelWorker{fn: echoRGB})
	ids, err := p.ModelIDs([]types.Task{types.TaskDehazeOutdoor, types.TaskRetouch})
	require.NoError(t, err)
	assert.Equal(t, []string{"ffanet-dehazing_outdoor-fp16", "gfpgan-retouch-fp16"}, ids)
}
