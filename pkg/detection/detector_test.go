package detection

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/imagepipe/pkg/client"
	"github.com/menta2k/imagepipe/pkg/types"
	"github.com/menta2k/imagepipe/pkg/worker"
)

type fakeVision struct {
	objects []client.Object
	err     error
	gotB64  string
}

func (f *fakeVision) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "a gray square", nil
}

func (f *fakeVision) DetectObjects(ctx context.Context, model, prompt, imgB64 string) ([]client.Object, error) {
	f.gotB64 = imgB64
	return f.objects, f.err
}

func TestStatic(t *testing.T) {
	s := Static{{Label: "dog", Confidence: 1}}
	dets, err := s.Detect(context.Background(), nil)
	require.NoError(t, err)
	dets[0].Label = "cat"
	assert.Equal(t, "dog", s[0].Label, "Detect must return a copy")
}

func TestVisionDetectorConvertsBoxes(t *testing.T) {
	fake := &fakeVision{objects: []client.Object{
		{Label: "Person", Confidence: 0.9, Box: types.Box{X: 0.25, Y: 0.5, W: 0.5, H: 0.25}},
		{Label: "logo", Confidence: 1.4, Box: types.Box{X: 10, Y: 10, W: 20, H: 20}},
		{Label: "dog", Confidence: 0.8, Box: types.Box{X: 0.9, Y: 0.9, W: 0.5, H: 0.5}},
		{Label: "ghost", Confidence: 0.5, Box: types.Box{X: 0.5, Y: 0.5}},
	}}
	d := NewVisionDetector(fake, "llava")

	dets, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 400, 200)))
	require.NoError(t, err)
	require.Len(t, dets, 3)

	assert.Equal(t, "person", dets[0].Label)
	assert.Equal(t, types.Box{X: 100, Y: 100, W: 200, H: 50}, dets[0].Box)

	// percent coordinates, confidence clamped
	assert.Equal(t, 1.0, dets[1].Confidence)
	assert.InDelta(t, 40, dets[1].Box.X, 1e-9)
	assert.InDelta(t, 80, dets[1].Box.W, 1e-9)

	// clipped to the image
	assert.InDelta(t, 360, dets[2].Box.X, 1e-9)
	assert.InDelta(t, 40, dets[2].Box.W, 1e-9)

	raw, err := base64.StdEncoding.DecodeString(fake.gotB64)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestVisionDetectorError(t *testing.T) {
	d := NewVisionDetector(&fakeVision{err: errors.New("connection refused")}, "llava")
	_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)))
	assert.Error(t, err)

	text, err := d.TestVision(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10)))
	require.NoError(t, err)
	assert.Equal(t, "a gray square", text)
}

func TestWorkerDetector(t *testing.T) {
	var got worker.Request
	c := worker.NewLocalClient(worker.HandlerFunc(func(ctx context.Context, req worker.Request) worker.Response {
		got = req
		return worker.Response{Detections: []types.Detection{{Label: "face", Confidence: 0.95, Box: types.Box{X: 1, Y: 1, W: 5, H: 5}}}}
	}))
	defer c.Close()

	d := NewWorkerDetector(c, worker.Config{ModelID: "yolo-det", Backend: "cpu"})
	dets, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 6)))
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "face", dets[0].Label)

	assert.Equal(t, worker.OpDetect, got.Op)
	assert.Equal(t, "yolo-det", got.Config.ModelID)
	require.NotNil(t, got.Pixels)
	assert.Equal(t, 8, got.Pixels.Width)
	assert.Equal(t, 6, got.Pixels.Height)
	assert.Len(t, got.Pixels.Data, 8*6*4)
}

func TestWorkerDetectorRemoteError(t *testing.T) {
	c := worker.NewLocalClient(worker.HandlerFunc(func(ctx context.Context, req worker.Request) worker.Response {
		return worker.Response{Error: "no detection model"}
	}))
	defer c.Close()

	_, err := NewWorkerDetector(c, worker.Config{}).Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	var remote *worker.RemoteError
	assert.ErrorAs(t, err, &remote)
}
