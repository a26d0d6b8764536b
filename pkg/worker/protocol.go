// Package worker talks to the out-of-process inference worker.
//
// Requests and responses are correlated by ID, so a Client can have several
// calls in flight over one transport. The wire format is a 4-byte big-endian
// length prefix followed by a msgpack body.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/menta2k/imagepipe/pkg/processing"
	"github.com/menta2k/imagepipe/pkg/types"
)

// Op is the operation a request asks the worker to perform
type Op string

const (
	OpDetect  Op = "detect"
	OpEnhance Op = "enhance"
	OpUpscale Op = "upscale"
	OpRestore Op = "restore"
	OpWarmup  Op = "warmup"
	OpPreload Op = "preload"
	OpDispose Op = "dispose"
)

var (
	// ErrTimeout is returned when a call gets no response in time
	ErrTimeout = errors.New("worker call timed out")
	// ErrClosed is returned for calls on a closed client or transport
	ErrClosed = errors.New("worker closed")
)

// Config is the model configuration carried by a request
type Config struct {
	ModelPath string `msgpack:"model_path,omitempty"`
	ModelID   string `msgpack:"model_id,omitempty"`
	Backend   string `msgpack:"backend,omitempty"`
	Scale     int    `msgpack:"scale,omitempty"`
	Task      string `msgpack:"task,omitempty"`
	TileSize  int    `msgpack:"tile_size,omitempty"`
}

// Pixels is an interleaved 8-bit pixel buffer
type Pixels struct {
	Width    int    `msgpack:"width"`
	Height   int    `msgpack:"height"`
	Channels int    `msgpack:"channels"`
	Data     []byte `msgpack:"data"`
}

// PixelsFromImage wraps an RGBA image. The buffer is shared, not copied.
func PixelsFromImage(img *image.NRGBA) *Pixels {
	b := img.Bounds()
	if img.Stride == 4*b.Dx() && b.Min == (image.Point{}) {
		return &Pixels{Width: b.Dx(), Height: b.Dy(), Channels: 4, Data: img.Pix[:4*b.Dx()*b.Dy()]}
	}
	c := imaging.Clone(img)
	return &Pixels{Width: b.Dx(), Height: b.Dy(), Channels: 4, Data: c.Pix}
}

// Image converts the buffer to RGBA, adding opaque alpha to 3-channel data
func (p *Pixels) Image() (*image.NRGBA, error) {
	if p == nil {
		return nil, errors.New("response carries no pixels")
	}
	return processing.FromChannels(p.Data, p.Width, p.Height, p.Channels)
}

// Request is one operation sent to the worker
type Request struct {
	ID     string  `msgpack:"id"`
	Op     Op      `msgpack:"op"`
	Config Config  `msgpack:"config"`
	Pixels *Pixels `msgpack:"pixels,omitempty"`
}

// Response mirrors a request. Error is set instead of a result on failure.
type Response struct {
	ID         string            `msgpack:"id"`
	Op         Op                `msgpack:"op"`
	Pixels     *Pixels           `msgpack:"pixels,omitempty"`
	Detections []types.Detection `msgpack:"detections,omitempty"`
	Error      string            `msgpack:"error,omitempty"`
}

// RemoteError is a failure reported by the worker itself
type RemoteError struct {
	Op      Op
	ID      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker %s %s: %s", e.Op, e.ID, e.Message)
}

// Caller sends a request and waits for its response
type Caller interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// Handler executes requests on the worker side
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req Request) Response

// Handle calls f(ctx, req)
func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Transport moves requests to a worker and responses back
type Transport interface {
	// Send delivers one request. It may be called from a single goroutine only.
	Send(req Request) error
	// Recv blocks for the next response. It returns ErrClosed or io.EOF once
	// the worker is gone.
	Recv() (Response, error)
	Close() error
}
