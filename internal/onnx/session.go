// Package onnx runs restoration and super-resolution models with ONNX Runtime
// inside the worker process.
package onnx

import (
	"fmt"
	"image"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/imagepipe/pkg/tiling"
	"github.com/menta2k/imagepipe/pkg/worker"
)

// Session is one loaded model with fixed-size input and output tensors
type Session struct {
	ID      string
	Backend string
	Tile    int
	Scale   int

	// requestedTile is the tile size the session was opened for, 0 for the model default
	requestedTile int

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func newSession(cfg worker.Config, defaultTile int) (*Session, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model %s: no model path", cfg.ModelID)
	}
	scale := max(cfg.Scale, 1)

	inputName, outputName, tile := "input", "output", cfg.TileSize
	if ins, outs, err := ort.GetInputOutputInfo(cfg.ModelPath); err == nil && len(ins) > 0 && len(outs) > 0 {
		inputName, outputName = ins[0].Name, outs[0].Name
		if dims := ins[0].Dimensions; len(dims) == 4 && dims[2] > 0 && dims[2] == dims[3] {
			tile = int(dims[2])
		}
	}
	if tile <= 0 {
		tile = defaultTile
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(tile), int64(tile)))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	out := int64(tile * scale)
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, out, out))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	options, err := sessionOptions(cfg.Backend)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		options)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("model %s on %s: %w", cfg.ModelID, cfg.Backend, err)
	}

	return &Session{
		ID:      cfg.ModelID,
		Backend: cfg.Backend,
		Tile:    tile,
		Scale:   scale,

		requestedTile: cfg.TileSize,
		session:       session,
		input:         input,
		output:        output,
	}, nil
}

func sessionOptions(backend string) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(backend) {
	case "", "cpu":
	case "cuda":
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, fmt.Errorf("cuda provider: %w", err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("cuda provider: %w", err)
		}
	case "coreml":
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("coreml provider: %w", err)
		}
	default:
		options.Destroy()
		return nil, fmt.Errorf("unsupported backend %q", backend)
	}
	return options, nil
}

// Fits reports whether the session serves cfg: same scale, and the same tile
// size when cfg asks for one
func (s *Session) Fits(cfg worker.Config) bool {
	if s.Scale != max(cfg.Scale, 1) {
		return false
	}
	return cfg.TileSize == 0 || cfg.TileSize == s.requestedTile || cfg.TileSize == s.Tile
}

// Warmup runs one inference on a blank tile
func (s *Session) Warmup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.input.GetData())
	return s.session.Run()
}

// Process runs the model over img, tiling it when it is not exactly one tile
func (s *Session) Process(img *image.NRGBA) (*image.NRGBA, error) {
	b := img.Bounds()
	if b.Dx() == s.Tile && b.Dy() == s.Tile {
		return s.run(img)
	}

	tiles, err := tiling.Plan(b.Dx(), b.Dy(), s.Tile, 0)
	if err != nil {
		return nil, err
	}
	canvas := tiling.NewCanvas(b.Dx(), b.Dy(), s.Scale)
	for _, t := range tiles {
		out, err := s.run(tiling.Extract(img, t))
		if err != nil {
			return nil, fmt.Errorf("tile %d: %w", t.Index, err)
		}
		if err := canvas.Put(t, out); err != nil {
			return nil, err
		}
	}
	return canvas.Image(), nil
}

func (s *Session) run(tile *image.NRGBA) (*image.NRGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	toCHW(tile, s.input.GetData())
	if err := s.session.Run(); err != nil {
		return nil, err
	}
	n := s.Tile * s.Scale
	return fromCHW(s.output.GetData(), n, n), nil
}

// Destroy releases the native session and tensors
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Destroy()
	s.input.Destroy()
	s.output.Destroy()
}
