package client

import (
	"context"

	"github.com/menta2k/imagepipe/pkg/types"
)

// Object is one object reported by a vision model. Box is normalized to [0,1].
type Object struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Box        types.Box `json:"box"`
}

type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	DetectObjects(ctx context.Context, model, prompt, imgB64 string) ([]Object, error)
}
