package types

import (
	"errors"
	"image"
	"math"
)

// ErrInvalidDimensions is returned for non-positive image or target dimensions.
var ErrInvalidDimensions = errors.New("invalid image dimensions")

// Box represents a bounding box in source-image pixel space
type Box struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	W float64 `json:"w" msgpack:"w"`
	H float64 `json:"h" msgpack:"h"`
}

// Center returns the center of the box
func (b Box) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Area returns the area of the box
func (b Box) Area() float64 {
	return b.W * b.H
}

// Scale multiplies every coordinate by f
func (b Box) Scale(f float64) Box {
	return Box{X: b.X * f, Y: b.Y * f, W: b.W * f, H: b.H * f}
}

// Pad grows the box by ratio of its own size on every side
func (b Box) Pad(ratio float64) Box {
	px, py := b.W*ratio, b.H*ratio
	return Box{X: b.X - px, Y: b.Y - py, W: b.W + 2*px, H: b.H + 2*py}
}

// Rect converts the box to an integer rectangle, rounding outward
func (b Box) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X)), int(math.Floor(b.Y)),
		int(math.Ceil(b.X+b.W)), int(math.Ceil(b.Y+b.H)),
	)
}

// Detection is a single object reported by a detector
type Detection struct {
	Label      string  `json:"label" msgpack:"label"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
	Box        Box     `json:"box" msgpack:"box"`
}

// ScoredCandidate is a detection ranked as a possible crop subject
type ScoredCandidate struct {
	Detection Detection `json:"detection"`
	Category  Category  `json:"category"`
	Score     float64   `json:"score"`
	Index     int       `json:"index"`
}

// CropWindow is a resolved crop rectangle inside a source image.
// 0 <= X <= sourceWidth-TargetWidth and 0 <= Y <= sourceHeight-TargetHeight.
type CropWindow struct {
	TargetWidth  int `json:"target_width"`
	TargetHeight int `json:"target_height"`
	X            int `json:"x"`
	Y            int `json:"y"`
}

// Rect returns the window as a rectangle in source coordinates
func (w CropWindow) Rect() image.Rectangle {
	return image.Rect(w.X, w.Y, w.X+w.TargetWidth, w.Y+w.TargetHeight)
}

// CropStrategy selects how a crop anchor is chosen
type CropStrategy string

const (
	StrategyStandard CropStrategy = "standard"
	StrategySmart    CropStrategy = "smart"
	StrategyLogo     CropStrategy = "logo"
)

// CropRequest describes a crop to a fixed output size
type CropRequest struct {
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Strategy CropStrategy `json:"strategy"`
	Position Position     `json:"position"`
}

// Metadata reports which paths actually produced an output
type Metadata struct {
	AICrop         bool         `json:"ai_crop"`
	CropStrategy   CropStrategy `json:"crop_strategy,omitempty"`
	Subject        string       `json:"subject,omitempty"`
	FocalFallback  bool         `json:"focal_fallback"`
	Tasks          []Task       `json:"tasks,omitempty"`
	EnhanceModels  []string     `json:"enhance_models,omitempty"`
	AIUpscale      bool         `json:"ai_upscale"`
	UpscaleModel   string       `json:"upscale_model,omitempty"`
	RequestedScale int          `json:"requested_scale,omitempty"`
	EffectiveScale float64      `json:"effective_scale,omitempty"`
	ScaleAdjusted  bool         `json:"scale_adjusted"`
	Tiled          bool         `json:"tiled"`
	FallbackReason string       `json:"fallback_reason,omitempty"`
}

// Merge copies the fields set in other into m
func (m *Metadata) Merge(other Metadata) {
	if other.AICrop {
		m.AICrop = true
	}
	if other.CropStrategy != "" {
		m.CropStrategy = other.CropStrategy
	}
	if other.Subject != "" {
		m.Subject = other.Subject
	}
	m.FocalFallback = m.FocalFallback || other.FocalFallback
	if len(other.Tasks) > 0 {
		m.Tasks = other.Tasks
		m.EnhanceModels = other.EnhanceModels
	}
	if other.RequestedScale != 0 {
		m.AIUpscale = other.AIUpscale
		m.UpscaleModel = other.UpscaleModel
		m.RequestedScale = other.RequestedScale
		m.EffectiveScale = other.EffectiveScale
		m.ScaleAdjusted = other.ScaleAdjusted
		m.Tiled = other.Tiled
	}
	if other.FallbackReason != "" {
		if m.FallbackReason != "" {
			m.FallbackReason += "; "
		}
		m.FallbackReason += other.FallbackReason
	}
}
