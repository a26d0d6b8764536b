// Package scoring ranks object detections as crop subjects.
package scoring

import (
	"math"
	"sort"
	"strings"

	"github.com/menta2k/imagepipe/pkg/types"
)

// Scorer turns raw detections into ranked subject candidates
type Scorer struct {
	weights Weights
	ignore  map[string]struct{}
}

// New creates a Scorer with default weights
func New() *Scorer {
	return NewWithConfig(DefaultWeights())
}

// NewWithConfig creates a Scorer with custom weights
func NewWithConfig(weights Weights) *Scorer {
	ignore := make(map[string]struct{}, len(weights.IgnoreLabels))
	for _, l := range weights.IgnoreLabels {
		ignore[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}
	return &Scorer{weights: weights, ignore: ignore}
}

// Weights returns the constants in use
func (s *Scorer) Weights() Weights {
	return s.weights
}

// SelectPrimarySubject returns the best candidate, or false when no detection
// survives filtering and the caller must fall back to a focal point.
func (s *Scorer) SelectPrimarySubject(dets []types.Detection, imgW, imgH int) (types.ScoredCandidate, bool) {
	ranked := s.Rank(dets, imgW, imgH)
	if len(ranked) == 0 {
		return types.ScoredCandidate{}, false
	}
	return ranked[0], true
}

// Rank filters and scores detections, best first. Equal scores keep detection order.
func (s *Scorer) Rank(dets []types.Detection, imgW, imgH int) []types.ScoredCandidate {
	if imgW <= 0 || imgH <= 0 {
		return nil
	}

	cats := make([]types.Category, len(dets))
	humanPresent := false
	for i, d := range dets {
		cats[i] = types.ResolveCategory(d.Label)
		if cats[i].IsHuman() && d.Confidence >= s.weights.MinConfidence {
			humanPresent = true
		}
	}

	var out []types.ScoredCandidate
	for i, d := range dets {
		if !s.eligible(d, cats[i]) {
			continue
		}
		out = append(out, types.ScoredCandidate{
			Detection: d,
			Category:  cats[i],
			Score:     s.Score(d, cats[i], imgW, imgH, humanPresent),
			Index:     i,
		})
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Score > out[b].Score
	})
	return out
}

// Logos returns the logo boxes among detections that pass the confidence filter
func (s *Scorer) Logos(dets []types.Detection) []types.Box {
	var boxes []types.Box
	for _, d := range dets {
		if d.Confidence >= s.weights.MinConfidence && types.ResolveCategory(d.Label) == types.CategoryLogo {
			boxes = append(boxes, d.Box)
		}
	}
	return boxes
}

func (s *Scorer) eligible(d types.Detection, c types.Category) bool {
	if d.Confidence < s.weights.MinConfidence || d.Box.W <= 0 || d.Box.H <= 0 {
		return false
	}
	if c == types.CategoryLogo {
		return false
	}
	_, ignored := s.ignore[strings.ToLower(strings.TrimSpace(d.Label))]
	return !ignored
}

// Score computes the composite score of one detection.
func (s *Scorer) Score(d types.Detection, c types.Category, imgW, imgH int, humanPresent bool) float64 {
	w := s.weights

	imageArea := float64(imgW) * float64(imgH)
	sizeRatio := d.Box.Area() / imageArea
	size := math.Min(sizeRatio, 1)
	conf := clamp(d.Confidence, 0, 1)
	central := centrality(d.Box, imgW, imgH)

	score := w.SizeWeight*size + w.ConfidenceWeight*conf + w.CentralityWeight*central

	switch {
	case sizeRatio < w.MinSizeRatio:
		score *= w.SmallPenalty
	case sizeRatio > w.MaxSizeRatio:
		score *= w.LargePenalty
	}

	if central >= w.BonusCentrality && conf >= w.BonusConfidence {
		score += w.CenterConfidenceBonus
	}

	score *= w.CategoryWeight(c)
	if c == types.CategorySecondary && humanPresent {
		score *= w.SecondarySuppression
	}
	return score
}

// centrality is 1 at the image center and 0 at a corner
func centrality(b types.Box, imgW, imgH int) float64 {
	cx, cy := b.Center()
	dx := cx - float64(imgW)/2
	dy := cy - float64(imgH)/2
	half := math.Hypot(float64(imgW)/2, float64(imgH)/2)
	return clamp(1-math.Hypot(dx, dy)/half, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
