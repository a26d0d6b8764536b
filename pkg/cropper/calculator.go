package cropper

import (
	"fmt"
	"image"
	"math"

	"github.com/menta2k/imagepipe/pkg/types"
)

type anchorKind int

const (
	anchorPosition anchorKind = iota
	anchorSubject
	anchorFocal
)

// Anchor decides where a crop window is centered
type Anchor struct {
	kind     anchorKind
	position types.Position
	subject  types.ScoredCandidate
	focal    image.Point
}

// PositionAnchor places the window at a named position. Auto is treated as center.
func PositionAnchor(p types.Position) Anchor {
	return Anchor{kind: anchorPosition, position: p}
}

// SubjectAnchor centers the window on a scored subject
func SubjectAnchor(c types.ScoredCandidate) Anchor {
	return Anchor{kind: anchorSubject, subject: c}
}

// FocalAnchor centers the window on a focal point
func FocalAnchor(pt image.Point) Anchor {
	return Anchor{kind: anchorFocal, focal: pt}
}

func (a Anchor) String() string {
	switch a.kind {
	case anchorSubject:
		return "subject:" + a.subject.Category.String()
	case anchorFocal:
		return fmt.Sprintf("focal:%d,%d", a.focal.X, a.focal.Y)
	}
	return "position:" + string(a.position)
}

// Calculator computes crop window offsets
type Calculator struct {
	config Config
}

// NewCalculator creates a calculator using the bias and margin settings of cfg
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{config: cfg}
}

// ComputeCropWindow returns the window of tw x th inside a srcW x srcH image
// for the given anchor. The offsets are always clamped into the image.
func (c *Calculator) ComputeCropWindow(srcW, srcH, tw, th int, anchor Anchor) (types.CropWindow, error) {
	if srcW <= 0 || srcH <= 0 || tw <= 0 || th <= 0 {
		return types.CropWindow{}, fmt.Errorf("crop %dx%d from %dx%d: %w", tw, th, srcW, srcH, types.ErrInvalidDimensions)
	}
	if tw > srcW || th > srcH {
		return types.CropWindow{}, fmt.Errorf("crop %dx%d exceeds source %dx%d: %w", tw, th, srcW, srcH, types.ErrInvalidDimensions)
	}

	win := types.CropWindow{TargetWidth: tw, TargetHeight: th}
	switch anchor.kind {
	case anchorSubject:
		b := anchor.subject.Detection.Box
		cx, cy := b.Center()
		if b.H > float64(th) {
			cy = b.Y + b.H*c.verticalBias(anchor.subject.Category)
		}
		win.X = centeredOffset(cx, srcW, tw)
		win.Y = centeredOffset(cy, srcH, th)
	case anchorFocal:
		win.X = centeredOffset(float64(anchor.focal.X), srcW, tw)
		win.Y = centeredOffset(float64(anchor.focal.Y), srcH, th)
	default:
		h, v := anchor.position.Axes()
		win.X = namedOffset(srcW, tw, h)
		win.Y = namedOffset(srcH, th, v)
	}
	return win, nil
}

// verticalBias is the fraction of the box height, from its top, used as the
// vertical anchor when the box is taller than the window
func (c *Calculator) verticalBias(cat types.Category) float64 {
	switch cat {
	case types.CategoryFace, types.CategoryFacialFeature:
		return c.config.FaceBias
	case types.CategoryPerson, types.CategoryAnimal:
		return c.config.PersonBias
	}
	return 0.5
}

func namedOffset(s, t, side int) int {
	switch {
	case side < 0:
		return 0
	case side > 0:
		return s - t
	}
	return clampOffset(int(math.Round(float64(s-t)/2)), s, t)
}

func centeredOffset(center float64, s, t int) int {
	return clampOffset(int(math.Round(center-float64(t)/2)), s, t)
}

func clampOffset(off, s, t int) int {
	if off < 0 {
		return 0
	}
	if off > s-t {
		return s - t
	}
	return off
}

// ProtectLogos moves the window so that no padded logo box is cut by it. Each
// logo ends up fully inside or fully outside; among the offsets that resolve
// the most logos the one closest to the original window wins.
func (c *Calculator) ProtectLogos(win types.CropWindow, srcW, srcH int, logos []types.Box) types.CropWindow {
	if len(logos) == 0 {
		return win
	}

	bounds := image.Rect(0, 0, srcW, srcH)
	rects := make([]image.Rectangle, 0, len(logos))
	for _, l := range logos {
		r := l.Pad(c.config.LogoPadding).Rect().Intersect(bounds)
		if !r.Empty() {
			rects = append(rects, r)
		}
	}

	orig := win
	cur := win
	curCount := bisected(cur, rects)
	for i := 0; i <= len(rects) && curCount > 0; i++ {
		best, bestCount, bestDist := cur, curCount, math.MaxInt
		for _, x := range axisCandidates(cur.X, srcW, cur.TargetWidth, rects, minX, maxX) {
			for _, y := range axisCandidates(cur.Y, srcH, cur.TargetHeight, rects, minY, maxY) {
				cand := cur
				cand.X, cand.Y = x, y
				n := bisected(cand, rects)
				d := abs(x-orig.X) + abs(y-orig.Y)
				if n < bestCount || (n == bestCount && n < curCount && d < bestDist) {
					best, bestCount, bestDist = cand, n, d
				}
			}
		}
		if bestCount >= curCount {
			break
		}
		cur, curCount = best, bestCount
	}
	return cur
}

func minX(r image.Rectangle) int { return r.Min.X }
func maxX(r image.Rectangle) int { return r.Max.X }
func minY(r image.Rectangle) int { return r.Min.Y }
func maxY(r image.Rectangle) int { return r.Max.Y }

// axisCandidates lists offsets on one axis that contain or exclude each logo
func axisCandidates(cur, s, t int, rects []image.Rectangle, lo, hi func(image.Rectangle) int) []int {
	seen := map[int]bool{cur: true}
	out := []int{cur}
	add := func(v int) {
		v = clampOffset(v, s, t)
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, r := range rects {
		l, h := lo(r), hi(r)
		if h-l <= t {
			// smallest move that contains the logo
			add(min(max(cur, h-t), l))
		}
		add(h)     // window starts after the logo
		add(l - t) // window ends before the logo
	}
	return out
}

func bisected(win types.CropWindow, rects []image.Rectangle) int {
	wr := win.Rect()
	n := 0
	for _, r := range rects {
		in := wr.Intersect(r)
		if !in.Empty() && in != r {
			n++
		}
	}
	return n
}

// NudgeFromEdges pulls subjects that the window barely cuts back inside it.
// A subject qualifies when its overhang is at most EdgeMargin of the window
// size and it fits; the move is skipped if it would push keep out.
func (c *Calculator) NudgeFromEdges(win types.CropWindow, srcW, srcH int, subjects []types.Box, keep types.Box) types.CropWindow {
	bounds := image.Rect(0, 0, srcW, srcH)
	keepRect := keep.Rect().Intersect(bounds)
	keepInside := !keepRect.Empty() && keepRect.In(win.Rect())

	for _, s := range subjects {
		r := s.Rect().Intersect(bounds)
		if r.Empty() {
			continue
		}

		cand := win
		cand.X = nudge(win.X, win.TargetWidth, r.Min.X, r.Max.X, c.config.EdgeMargin)
		cand.Y = nudge(win.Y, win.TargetHeight, r.Min.Y, r.Max.Y, c.config.EdgeMargin)
		cand.X = clampOffset(cand.X, srcW, cand.TargetWidth)
		cand.Y = clampOffset(cand.Y, srcH, cand.TargetHeight)
		if cand == win {
			continue
		}
		if keepInside && !keepRect.In(cand.Rect()) {
			continue
		}
		win = cand
	}
	return win
}

// nudge returns the offset on one axis that brings [lo,hi) inside the window
// when it is cut by no more than margin*t
func nudge(off, t, lo, hi int, margin float64) int {
	if hi-lo > t || hi <= off || lo >= off+t {
		return off
	}
	limit := int(margin * float64(t))
	if lo < off && off-lo <= limit {
		return lo
	}
	if hi > off+t && hi-(off+t) <= limit {
		return hi - t
	}
	return off
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
