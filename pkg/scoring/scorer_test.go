package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/imagepipe/pkg/types"
)

func det(label string, conf, x, y, w, h float64) types.Detection {
	return types.Detection{Label: label, Confidence: conf, Box: types.Box{X: x, Y: y, W: w, H: h}}
}

func TestSelectPrimarySubjectNone(t *testing.T) {
	s := New()

	_, ok := s.SelectPrimarySubject(nil, 100, 100)
	assert.False(t, ok)

	dets := []types.Detection{
		det("person", 0.1, 10, 10, 50, 50), // below confidence
		det("background", 0.9, 0, 0, 100, 100),
		det("logo", 0.9, 5, 5, 10, 10),
	}
	_, ok = s.SelectPrimarySubject(dets, 100, 100)
	assert.False(t, ok, "filtered detections leave no subject")
}

func TestCategoryBias(t *testing.T) {
	s := New()
	box := func(label string) types.Detection { return det(label, 0.8, 400, 300, 200, 200) }

	face := s.Score(box("face"), types.CategoryFace, 1000, 800, false)
	eye := s.Score(box("eye"), types.CategoryFacialFeature, 1000, 800, false)
	person := s.Score(box("person"), types.CategoryPerson, 1000, 800, false)
	food := s.Score(box("pizza"), types.CategoryFood, 1000, 800, false)
	other := s.Score(box("kite"), types.CategoryDefault, 1000, 800, false)

	assert.Greater(t, face, eye)
	assert.Greater(t, eye, person)
	assert.Greater(t, person, food)
	assert.Greater(t, food, other)
}

func TestFaceBeatsLargerObject(t *testing.T) {
	s := New()
	dets := []types.Detection{
		det("car", 0.95, 100, 100, 600, 400),
		det("face", 0.7, 700, 100, 120, 150),
	}
	best, ok := s.SelectPrimarySubject(dets, 1000, 800)
	require.True(t, ok)
	assert.Equal(t, types.CategoryFace, best.Category)
	assert.Equal(t, 1, best.Index)
}

func TestSecondarySuppressedWhenHumanPresent(t *testing.T) {
	s := New()
	laptop := det("laptop", 0.9, 300, 250, 400, 300)
	person := det("person", 0.5, 0, 0, 80, 200)

	alone := s.Rank([]types.Detection{laptop}, 1000, 800)
	withHuman := s.Rank([]types.Detection{laptop, person}, 1000, 800)
	require.Len(t, alone, 1)
	require.Len(t, withHuman, 2)

	var suppressed float64
	for _, c := range withHuman {
		if c.Category == types.CategorySecondary {
			suppressed = c.Score
		}
	}
	assert.Less(t, suppressed, alone[0].Score)
	assert.Equal(t, types.CategoryPerson, withHuman[0].Category)
}

func TestSizePenalties(t *testing.T) {
	s := New()
	w := s.Weights()

	tiny := det("kite", 0.8, 495, 395, 5, 5)
	whole := det("kite", 0.8, 0, 0, 1000, 800)
	medium := det("kite", 0.8, 350, 250, 300, 300)

	tinyScore := s.Score(tiny, types.CategoryDefault, 1000, 800, false)
	wholeScore := s.Score(whole, types.CategoryDefault, 1000, 800, false)
	mediumScore := s.Score(medium, types.CategoryDefault, 1000, 800, false)

	assert.Less(t, tinyScore, mediumScore)
	assert.Less(t, wholeScore, mediumScore, "whole-frame boxes are penalized hard")
	assert.InDelta(t, (w.SizeWeight*1+w.ConfidenceWeight*0.8+w.CentralityWeight*1)*w.LargePenalty+w.CenterConfidenceBonus, wholeScore, 1e-9)
}

func TestScoreMonotonicInConfidence(t *testing.T) {
	s := New()
	boxes := []types.Box{
		{X: 0, Y: 0, W: 3, H: 3},
		{X: 400, Y: 300, W: 200, H: 200},
		{X: 0, Y: 0, W: 1000, H: 800},
		{X: 900, Y: 700, W: 100, H: 100},
	}
	cats := []types.Category{types.CategoryFace, types.CategoryPerson, types.CategoryDefault, types.CategorySecondary}

	for _, b := range boxes {
		for _, c := range cats {
			for _, human := range []bool{false, true} {
				prev := -1.0
				for conf := 0.0; conf <= 1.0; conf += 0.05 {
					score := s.Score(types.Detection{Label: "x", Confidence: conf, Box: b}, c, 1000, 800, human)
					assert.GreaterOrEqual(t, score, prev, "box %+v category %v conf %.2f", b, c, conf)
					prev = score
				}
			}
		}
	}
}

func TestStableTies(t *testing.T) {
	s := New()
	dets := []types.Detection{
		det("dog", 0.8, 100, 100, 100, 100),
		det("cat", 0.8, 100, 100, 100, 100),
		det("bird", 0.8, 100, 100, 100, 100),
	}
	ranked := s.Rank(dets, 1000, 1000)
	require.Len(t, ranked, 3)
	for i, c := range ranked {
		assert.Equal(t, i, c.Index)
	}
}

func TestLogos(t *testing.T) {
	s := New()
	dets := []types.Detection{
		det("logo", 0.9, 10, 10, 40, 20),
		det("watermark", 0.1, 10, 10, 40, 20),
		det("person", 0.9, 100, 100, 40, 80),
	}
	logos := s.Logos(dets)
	require.Len(t, logos, 1)
	assert.Equal(t, types.Box{X: 10, Y: 10, W: 40, H: 20}, logos[0])
}

func TestCustomWeights(t *testing.T) {
	w := DefaultWeights()
	w.FoodWeight = 10
	s := NewWithConfig(w)

	dets := []types.Detection{
		det("person", 0.9, 400, 300, 200, 200),
		det("cake", 0.9, 400, 300, 200, 200),
	}
	best, ok := s.SelectPrimarySubject(dets, 1000, 800)
	require.True(t, ok)
	assert.Equal(t, types.CategoryFood, best.Category)
}
