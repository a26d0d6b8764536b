package scoring

import "github.com/menta2k/imagepipe/pkg/types"

// Weights holds the tuned constants used to rank detections. The values were
// tuned empirically against real photos; override them from config rather than
// editing the defaults.
type Weights struct {
	MinConfidence float64  `json:"min_confidence" yaml:"min_confidence"`
	IgnoreLabels  []string `json:"ignore_labels" yaml:"ignore_labels"`

	SizeWeight       float64 `json:"size_weight" yaml:"size_weight"`
	ConfidenceWeight float64 `json:"confidence_weight" yaml:"confidence_weight"`
	CentralityWeight float64 `json:"centrality_weight" yaml:"centrality_weight"`

	MinSizeRatio float64 `json:"min_size_ratio" yaml:"min_size_ratio"` // Default: 0.01 (noise)
	SmallPenalty float64 `json:"small_penalty" yaml:"small_penalty"`
	MaxSizeRatio float64 `json:"max_size_ratio" yaml:"max_size_ratio"` // Default: 0.9 (whole-frame boxes)
	LargePenalty float64 `json:"large_penalty" yaml:"large_penalty"`

	BonusCentrality       float64 `json:"bonus_centrality" yaml:"bonus_centrality"`
	BonusConfidence       float64 `json:"bonus_confidence" yaml:"bonus_confidence"`
	CenterConfidenceBonus float64 `json:"center_confidence_bonus" yaml:"center_confidence_bonus"`

	FaceWeight           float64 `json:"face_weight" yaml:"face_weight"`
	FacialFeatureWeight  float64 `json:"facial_feature_weight" yaml:"facial_feature_weight"`
	PersonWeight         float64 `json:"person_weight" yaml:"person_weight"`
	AnimalWeight         float64 `json:"animal_weight" yaml:"animal_weight"`
	FoodWeight           float64 `json:"food_weight" yaml:"food_weight"`
	DefaultWeight        float64 `json:"default_weight" yaml:"default_weight"`
	SecondaryWeight      float64 `json:"secondary_weight" yaml:"secondary_weight"`
	SecondarySuppression float64 `json:"secondary_suppression" yaml:"secondary_suppression"` // applied when a human is in frame
}

// DefaultWeights returns the standard ranking constants.
func DefaultWeights() Weights {
	return Weights{
		MinConfidence: 0.3,
		IgnoreLabels:  []string{"background", "wall", "floor", "ceiling", "sky", "ground", "grass", "road", "none"},

		SizeWeight:       0.3,
		ConfidenceWeight: 0.4,
		CentralityWeight: 0.3,

		MinSizeRatio: 0.01,
		SmallPenalty: 0.5,
		MaxSizeRatio: 0.9,
		LargePenalty: 0.1,

		BonusCentrality:       0.7,
		BonusConfidence:       0.7,
		CenterConfidenceBonus: 0.15,

		FaceWeight:           3.0,
		FacialFeatureWeight:  2.2,
		PersonWeight:         1.8,
		AnimalWeight:         1.8,
		FoodWeight:           1.3,
		DefaultWeight:        1.0,
		SecondaryWeight:      0.8,
		SecondarySuppression: 0.3,
	}
}

// CategoryWeight looks up the multiplier for a category. Logos are never
// subjects and weigh zero.
func (w Weights) CategoryWeight(c types.Category) float64 {
	switch c {
	case types.CategoryFace:
		return w.FaceWeight
	case types.CategoryFacialFeature:
		return w.FacialFeatureWeight
	case types.CategoryPerson:
		return w.PersonWeight
	case types.CategoryAnimal:
		return w.AnimalWeight
	case types.CategoryFood:
		return w.FoodWeight
	case types.CategorySecondary:
		return w.SecondaryWeight
	case types.CategoryLogo:
		return 0
	default:
		return w.DefaultWeight
	}
}
