package types

import "strings"

// Category is the semantic class of a detection, resolved once from its label
type Category int

const (
	CategoryDefault Category = iota
	CategoryFace
	CategoryFacialFeature
	CategoryPerson
	CategoryAnimal
	CategoryLogo
	CategoryFood
	CategorySecondary
)

var categoryNames = [...]string{
	CategoryDefault:       "default",
	CategoryFace:          "face",
	CategoryFacialFeature: "facial_feature",
	CategoryPerson:        "person",
	CategoryAnimal:        "animal",
	CategoryLogo:          "logo",
	CategoryFood:          "food",
	CategorySecondary:     "secondary",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return categoryNames[CategoryDefault]
	}
	return categoryNames[c]
}

// MarshalText encodes the category by name
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category name, unknown names map to default
func (c *Category) UnmarshalText(b []byte) error {
	*c = CategoryDefault
	for i, name := range categoryNames {
		if name == string(b) {
			*c = Category(i)
			break
		}
	}
	return nil
}

// IsHuman reports whether the category describes a person or part of one
func (c Category) IsHuman() bool {
	return c == CategoryFace || c == CategoryFacialFeature || c == CategoryPerson
}

// labelCategories maps lowercase detector labels (COCO and common vision-model
// vocabulary) onto categories.
var labelCategories = map[string]Category{
	"face":       CategoryFace,
	"human face": CategoryFace,
	"head":       CategoryFace,

	"eye":   CategoryFacialFeature,
	"eyes":  CategoryFacialFeature,
	"nose":  CategoryFacialFeature,
	"mouth": CategoryFacialFeature,
	"ear":   CategoryFacialFeature,
	"lips":  CategoryFacialFeature,

	"person": CategoryPerson,
	"people": CategoryPerson,
	"man":    CategoryPerson,
	"woman":  CategoryPerson,
	"boy":    CategoryPerson,
	"girl":   CategoryPerson,
	"child":  CategoryPerson,
	"human":  CategoryPerson,

	"bird":     CategoryAnimal,
	"cat":      CategoryAnimal,
	"dog":      CategoryAnimal,
	"horse":    CategoryAnimal,
	"sheep":    CategoryAnimal,
	"cow":      CategoryAnimal,
	"elephant": CategoryAnimal,
	"bear":     CategoryAnimal,
	"zebra":    CategoryAnimal,
	"giraffe":  CategoryAnimal,
	"animal":   CategoryAnimal,
	"pet":      CategoryAnimal,

	"logo":      CategoryLogo,
	"brand":     CategoryLogo,
	"watermark": CategoryLogo,
	"emblem":    CategoryLogo,
	"trademark": CategoryLogo,

	"banana":   CategoryFood,
	"apple":    CategoryFood,
	"sandwich": CategoryFood,
	"orange":   CategoryFood,
	"broccoli": CategoryFood,
	"carrot":   CategoryFood,
	"hot dog":  CategoryFood,
	"pizza":    CategoryFood,
	"donut":    CategoryFood,
	"cake":     CategoryFood,
	"food":     CategoryFood,
	"dish":     CategoryFood,
	"meal":     CategoryFood,

	"chair":        CategorySecondary,
	"couch":        CategorySecondary,
	"sofa":         CategorySecondary,
	"bed":          CategorySecondary,
	"dining table": CategorySecondary,
	"table":        CategorySecondary,
	"toilet":       CategorySecondary,
	"bench":        CategorySecondary,
	"tv":           CategorySecondary,
	"tvmonitor":    CategorySecondary,
	"laptop":       CategorySecondary,
	"mouse":        CategorySecondary,
	"remote":       CategorySecondary,
	"keyboard":     CategorySecondary,
	"cell phone":   CategorySecondary,
	"microwave":    CategorySecondary,
	"oven":         CategorySecondary,
	"refrigerator": CategorySecondary,
	"building":     CategorySecondary,
	"house":        CategorySecondary,
	"furniture":    CategorySecondary,
}

// ResolveCategory maps a detector label to its category
func ResolveCategory(label string) Category {
	l := strings.ToLower(strings.TrimSpace(label))
	if c, ok := labelCategories[l]; ok {
		return c
	}
	// Vision models often answer with qualified labels ("smiling woman", "company logo").
	if i := strings.LastIndexByte(l, ' '); i >= 0 {
		if c, ok := labelCategories[l[i+1:]]; ok {
			return c
		}
	}
	return CategoryDefault
}
