package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// Category names a family of variation instructions.
type Category string

const (
	CategoryRandom          Category = "random"
	CategoryObjectRearrange Category = "object_rearrange"
	CategoryObjectAdd       Category = "object_add"
	CategoryObjectRemove    Category = "object_remove"
	CategoryStyleChange     Category = "style_change"
	CategoryComposition     Category = "composition"
)

// ErrUnknownCategory is returned by ParseCategory for names outside the
// supported set.
var ErrUnknownCategory = errors.New("unknown variation category")

var concreteCategories = []Category{
	CategoryObjectRearrange,
	CategoryObjectAdd,
	CategoryObjectRemove,
	CategoryStyleChange,
	CategoryComposition,
}

var descriptions = map[Category]string{
	CategoryRandom:          "Randomly pick one of the other categories for each variation",
	CategoryObjectRearrange: "Move existing objects to new positions",
	CategoryObjectAdd:       "Add new objects to the scene",
	CategoryObjectRemove:    "Remove objects from the scene",
	CategoryStyleChange:     "Re-render the image in a different artistic style",
	CategoryComposition:     "Change framing, angle and layout",
}

// ConcreteCategories returns every category except random, in a fixed order.
// The order matters: seeded random resolution indexes into it.
func ConcreteCategories() []Category {
	out := make([]Category, len(concreteCategories))
	copy(out, concreteCategories)
	return out
}

// AllCategories returns random followed by the concrete categories.
func AllCategories() []Category {
	return append([]Category{CategoryRandom}, concreteCategories...)
}

// ParseCategory accepts the canonical name, case-insensitively, with either
// underscores or hyphens as separators. An empty string means random.
func ParseCategory(s string) (Category, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	if norm == "" {
		return CategoryRandom, nil
	}
	c := Category(norm)
	if _, ok := descriptions[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
	return c, nil
}

// IsConcrete reports whether c is a known category other than random.
func (c Category) IsConcrete() bool {
	_, ok := descriptions[c]
	return ok && c != CategoryRandom
}

// Description returns a short human-readable explanation of the category.
func (c Category) Description() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return "unknown category"
}

func (c Category) String() string { return string(c) }
