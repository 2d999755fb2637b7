package dataset

import (
	"fmt"
	"math"
	"strings"
)

// NumFeatures is the width of every feature vector.
const NumFeatures = 5

// Feature identifies one process input.
type Feature int

const (
	Reagent1 Feature = iota
	Reagent2
	Reagent3
	Valve1
	Valve2
)

// Features lists every feature in vector order.
var Features = [NumFeatures]Feature{Reagent1, Reagent2, Reagent3, Valve1, Valve2}

var featureKeys = [NumFeatures]string{"reagent1", "reagent2", "reagent3", "valve1", "valve2"}

// String returns the config/flag key of the feature.
func (f Feature) String() string {
	if f < 0 || int(f) >= NumFeatures {
		return fmt.Sprintf("feature(%d)", int(f))
	}
	return featureKeys[f]
}

// Column returns the CSV column name (x1..x5).
func (f Feature) Column() string {
	return fmt.Sprintf("x%d", int(f)+1)
}

// MarshalText encodes the feature by key.
func (f Feature) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText accepts a key or column name.
func (f *Feature) UnmarshalText(text []byte) error {
	parsed, err := ParseFeature(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFeature resolves a key or column name.
func ParseFeature(name string) (Feature, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, f := range Features {
		if name == f.String() || name == f.Column() {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown feature %q", name)
}

// Fields holds one named value per feature. It replaces positional slices so
// that callers never index features by hand.
type Fields[T any] struct {
	Reagent1 T `json:"reagent1" yaml:"reagent1" mapstructure:"reagent1"`
	Reagent2 T `json:"reagent2" yaml:"reagent2" mapstructure:"reagent2"`
	Reagent3 T `json:"reagent3" yaml:"reagent3" mapstructure:"reagent3"`
	Valve1   T `json:"valve1" yaml:"valve1" mapstructure:"valve1"`
	Valve2   T `json:"valve2" yaml:"valve2" mapstructure:"valve2"`
}

// FeatureVector is one operating point.
type FeatureVector = Fields[float64]

// FeatureNames carries a display label per feature.
type FeatureNames = Fields[string]

// FeatureBounds carries the accepted range per feature.
type FeatureBounds = Fields[Bounds]

// FromArray builds Fields from vector-ordered values.
func FromArray[T any](a [NumFeatures]T) Fields[T] {
	return Fields[T]{Reagent1: a[0], Reagent2: a[1], Reagent3: a[2], Valve1: a[3], Valve2: a[4]}
}

// UniformVector sets every feature to v.
func UniformVector(v float64) FeatureVector {
	return FromArray([NumFeatures]float64{v, v, v, v, v})
}

// Array returns the values in vector order.
func (f Fields[T]) Array() [NumFeatures]T {
	return [NumFeatures]T{f.Reagent1, f.Reagent2, f.Reagent3, f.Valve1, f.Valve2}
}

// Get returns the value for one feature.
func (f Fields[T]) Get(feature Feature) T {
	switch feature {
	case Reagent1:
		return f.Reagent1
	case Reagent2:
		return f.Reagent2
	case Reagent3:
		return f.Reagent3
	case Valve1:
		return f.Valve1
	case Valve2:
		return f.Valve2
	}
	panic(fmt.Sprintf("dataset: unknown feature %d", int(feature)))
}

// With returns a copy with one field replaced.
func (f Fields[T]) With(feature Feature, v T) Fields[T] {
	switch feature {
	case Reagent1:
		f.Reagent1 = v
	case Reagent2:
		f.Reagent2 = v
	case Reagent3:
		f.Reagent3 = v
	case Valve1:
		f.Valve1 = v
	case Valve2:
		f.Valve2 = v
	default:
		panic(fmt.Sprintf("dataset: unknown feature %d", int(feature)))
	}
	return f
}

// Each visits the fields in vector order.
func (f Fields[T]) Each(fn func(Feature, T)) {
	for _, feature := range Features {
		fn(feature, f.Get(feature))
	}
}

// Bounds is an inclusive operating range.
type Bounds struct {
	Min float64 `json:"min" yaml:"min" mapstructure:"min"`
	Max float64 `json:"max" yaml:"max" mapstructure:"max"`
}

// Contains reports whether v lies within the bounds.
func (b Bounds) Contains(v float64) bool {
	return !math.IsNaN(v) && v >= b.Min && v <= b.Max
}

// Clamp pins v to the bounds.
func (b Bounds) Clamp(v float64) float64 {
	return math.Min(math.Max(v, b.Min), b.Max)
}

// UniformBounds applies the same range to every feature.
func UniformBounds(min, max float64) FeatureBounds {
	b := Bounds{Min: min, Max: max}
	return FeatureBounds{Reagent1: b, Reagent2: b, Reagent3: b, Valve1: b, Valve2: b}
}

// DefaultNames are the operator-facing labels of the flotation inputs.
func DefaultNames() FeatureNames {
	return FeatureNames{
		Reagent1: "Reagent 1",
		Reagent2: "Reagent 2",
		Reagent3: "Reagent 3",
		Valve1:   "Valve 1",
		Valve2:   "Valve 2",
	}
}
