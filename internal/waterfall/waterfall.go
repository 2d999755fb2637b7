// Package waterfall arranges an attribution as the seven bars an operator
// reads left to right: the mean grade, one signed step per input, and the
// predicted grade.
package waterfall

import (
	"github.com/shopspring/decimal"

	"yield-attribution/internal/attribution"
	"yield-attribution/internal/dataset"
)

// Count is the number of segments in every waterfall.
const Count = dataset.NumFeatures + 2

// Kind classifies a segment for rendering.
type Kind string

const (
	KindBaseline Kind = "baseline"
	KindIncrease Kind = "increase"
	KindDecrease Kind = "decrease"
	KindTotal    Kind = "total"
)

// Segment is one bar. Cumulative is the running value after the bar.
type Segment struct {
	Label      string  `json:"label" yaml:"label"`
	Magnitude  float64 `json:"magnitude" yaml:"magnitude"`
	Cumulative float64 `json:"cumulative" yaml:"cumulative"`
	Total      bool    `json:"total" yaml:"total"`
	Display    string  `json:"display" yaml:"display"`
}

// Kind reports how the segment should be drawn.
func (s Segment) Kind(index int) Kind {
	switch {
	case s.Total:
		return KindTotal
	case index == 0:
		return KindBaseline
	case s.Magnitude < 0:
		return KindDecrease
	}
	return KindIncrease
}

// Start is where the bar begins on the value axis.
func (s Segment) Start(index int) float64 {
	if s.Total || index == 0 {
		return 0
	}
	return s.Cumulative - s.Magnitude
}

// Labels name the bars.
type Labels struct {
	Baseline string               `mapstructure:"baseline"`
	Total    string               `mapstructure:"total"`
	Features dataset.FeatureNames `mapstructure:"features"`
}

// DefaultLabels returns the flotation plant wording.
func DefaultLabels() Labels {
	return Labels{
		Baseline: "Mean grade",
		Total:    "Predicted grade",
		Features: dataset.DefaultNames(),
	}
}

// withDefaults fills blank labels.
func (l Labels) withDefaults() Labels {
	def := DefaultLabels()
	if l.Baseline == "" {
		l.Baseline = def.Baseline
	}
	if l.Total == "" {
		l.Total = def.Total
	}
	def.Features.Each(func(f dataset.Feature, name string) {
		if l.Features.Get(f) == "" {
			l.Features = l.Features.With(f, name)
		}
	})
	return l
}

// Compose lays out the result. It always returns Count segments, including
// zero-magnitude ones, and the final segment equals baseline plus every
// contribution at full precision.
func Compose(res attribution.Result, labels Labels) []Segment {
	labels = labels.withDefaults()
	segments := make([]Segment, 0, Count)

	running := res.Baseline
	segments = append(segments, segment(labels.Baseline, res.Baseline, running, false))

	res.Contributions.Each(func(f dataset.Feature, phi float64) {
		running += phi
		segments = append(segments, segment(labels.Features.Get(f), phi, running, false))
	})

	segments = append(segments, segment(labels.Total, running, running, true))
	return segments
}

func segment(label string, magnitude, cumulative float64, total bool) Segment {
	return Segment{
		Label:      label,
		Magnitude:  magnitude,
		Cumulative: cumulative,
		Total:      total,
		Display:    decimal.NewFromFloat(magnitude).StringFixed(1),
	}
}
