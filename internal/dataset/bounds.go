package dataset

import (
	"fmt"
	"math"
	"strings"
)

// RangePolicy decides what happens to out-of-range input.
type RangePolicy string

const (
	// PolicyClamp pins offending values to the nearest bound.
	PolicyClamp RangePolicy = "clamp"
	// PolicyReject fails the request with OutOfRangeInputError.
	PolicyReject RangePolicy = "reject"
)

// ParseRangePolicy validates a policy name.
func ParseRangePolicy(s string) (RangePolicy, error) {
	switch RangePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyClamp:
		return PolicyClamp, nil
	case PolicyReject:
		return PolicyReject, nil
	}
	return "", fmt.Errorf("unknown out-of-range policy %q", s)
}

// Enforce applies bounds to x. NaN is rejected under every policy. The returned
// slice lists the features that were clamped.
func Enforce(bounds FeatureBounds, x FeatureVector, policy RangePolicy) (FeatureVector, []Feature, error) {
	var clamped []Feature
	out := x
	for _, f := range Features {
		b := bounds.Get(f)
		v := x.Get(f)
		if b.Contains(v) {
			continue
		}
		if math.IsNaN(v) || policy != PolicyClamp {
			return x, nil, &OutOfRangeInputError{Feature: f, Value: v, Bounds: b}
		}
		out = out.With(f, b.Clamp(v))
		clamped = append(clamped, f)
	}
	return out, clamped, nil
}

// ValidateBounds checks that every range is well formed.
func ValidateBounds(bounds FeatureBounds) error {
	for _, f := range Features {
		b := bounds.Get(f)
		if math.IsNaN(b.Min) || math.IsNaN(b.Max) || b.Min > b.Max {
			return fmt.Errorf("features.bounds.%s: min %g must not exceed max %g", f, b.Min, b.Max)
		}
	}
	return nil
}
