package dataset

import (
	"fmt"
	"time"
)

// LookupMiss reports a date that has no record.
type LookupMiss struct {
	Date time.Time
}

func (e *LookupMiss) Error() string {
	return fmt.Sprintf("no record for %s", e.Date.Format(DateLayout))
}

// OutOfRangeInputError reports a feature value outside its configured bounds.
type OutOfRangeInputError struct {
	Feature Feature
	Value   float64
	Bounds  Bounds
}

func (e *OutOfRangeInputError) Error() string {
	return fmt.Sprintf("%s=%g outside [%g, %g]", e.Feature, e.Value, e.Bounds.Min, e.Bounds.Max)
}
