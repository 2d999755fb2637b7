package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"yield-attribution/internal/dataset"
)

// ProcessRecord is one persisted day of plant history.
type ProcessRecord struct {
	Date      time.Time
	Features  dataset.FeatureVector
	Grade     float64
	Source    string
	CreatedAt time.Time
}

// Record converts to the in-memory dataset form.
func (r ProcessRecord) Record() dataset.Record {
	return dataset.Record{Date: r.Date, Features: r.Features, Target: r.Grade}
}

// FromRecord wraps a dataset record for persistence.
func FromRecord(rec dataset.Record, source string) ProcessRecord {
	return ProcessRecord{Date: rec.Date, Features: rec.Features, Grade: rec.Target, Source: source}
}

// PredictionRecord audits one explained prediction.
type PredictionRecord struct {
	ID            int64
	RequestID     string
	RecordDate    *time.Time
	Input         dataset.FeatureVector
	Prediction    decimal.Decimal
	Baseline      decimal.Decimal
	Contributions dataset.FeatureVector
	ModelVersion  string
	CreatedAt     time.Time
}
