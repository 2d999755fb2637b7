// Package dataset holds the historical process records and the typed feature
// vectors shared by the model, attribution and presentation layers.
package dataset

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DateLayout is the canonical day key format.
const DateLayout = "2006-01-02"

// Record is one historical observation.
type Record struct {
	Date     time.Time     `json:"date" yaml:"date"`
	Features FeatureVector `json:"features" yaml:"features"`
	Target   float64       `json:"target" yaml:"target"`
}

// Source supplies the historical dataset.
type Source interface {
	Load(ctx context.Context) (*Dataset, error)
}

// Dataset is an ordered, read-only collection of records keyed by day.
type Dataset struct {
	records []Record
	index   map[string]int
	version string
}

// New sorts records by date and fingerprints the content. Dates must be unique
// at day resolution.
func New(records []Record) (*Dataset, error) {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	for i := range sorted {
		sorted[i].Date = Day(sorted[i].Date)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Date.Before(sorted[j].Date)
	})

	index := make(map[string]int, len(sorted))
	for i, rec := range sorted {
		key := rec.Date.Format(DateLayout)
		if _, dup := index[key]; dup {
			return nil, fmt.Errorf("duplicate record for %s", key)
		}
		if math.IsNaN(rec.Target) || math.IsInf(rec.Target, 0) {
			return nil, fmt.Errorf("record %s: target is not finite", key)
		}
		for _, v := range rec.Features.Array() {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("record %s: feature value is not finite", key)
			}
		}
		index[key] = i
	}

	return &Dataset{records: sorted, index: index, version: fingerprint(sorted)}, nil
}

func fingerprint(records []Record) string {
	h := xxhash.New()
	var buf [8]byte
	for _, rec := range records {
		binary.LittleEndian.PutUint64(buf[:], uint64(rec.Date.Unix()))
		_, _ = h.Write(buf[:])
		for _, v := range rec.Features.Array() {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			_, _ = h.Write(buf[:])
		}
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(rec.Target))
		_, _ = h.Write(buf[:])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD key.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// Version identifies the dataset content.
func (d *Dataset) Version() string {
	return d.version
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	return len(d.records)
}

// Records returns a copy of the ordered records.
func (d *Dataset) Records() []Record {
	out := make([]Record, len(d.records))
	copy(out, d.records)
	return out
}

// Lookup finds the record for a day.
func (d *Dataset) Lookup(date time.Time) (Record, error) {
	idx, ok := d.index[Day(date).Format(DateLayout)]
	if !ok {
		return Record{}, &LookupMiss{Date: Day(date)}
	}
	return d.records[idx], nil
}

// Latest returns the most recent record.
func (d *Dataset) Latest() (Record, bool) {
	if len(d.records) == 0 {
		return Record{}, false
	}
	return d.records[len(d.records)-1], true
}

// Vectors returns the feature vectors in date order.
func (d *Dataset) Vectors() []FeatureVector {
	out := make([]FeatureVector, len(d.records))
	for i, rec := range d.records {
		out[i] = rec.Features
	}
	return out
}

// TargetRange returns the observed min and max target.
func (d *Dataset) TargetRange() (min, max float64) {
	if len(d.records) == 0 {
		return 0, 0
	}
	min, max = math.Inf(1), math.Inf(-1)
	for _, rec := range d.records {
		min = math.Min(min, rec.Target)
		max = math.Max(max, rec.Target)
	}
	return min, max
}

// Between returns records with from <= date < to. Zero bounds are open.
func (d *Dataset) Between(from, to time.Time) []Record {
	out := make([]Record, 0, len(d.records))
	for _, rec := range d.records {
		if !from.IsZero() && rec.Date.Before(from) {
			continue
		}
		if !to.IsZero() && !rec.Date.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out
}
