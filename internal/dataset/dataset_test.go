package dataset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestFieldsAccessors(t *testing.T) {
	v := FromArray([NumFeatures]float64{1, 2, 3, 4, 5})
	assert.Equal(t, 3.0, v.Get(Reagent3))
	assert.Equal(t, [NumFeatures]float64{1, 2, 3, 4, 5}, v.Array())

	w := v.With(Valve1, 40)
	assert.Equal(t, 4.0, v.Valve1, "With must not mutate the receiver")
	assert.Equal(t, 40.0, w.Valve1)

	var seen []Feature
	v.Each(func(f Feature, _ float64) { seen = append(seen, f) })
	assert.Equal(t, Features[:], seen)
}

func TestParseFeature(t *testing.T) {
	f, err := ParseFeature("X4")
	require.NoError(t, err)
	assert.Equal(t, Valve1, f)

	f, err = ParseFeature("reagent2")
	require.NoError(t, err)
	assert.Equal(t, Reagent2, f)

	_, err = ParseFeature("x9")
	assert.Error(t, err)
}

func TestNewSortsAndFingerprints(t *testing.T) {
	recs := []Record{
		{Date: day("2023-01-02"), Features: UniformVector(2), Target: 2},
		{Date: day("2023-01-01"), Features: UniformVector(1), Target: 1},
	}
	ds, err := New(recs)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	assert.Equal(t, day("2023-01-01"), ds.Records()[0].Date)

	same, err := New([]Record{recs[1], recs[0]})
	require.NoError(t, err)
	assert.Equal(t, ds.Version(), same.Version())

	recs[0].Target = 2.5
	changed, err := New(recs)
	require.NoError(t, err)
	assert.NotEqual(t, ds.Version(), changed.Version())
}

func TestNewRejectsDuplicatesAndNaN(t *testing.T) {
	_, err := New([]Record{
		{Date: day("2023-01-01"), Target: 1},
		{Date: day("2023-01-01").Add(3 * time.Hour), Target: 2},
	})
	assert.Error(t, err)

	_, err = New([]Record{{Date: day("2023-01-01"), Target: math.NaN()}})
	assert.Error(t, err)
}

func TestLookupMiss(t *testing.T) {
	ds, err := New([]Record{{Date: day("2023-01-01"), Target: 1}})
	require.NoError(t, err)

	rec, err := ds.Lookup(day("2023-01-01").Add(15 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Target)

	_, err = ds.Lookup(day("2024-05-05"))
	var miss *LookupMiss
	require.True(t, errors.As(err, &miss))
	assert.Equal(t, day("2024-05-05"), miss.Date)
}

func TestBetweenAndTargetRange(t *testing.T) {
	src := SyntheticSource{Rows: 10, Seed: 3, NoiseStdDev: 1}
	ds, err := src.Load(context.Background())
	require.NoError(t, err)

	window := ds.Between(day("2023-01-03"), day("2023-01-06"))
	require.Len(t, window, 3)
	assert.Equal(t, day("2023-01-05"), window[2].Date)

	lo, hi := ds.TargetRange()
	for _, rec := range ds.Records() {
		assert.GreaterOrEqual(t, rec.Target, lo)
		assert.LessOrEqual(t, rec.Target, hi)
	}
}

func TestSyntheticIsReproducible(t *testing.T) {
	a, err := SyntheticSource{Rows: 50, Seed: 7, NoiseStdDev: 1}.Load(context.Background())
	require.NoError(t, err)
	b, err := SyntheticSource{Rows: 50, Seed: 7, NoiseStdDev: 1}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.Version(), b.Version())

	for _, rec := range a.Records() {
		for _, v := range rec.Features.Array() {
			assert.True(t, v >= 1 && v <= 10, "feature %g outside default bounds", v)
		}
	}
}

func TestEnforcePolicies(t *testing.T) {
	bounds := UniformBounds(1, 10)
	x := FeatureVector{Reagent1: 12, Reagent2: 5, Reagent3: 0.5, Valve1: 5, Valve2: 5}

	clamped, which, err := Enforce(bounds, x, PolicyClamp)
	require.NoError(t, err)
	assert.Equal(t, []Feature{Reagent1, Reagent3}, which)
	assert.Equal(t, 10.0, clamped.Reagent1)
	assert.Equal(t, 1.0, clamped.Reagent3)

	_, _, err = Enforce(bounds, x, PolicyReject)
	var oor *OutOfRangeInputError
	require.True(t, errors.As(err, &oor))
	assert.Equal(t, Reagent1, oor.Feature)

	_, _, err = Enforce(bounds, x.With(Reagent1, math.NaN()), PolicyClamp)
	assert.True(t, errors.As(err, &oor), "NaN is rejected even when clamping")
}

func TestSyntheticRespectsFeatureBounds(t *testing.T) {
	bounds := FeatureBounds{}.With(Reagent1, Bounds{Min: 20, Max: 30}).With(Valve2, Bounds{Min: 0.5, Max: 0.6})
	recs, err := SyntheticSource{Rows: 40, Seed: 2, Bounds: bounds}.Generate()
	require.NoError(t, err)

	for _, rec := range recs {
		assert.True(t, rec.Features.Reagent1 >= 20 && rec.Features.Reagent1 <= 30, "reagent1 %g", rec.Features.Reagent1)
		assert.True(t, rec.Features.Valve2 >= 0.5 && rec.Features.Valve2 <= 0.6, "valve2 %g", rec.Features.Valve2)
		assert.True(t, rec.Features.Reagent2 >= 1 && rec.Features.Reagent2 <= 10, "unset bounds default to [1, 10]")
	}

	_, err = SyntheticSource{Rows: 1, Bounds: FeatureBounds{}.With(Valve1, Bounds{Min: 5, Max: 2})}.Generate()
	assert.ErrorContains(t, err, "valve1")
}

func TestCSVRoundTrip(t *testing.T) {
	recs, err := SyntheticSource{Rows: 5, Seed: 1, NoiseStdDev: 1}.Generate()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, recs))
	assert.True(t, strings.HasPrefix(buf.String(), "date,x1,x2,x3,x4,x5,y\n"))

	parsed, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, recs, parsed)
}

func TestReadCSVMissingColumn(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("date,x1,x2,y\n2023-01-01,1,2,3\n"))
	assert.ErrorContains(t, err, "x3")
}

func TestHTTPSourceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{
				{"date": "2023-01-02", "features": map[string]float64{"reagent1": 2, "valve2": 3}, "target": 9.5},
				{"date": "2023-01-01", "features": map[string]float64{"reagent1": 1}, "target": 4},
			},
		})
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{URL: srv.URL, Timeout: time.Second, UserAgent: "test-agent"}, zerolog.Nop())
	ds, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())

	rec, err := ds.Lookup(day("2023-01-02"))
	require.NoError(t, err)
	assert.Equal(t, 3.0, rec.Features.Valve2)
	assert.Equal(t, 9.5, rec.Target)
}

func TestHTTPSourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "warehouse offline"})
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{URL: srv.URL}, zerolog.Nop())
	_, err := src.Load(context.Background())
	assert.ErrorContains(t, err, "warehouse offline")

	_, err = NewHTTPSource(HTTPOptions{}, zerolog.Nop()).Load(context.Background())
	assert.Error(t, err)
}

func TestHTTPSourceBreakerOpens(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{URL: srv.URL, FailureThreshold: 2, BreakerCooldown: time.Hour}, zerolog.Nop())
	for i := 0; i < 2; i++ {
		_, err := src.Load(context.Background())
		assert.ErrorContains(t, err, "500")
	}

	_, err := src.Load(context.Background())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, hits)
}

func TestHTTPSourceBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[` + strings.Repeat(" ", 256) + `]}`))
	}))
	defer srv.Close()

	_, err := NewHTTPSource(HTTPOptions{URL: srv.URL, MaxBodyBytes: 64}, zerolog.Nop()).Load(context.Background())
	assert.ErrorContains(t, err, "exceeds 64 bytes")

	ds, err := NewHTTPSource(HTTPOptions{URL: srv.URL}, zerolog.Nop()).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, ds.Len())
}
