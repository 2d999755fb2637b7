// Package chart renders the historical grade series.
package chart

import (
	"errors"
	"io"
	"math"
	"time"

	"github.com/creasty/defaults"
	gochart "github.com/wcharczuk/go-chart/v2"

	"yield-attribution/internal/dataset"
)

// Options size the history chart.
type Options struct {
	Width         int `default:"1280"`
	Height        int `default:"720"`
	Title         string
	TargetName    string `default:"Grade"`
	MovingAverage int
}

// Downsample keeps at most max records, evenly spaced and always including the
// first and last.
func Downsample(records []dataset.Record, max int) []dataset.Record {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]dataset.Record, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

// History writes the target series as a PNG line chart.
func History(w io.Writer, records []dataset.Record, opts Options) error {
	if len(records) < 2 {
		return errors.New("history chart needs at least two records")
	}
	if err := defaults.Set(&opts); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	y := make([]float64, len(records))
	for i, rec := range records {
		x[i] = rec.Date
		y[i] = rec.Target
	}

	target := gochart.TimeSeries{
		Name:    opts.TargetName,
		XValues: x,
		YValues: y,
	}
	series := []gochart.Series{target}
	if opts.MovingAverage > 1 {
		series = append(series, gochart.SMASeries{
			Name:        "Moving average",
			Period:      opts.MovingAverage,
			InnerSeries: target,
			Style: gochart.Style{
				StrokeDashArray: []float64{5, 5},
			},
		})
	}

	graph := gochart.Chart{
		Title:  opts.Title,
		Width:  opts.Width,
		Height: opts.Height,
		XAxis: gochart.XAxis{
			ValueFormatter: gochart.TimeValueFormatterWithFormat(dataset.DateLayout),
		},
		YAxis: gochart.YAxis{
			Name: opts.TargetName,
			ValueFormatter: func(v interface{}) string {
				return gochart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		Series: series,
	}
	graph.Elements = []gochart.Renderable{gochart.Legend(&graph)}

	return graph.Render(gochart.PNG, w)
}
