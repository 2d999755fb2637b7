package waterfall

import (
	"errors"
	"io"
	"math"

	"github.com/creasty/defaults"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

var (
	colorBaseline = drawing.ColorFromHex("1f77b4")
	colorIncrease = drawing.ColorFromHex("2ca02c")
	colorDecrease = drawing.ColorFromHex("d62728")
)

// ChartOptions size the rendered image.
type ChartOptions struct {
	Width  int `default:"1024"`
	Height int `default:"576"`
	Title  string
}

func (o ChartOptions) withDefaults() ChartOptions {
	// The tags are constants, so Set cannot fail here.
	_ = defaults.Set(&o)
	return o
}

// Series draws waterfall bars. X is the segment index; each bar spans from
// its start to its cumulative value.
type Series struct {
	Name     string
	Segments []Segment
	Style    chart.Style
}

// GetName implements chart.Series.
func (s Series) GetName() string { return s.Name }

// GetStyle implements chart.Series.
func (s Series) GetStyle() chart.Style { return s.Style }

// GetYAxis implements chart.Series.
func (s Series) GetYAxis() chart.YAxisType { return chart.YAxisPrimary }

// Len implements chart.BoundedValuesProvider.
func (s Series) Len() int { return len(s.Segments) }

// GetBoundedValues implements chart.BoundedValuesProvider.
func (s Series) GetBoundedValues(index int) (x, y1, y2 float64) {
	seg := s.Segments[index]
	return float64(index), seg.Start(index), seg.Cumulative
}

// Validate implements chart.Series.
func (s Series) Validate() error {
	if len(s.Segments) == 0 {
		return errors.New("waterfall series has no segments")
	}
	return nil
}

// Render implements chart.Series.
func (s Series) Render(r chart.Renderer, canvasBox chart.Box, xrange, yrange chart.Range, base chart.Style) {
	style := s.Style.InheritFrom(base)
	step := xrange.Translate(1) - xrange.Translate(0)
	halfWidth := step * 35 / 100
	label := chart.Style{FontSize: 9, FontColor: drawing.ColorFromHex("333333")}.InheritFrom(style)
	connector := chart.Style{StrokeColor: drawing.ColorFromHex("999999"), StrokeWidth: 1, StrokeDashArray: []float64{3, 3}}

	for i, seg := range s.Segments {
		x := canvasBox.Left + xrange.Translate(float64(i))
		y1 := canvasBox.Bottom - yrange.Translate(seg.Start(i))
		y2 := canvasBox.Bottom - yrange.Translate(seg.Cumulative)
		top, bottom := min(y1, y2), max(y1, y2)
		if bottom == top {
			bottom++
		}

		color := colorFor(seg.Kind(i))
		chart.Draw.Box(r, chart.Box{Top: top, Left: x - halfWidth, Right: x + halfWidth, Bottom: bottom}, chart.Style{
			FillColor:   color,
			StrokeColor: color,
			StrokeWidth: 1,
		})

		if i > 0 {
			prev := canvasBox.Bottom - yrange.Translate(s.Segments[i-1].Cumulative)
			connector.WriteDrawingOptionsToRenderer(r)
			r.MoveTo(x-step+halfWidth, prev)
			r.LineTo(x-halfWidth, prev)
			r.Stroke()
			r.ResetStyle()
		}

		tb := chart.Draw.MeasureText(r, seg.Display, label)
		chart.Draw.Text(r, seg.Display, x-tb.Width()/2, top-4, label)
	}
}

func colorFor(kind Kind) drawing.Color {
	switch kind {
	case KindIncrease:
		return colorIncrease
	case KindDecrease:
		return colorDecrease
	}
	return colorBaseline
}

// Chart builds the go-chart definition for the segments.
func Chart(segments []Segment, opts ChartOptions) chart.Chart {
	opts = opts.withDefaults()

	// Blank outer ticks keep the first and last bar off the axis edges.
	ticks := make([]chart.Tick, 0, len(segments)+2)
	ticks = append(ticks, chart.Tick{Value: -0.5})
	for i, seg := range segments {
		ticks = append(ticks, chart.Tick{Value: float64(i), Label: seg.Label})
	}
	ticks = append(ticks, chart.Tick{Value: float64(len(segments)) - 0.5})

	lo, hi := 0.0, 0.0
	for i, seg := range segments {
		lo = math.Min(lo, math.Min(seg.Start(i), seg.Cumulative))
		hi = math.Max(hi, math.Max(seg.Start(i), seg.Cumulative))
	}
	pad := (hi - lo) * 0.1
	if pad == 0 {
		pad = 1
	}

	return chart.Chart{
		Title:  opts.Title,
		Width:  opts.Width,
		Height: opts.Height,
		Background: chart.Style{
			Padding: chart.Box{Top: 40, Left: 20, Right: 20, Bottom: 20},
		},
		XAxis: chart.XAxis{
			Ticks: ticks,
		},
		YAxis: chart.YAxis{
			Name:  "Grade",
			Range: &chart.ContinuousRange{Min: lo - pad, Max: hi + pad},
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.1f")
			},
		},
		Series: []chart.Series{
			Series{Name: "Attribution", Segments: segments},
		},
	}
}

// Render writes the waterfall as PNG.
func Render(w io.Writer, segments []Segment, opts ChartOptions) error {
	if len(segments) == 0 {
		return errors.New("no segments to render")
	}
	graph := Chart(segments, opts)
	return graph.Render(chart.PNG, w)
}
