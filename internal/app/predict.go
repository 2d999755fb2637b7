package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"yield-attribution/internal/dataset"
	"yield-attribution/internal/session"
	"yield-attribution/internal/waterfall"
)

// Predict explains one operating point. The inputs start from the selected
// day's record and each override replaces one field.
func (a *App) Predict(ctx context.Context, opts PredictOptions) error {
	format, err := ParseFormat(opts.Format)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	ds, err := a.loadDataset(ctx, store)
	if err != nil {
		return err
	}

	m := a.newMetrics()
	defer a.writeMetrics(m)

	sess := a.newSession(m)
	sess.SetDataset(ds)

	date := opts.Date
	if date == nil {
		latest, ok := ds.Latest()
		if !ok {
			return errors.New("dataset has no records")
		}
		date = &latest.Date
	}

	var out session.Outcome
	if len(opts.Overrides) == 0 {
		out, err = sess.PredictDate(*date)
	} else {
		out, err = a.predictOverride(sess, *date, opts.Overrides)
	}
	if err != nil {
		var miss *dataset.LookupMiss
		if errors.As(err, &miss) {
			a.Logger.Warn().Str("date", miss.Date.Format(dataset.DateLayout)).Msg("no record for the selected date")
		}
		return err
	}

	if format == FormatText {
		if err := writeOutcomeText(a.out(), out); err != nil {
			return err
		}
	} else if err := encode(a.out(), format, out); err != nil {
		return err
	}

	if opts.PNGPath != "" {
		if err := a.writeWaterfall(opts.PNGPath, out); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.PNGPath).Msg("waterfall chart written")
	}

	a.recordPrediction(ctx, store, out)

	if opts.Notify {
		notifier := a.newNotifier()
		if notifier == nil {
			return errors.New("alerting is disabled or no channel is configured")
		}
		if err := notifier.Notify(ctx, a.notification(out)); err != nil {
			return fmt.Errorf("send report: %w", err)
		}
	}
	return nil
}

func (a *App) predictOverride(sess *session.Session, date time.Time, overrides map[dataset.Feature]float64) (session.Outcome, error) {
	rec, err := sess.Lookup(date)
	if err != nil {
		return session.Outcome{}, err
	}

	x := rec.Features
	for _, f := range dataset.Features {
		if v, ok := overrides[f]; ok {
			x = x.With(f, v)
		}
	}

	out, err := sess.Predict(x)
	if err != nil {
		return session.Outcome{}, err
	}
	day, observed := rec.Date, rec.Target
	out.Date = &day
	out.Observed = &observed
	return out, nil
}

func (a *App) writeWaterfall(path string, out session.Outcome) error {
	file, err := createFile(path)
	if err != nil {
		return err
	}
	defer file.Close()

	title := "Predicted grade"
	if out.Date != nil {
		title = fmt.Sprintf("Predicted grade for %s", out.Date.Format(dataset.DateLayout))
	}
	return waterfall.Render(file, out.Segments, waterfall.ChartOptions{
		Width:  a.Config.Export.ChartWidth,
		Height: a.Config.Export.ChartHeight,
		Title:  title,
	})
}

func writeOutcomeText(w io.Writer, out session.Outcome) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if out.Date != nil {
		fmt.Fprintf(tw, "Date\t%s\n", out.Date.Format(dataset.DateLayout))
	}
	if out.Observed != nil {
		fmt.Fprintf(tw, "Recorded grade\t%s\n", decimal.NewFromFloat(*out.Observed).StringFixed(2))
	}
	fmt.Fprintf(tw, "Predicted grade\t%s\n", decimal.NewFromFloat(out.Prediction).StringFixed(2))
	fmt.Fprintf(tw, "Model version\t%s\n", out.ModelVersion)
	fmt.Fprintf(tw, "Request\t%s\n", out.RequestID)
	if len(out.Clamped) > 0 {
		names := make([]string, len(out.Clamped))
		for i, f := range out.Clamped {
			names[i] = f.String()
		}
		fmt.Fprintf(tw, "Clamped\t%s\n", strings.Join(names, ","))
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "Input\tValue")
	out.Input.Each(func(f dataset.Feature, v float64) {
		fmt.Fprintf(tw, "%s\t%s\n", f, decimal.NewFromFloat(v).StringFixed(2))
	})
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "Segment\tValue\tCumulative")
	for _, seg := range out.Segments {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", sanitizeInline(seg.Label), seg.Display, decimal.NewFromFloat(seg.Cumulative).StringFixed(1))
	}
	return tw.Flush()
}
