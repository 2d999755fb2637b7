package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"yield-attribution/internal/config"
	"yield-attribution/internal/dataset"
)

// History prints the most recent records, newest first.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	format, err := ParseFormat(opts.Format)
	if err != nil {
		return err
	}

	if opts.Predictions {
		return a.predictionHistory(ctx, opts.Limit, format)
	}

	records, err := a.recentRecords(ctx, opts.Limit)
	if err != nil {
		return err
	}

	if format != FormatText {
		return encode(a.out(), format, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(a.out(), "no records found")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprint(writer, "Date")
	for _, f := range dataset.Features {
		fmt.Fprintf(writer, "\t%s", f)
	}
	fmt.Fprintln(writer, "\tGrade")

	for _, rec := range records {
		fmt.Fprint(writer, rec.Date.Format(dataset.DateLayout))
		rec.Features.Each(func(_ dataset.Feature, v float64) {
			fmt.Fprintf(writer, "\t%s", decimal.NewFromFloat(v).StringFixed(2))
		})
		fmt.Fprintf(writer, "\t%s\n", decimal.NewFromFloat(rec.Target).StringFixed(2))
	}
	return writer.Flush()
}

// recentRecords reads the newest records straight from Postgres when that is
// the configured source, otherwise from the loaded dataset.
func (a *App) recentRecords(ctx context.Context, limit int) ([]dataset.Record, error) {
	if limit <= 0 {
		limit = 20
	}

	if a.Config.Dataset.Source == config.SourcePostgres {
		store, closeStore, err := a.requireStore(ctx, "list records")
		if err != nil {
			return nil, err
		}
		defer closeStore()

		stored, err := store.ListRecentRecords(ctx, limit)
		if err != nil {
			return nil, err
		}
		records := make([]dataset.Record, len(stored))
		for i, rec := range stored {
			records[i] = rec.Record()
		}
		return records, nil
	}

	ds, err := a.loadDataset(ctx, nil)
	if err != nil {
		return nil, err
	}
	all := ds.Records()
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	records := make([]dataset.Record, len(all))
	for i := range all {
		records[i] = all[len(all)-1-i]
	}
	return records, nil
}

// predictionHistory prints the audited predictions, newest first.
func (a *App) predictionHistory(ctx context.Context, limit int, format string) error {
	if limit <= 0 {
		limit = 20
	}
	store, closeStore, err := a.requireStore(ctx, "list predictions")
	if err != nil {
		return err
	}
	defer closeStore()

	predictions, err := store.ListRecentPredictions(ctx, limit)
	if err != nil {
		return err
	}

	if format != FormatText {
		return encode(a.out(), format, predictions)
	}
	if len(predictions) == 0 {
		fmt.Fprintln(a.out(), "no predictions found")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Created\tRequest\tDate\tPrediction\tBaseline\tModel")
	for _, p := range predictions {
		date := "-"
		if p.RecordDate != nil {
			date = p.RecordDate.Format(dataset.DateLayout)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.CreatedAt.UTC().Format(time.RFC3339), p.RequestID, date,
			p.Prediction.StringFixed(2), p.Baseline.StringFixed(2), p.ModelVersion)
	}
	return writer.Flush()
}
