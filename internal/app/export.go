package app

import (
	"context"
	"errors"
	"time"

	"yield-attribution/internal/chart"
	"yield-attribution/internal/dataset"
)

// Export renders the historical target series as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	var from, to time.Time
	if opts.From != nil {
		from = dataset.Day(*opts.From)
	}
	if opts.To != nil {
		to = dataset.Day(*opts.To)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return errors.New("from must be before to")
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

	records := ds.Between(from, to)
	if len(records) == 0 {
		a.Logger.Info().Msg("no records found for export window")
		return nil
	}

	downsampled := chart.Downsample(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting records")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := a.writeHistoryPNG(opts.PNGPath, downsampled, opts.MovingAverage); err != nil {
			return err
		}
	}

	return nil
}

func writeRecordsCSV(path string, records []dataset.Record) error {
	file, err := createFile(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return dataset.WriteCSV(file, records)
}

func (a *App) writeHistoryPNG(path string, records []dataset.Record, movingAverage int) error {
	file, err := createFile(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return chart.History(file, records, chart.Options{
		Width:         a.Config.Export.ChartWidth,
		Height:        a.Config.Export.ChartHeight,
		Title:         "Grade history",
		MovingAverage: movingAverage,
	})
}
