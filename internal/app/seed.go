package app

import (
	"context"
	"errors"
	"fmt"

	"yield-attribution/internal/config"
	"yield-attribution/internal/dataset"
	"yield-attribution/internal/storage"
)

// Seed generates a synthetic history and writes it to a CSV file, the
// database, or both.
func (a *App) Seed(ctx context.Context, opts SeedOptions) error {
	if opts.CSVPath == "" && !opts.Database {
		return errors.New("at least one of --csv or --db must be provided")
	}

	source, err := a.syntheticSource()
	if err != nil {
		return err
	}
	if opts.Rows > 0 {
		source.Rows = opts.Rows
	}
	if opts.Seed != nil {
		source.Seed = *opts.Seed
	}

	records, err := source.Generate()
	if err != nil {
		return err
	}
	a.Logger.Info().Int("rows", len(records)).Uint64("seed", source.Seed).Msg("synthetic history generated")

	if opts.CSVPath != "" {
		if err := writeRecordsCSV(opts.CSVPath, records); err != nil {
			return err
		}
		a.Logger.Info().Str("path", opts.CSVPath).Msg("history written")
	}

	if opts.Database {
		if err := a.persistRecords(ctx, records, config.SourceSynthetic); err != nil {
			return err
		}
	}
	return nil
}

// Import copies a CSV history into the database.
func (a *App) Import(ctx context.Context, opts ImportOptions) error {
	path := opts.CSVPath
	if path == "" {
		path = a.Config.Dataset.CSVPath
	}

	ds, err := dataset.CSVSource{Path: path}.Load(ctx)
	if err != nil {
		return err
	}
	return a.persistRecords(ctx, ds.Records(), config.SourceCSV)
}

func (a *App) persistRecords(ctx context.Context, records []dataset.Record, source string) error {
	store, closeStore, err := a.requireStore(ctx, "store records")
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	rows := make([]storage.ProcessRecord, len(records))
	for i, rec := range records {
		rows[i] = storage.FromRecord(rec, source)
	}
	if err := store.UpsertRecords(ctx, rows); err != nil {
		return fmt.Errorf("upsert records: %w", err)
	}

	total, err := store.CountRecords(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("written", len(rows)).Int64("total", total).Str("source", source).Msg("records stored")
	return nil
}
