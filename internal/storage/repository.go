package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"yield-attribution/internal/dataset"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS process_records (
        record_date DATE PRIMARY KEY,
        x1          DOUBLE PRECISION NOT NULL,
        x2          DOUBLE PRECISION NOT NULL,
        x3          DOUBLE PRECISION NOT NULL,
        x4          DOUBLE PRECISION NOT NULL,
        x5          DOUBLE PRECISION NOT NULL,
        y           DOUBLE PRECISION NOT NULL,
        source      TEXT NOT NULL DEFAULT '',
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS predictions (
        id            BIGSERIAL PRIMARY KEY,
        request_id    UUID NOT NULL UNIQUE,
        record_date   DATE,
        input         JSONB NOT NULL,
        prediction    NUMERIC NOT NULL,
        baseline      NUMERIC NOT NULL,
        contributions JSONB NOT NULL,
        model_version TEXT NOT NULL,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	upsertRecordSQL = `INSERT INTO process_records (
        record_date, x1, x2, x3, x4, x5, y, source
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (record_date) DO UPDATE
    SET
        x1     = EXCLUDED.x1,
        x2     = EXCLUDED.x2,
        x3     = EXCLUDED.x3,
        x4     = EXCLUDED.x4,
        x5     = EXCLUDED.x5,
        y      = EXCLUDED.y,
        source = EXCLUDED.source;`

	listRecordsSQL = `SELECT
        record_date, x1, x2, x3, x4, x5, y, source, created_at
    FROM process_records
    WHERE ($1::date IS NULL OR record_date >= $1)
      AND ($2::date IS NULL OR record_date < $2)
    ORDER BY record_date;`

	listRecentRecordsSQL = `SELECT
        record_date, x1, x2, x3, x4, x5, y, source, created_at
    FROM process_records
    ORDER BY record_date DESC
    LIMIT $1;`

	countRecordsSQL = `SELECT COUNT(*) FROM process_records;`

	insertPredictionSQL = `INSERT INTO predictions (
        request_id, record_date, input, prediction, baseline, contributions, model_version
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRecentPredictionsSQL = `SELECT
        id, request_id::text, record_date, input, prediction::text, baseline::text, contributions, model_version, created_at
    FROM predictions
    ORDER BY created_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RecordStore persists the plant history.
type RecordStore interface {
	UpsertRecords(ctx context.Context, records []ProcessRecord) error
	ListRecords(ctx context.Context, from, to time.Time) ([]ProcessRecord, error)
	ListRecentRecords(ctx context.Context, limit int) ([]ProcessRecord, error)
	CountRecords(ctx context.Context) (int64, error)
}

// PredictionStore audits explained predictions.
type PredictionStore interface {
	InsertPrediction(ctx context.Context, rec PredictionRecord) (PredictionRecord, error)
	ListRecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to records and predictions.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertRecords writes records in one batch.
func (s *Store) UpsertRecords(ctx context.Context, records []ProcessRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		x := rec.Features
		batch.Queue(upsertRecordSQL,
			dataset.Day(rec.Date),
			x.Reagent1,
			x.Reagent2,
			x.Reagent3,
			x.Valve1,
			x.Valve2,
			rec.Grade,
			rec.Source,
		)
	}

	results := pool.SendBatch(ctx, batch)
	for i := range records {
		if _, execErr := results.Exec(); execErr != nil {
			_ = results.Close()
			return fmt.Errorf("upsert record %s: %w", records[i].Date.Format(dataset.DateLayout), execErr)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close upsert batch: %w", err)
	}
	return nil
}

// ListRecords lists records with from <= date < to. Zero bounds are open.
func (s *Store) ListRecords(ctx context.Context, from, to time.Time) ([]ProcessRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecordsSQL, nullableDay(from), nullableDay(to))
	if queryErr != nil {
		return nil, fmt.Errorf("list records: %w", queryErr)
	}
	defer rows.Close()

	return collectRecords(rows, 0)
}

// ListRecentRecords lists the newest records, newest first.
func (s *Store) ListRecentRecords(ctx context.Context, limit int) ([]ProcessRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRecordsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent records: %w", queryErr)
	}
	defer rows.Close()

	return collectRecords(rows, limit)
}

// CountRecords counts stored records.
func (s *Store) CountRecords(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countRecordsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count records: %w", scanErr)
	}
	return count, nil
}

// Load implements dataset.Source over the whole table.
func (s *Store) Load(ctx context.Context) (*dataset.Dataset, error) {
	stored, err := s.ListRecords(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	records := make([]dataset.Record, len(stored))
	for i, rec := range stored {
		records[i] = rec.Record()
	}
	return dataset.New(records)
}

// InsertPrediction persists an explained prediction.
func (s *Store) InsertPrediction(ctx context.Context, rec PredictionRecord) (PredictionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PredictionRecord{}, err
	}

	input, err := json.Marshal(rec.Input)
	if err != nil {
		return PredictionRecord{}, fmt.Errorf("marshal input: %w", err)
	}
	contributions, err := json.Marshal(rec.Contributions)
	if err != nil {
		return PredictionRecord{}, fmt.Errorf("marshal contributions: %w", err)
	}

	requestID, err := uuid.Parse(rec.RequestID)
	if err != nil {
		return PredictionRecord{}, fmt.Errorf("parse request id: %w", err)
	}

	var recordDate any
	if rec.RecordDate != nil {
		recordDate = dataset.Day(*rec.RecordDate)
	}

	row := pool.QueryRow(ctx, insertPredictionSQL,
		requestID,
		recordDate,
		input,
		rec.Prediction.String(),
		rec.Baseline.String(),
		contributions,
		rec.ModelVersion,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return PredictionRecord{}, fmt.Errorf("insert prediction: %w", scanErr)
	}
	return rec, nil
}

// ListRecentPredictions lists the newest predictions.
func (s *Store) ListRecentPredictions(ctx context.Context, limit int) ([]PredictionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentPredictionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent predictions: %w", queryErr)
	}
	defer rows.Close()

	out := make([]PredictionRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanPrediction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectRecords(rows pgx.Rows, capacity int) ([]ProcessRecord, error) {
	records := make([]ProcessRecord, 0, capacity)
	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanRecord(rows pgx.Rows) (ProcessRecord, error) {
	var rec ProcessRecord
	x := &rec.Features
	if err := rows.Scan(
		&rec.Date,
		&x.Reagent1,
		&x.Reagent2,
		&x.Reagent3,
		&x.Valve1,
		&x.Valve2,
		&rec.Grade,
		&rec.Source,
		&rec.CreatedAt,
	); err != nil {
		return ProcessRecord{}, fmt.Errorf("scan record: %w", err)
	}
	rec.Date = dataset.Day(rec.Date)
	return rec, nil
}

func scanPrediction(rows pgx.Rows) (PredictionRecord, error) {
	var (
		rec           PredictionRecord
		recordDate    *time.Time
		input         []byte
		predictionStr string
		baselineStr   string
		contributions []byte
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.RequestID,
		&recordDate,
		&input,
		&predictionStr,
		&baselineStr,
		&contributions,
		&rec.ModelVersion,
		&rec.CreatedAt,
	); err != nil {
		return PredictionRecord{}, fmt.Errorf("scan prediction: %w", err)
	}
	rec.RecordDate = recordDate

	var err error
	if err = json.Unmarshal(input, &rec.Input); err != nil {
		return PredictionRecord{}, fmt.Errorf("parse input: %w", err)
	}
	if err = json.Unmarshal(contributions, &rec.Contributions); err != nil {
		return PredictionRecord{}, fmt.Errorf("parse contributions: %w", err)
	}
	if rec.Prediction, err = decimal.NewFromString(predictionStr); err != nil {
		return PredictionRecord{}, fmt.Errorf("parse prediction: %w", err)
	}
	if rec.Baseline, err = decimal.NewFromString(baselineStr); err != nil {
		return PredictionRecord{}, fmt.Errorf("parse baseline: %w", err)
	}
	return rec, nil
}

func nullableDay(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return dataset.Day(t)
}

var (
	_ RecordStore     = (*Store)(nil)
	_ PredictionStore = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
	_ dataset.Source  = (*Store)(nil)
)
