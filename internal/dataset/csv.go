package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const targetColumn = "y"

// CSVHeader is the column layout read and written by the CSV helpers.
func CSVHeader() []string {
	header := []string{"date"}
	for _, f := range Features {
		header = append(header, f.Column())
	}
	return append(header, targetColumn)
}

// CSVSource reads records from a file in CSVHeader layout. Columns may appear
// in any order.
type CSVSource struct {
	Path string
}

// Load implements Source.
func (s CSVSource) Load(ctx context.Context) (*Dataset, error) {
	if s.Path == "" {
		return nil, errors.New("dataset.csv_path not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open dataset csv: %w", err)
	}
	defer file.Close()

	records, err := ReadCSV(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	return New(records)
}

// ReadCSV parses records from r.
func ReadCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range CSVHeader() {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var records []Record
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		date, err := ParseDay(row[columns["date"]])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		var x [NumFeatures]float64
		for i, f := range Features {
			x[i], err = strconv.ParseFloat(strings.TrimSpace(row[columns[f.Column()]]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, f.Column(), err)
			}
		}
		target, err := strconv.ParseFloat(strings.TrimSpace(row[columns[targetColumn]]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d column %s: %w", line, targetColumn, err)
		}

		records = append(records, Record{Date: date, Features: FromArray(x), Target: target})
	}
	return records, nil
}

// WriteCSV writes records in CSVHeader layout.
func WriteCSV(w io.Writer, records []Record) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(CSVHeader()); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{rec.Date.Format(DateLayout)}
		for _, v := range rec.Features.Array() {
			row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
		}
		row = append(row, strconv.FormatFloat(rec.Target, 'f', -1, 64))
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

var _ Source = CSVSource{}
