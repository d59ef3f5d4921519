// Package fetcher reads the tabular inputs of a run (zone projections,
// OD flows, distances, scenarios) from CSV, gzipped CSV and XLSX files.
package fetcher

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the CSV reader.
type CSVOptions struct {
	Delimiter rune // default ','
	Comment   rune // comment character (0 = none)
	TrimSpace bool
}

// ReadCSV reads a header row and all data rows from r.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) (*Table, error) {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	if opts.Comment != 0 {
		reader.Comment = opts.Comment
	}
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = false

	var header []string
	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "csv: context cancelled")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		if opts.TrimSpace {
			for i, field := range record {
				record[i] = strings.TrimSpace(field)
			}
		}
		if header == nil {
			header = record
			continue
		}
		rows = append(rows, record)
	}

	if header == nil {
		return nil, eris.New("csv: empty input")
	}
	return NewTable(header, rows), nil
}

// ReadCSVFile reads a CSV file, transparently decompressing a .gz suffix.
func ReadCSVFile(ctx context.Context, path string, opts CSVOptions) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "csv: open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, eris.Wrapf(err, "csv: gunzip %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	t, err := ReadCSV(ctx, r, opts)
	if err != nil {
		return nil, eris.Wrapf(err, "csv: %s", path)
	}
	return t, nil
}
