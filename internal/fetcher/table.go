package fetcher

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/simim/internal/simerr"
)

// Table is a header plus string rows. Column lookups are case-insensitive.
type Table struct {
	Header []string
	Rows   [][]string
	col    map[string]int
}

// NewTable indexes header names. Blank trailing header cells are ignored.
func NewTable(header []string, rows [][]string) *Table {
	col := make(map[string]int, len(header))
	for i, h := range header {
		key := normalize(h)
		if key == "" {
			continue
		}
		if _, dup := col[key]; !dup {
			col[key] = i
		}
	}
	return &Table{Header: header, Rows: rows, col: col}
}

// ReadTable reads a CSV (optionally gzipped) or XLSX file by extension.
func ReadTable(ctx context.Context, path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, XLSXOptions{})
	case ".csv", ".gz", ".txt":
		return ReadCSVFile(ctx, path, CSVOptions{TrimSpace: true})
	case ".tsv":
		return ReadCSVFile(ctx, path, CSVOptions{Delimiter: '\t', TrimSpace: true})
	default:
		return nil, eris.Errorf("fetcher: unsupported table format %q", path)
	}
}

func normalize(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// Col returns the position of a column.
func (t *Table) Col(name string) (int, bool) {
	i, ok := t.col[normalize(name)]
	return i, ok
}

// Has reports whether the table has a column.
func (t *Table) Has(name string) bool {
	_, ok := t.Col(name)
	return ok
}

// Require fails with ErrMissingKey naming the first absent column.
func (t *Table) Require(names ...string) error {
	for _, n := range names {
		if !t.Has(n) {
			return eris.Wrapf(simerr.ErrMissingKey, "fetcher: column %s not found", n)
		}
	}
	return nil
}

// First returns the first of names present in the table.
func (t *Table) First(names ...string) (string, bool) {
	for _, n := range names {
		if t.Has(n) {
			return n, true
		}
	}
	return "", false
}

// Columns returns the normalised names of every non-blank header cell.
func (t *Table) Columns() []string {
	out := make([]string, 0, len(t.Header))
	for _, h := range t.Header {
		if k := normalize(h); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// String returns the trimmed cell value of column name in row, or "".
func (t *Table) String(row []string, name string) string {
	i, ok := t.Col(name)
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Float parses a numeric cell. Empty cells read as zero.
func (t *Table) Float(row []string, name string) (float64, error) {
	s := t.String(row, name)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, eris.Wrapf(simerr.ErrInvalidInput, "fetcher: column %s: %q is not a number", name, s)
	}
	return v, nil
}

// Int parses an integer cell, accepting values written as floats ("2020.0").
func (t *Table) Int(row []string, name string) (int, error) {
	s := t.String(row, name)
	if s == "" {
		return 0, eris.Wrapf(simerr.ErrInvalidInput, "fetcher: column %s is empty", name)
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, eris.Wrapf(simerr.ErrInvalidInput, "fetcher: column %s: %q is not an integer", name, s)
	}
	return int(f), nil
}
