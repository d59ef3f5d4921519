package output

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/simim/internal/fetcher"
	"github.com/sells-group/simim/internal/simerr"
)

// Sink persists a finished series. Sinks are written once per run.
type Sink interface {
	Write(ctx context.Context, runID string, s Series) error
}

// Format selects a sink.
type Format string

const (
	FormatCSV      Format = "csv"
	FormatXLSX     Format = "xlsx"
	FormatSQLite   Format = "sqlite"
	FormatPostgres Format = "postgres"
)

// ParseFormat validates an output format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatXLSX, FormatSQLite, FormatPostgres:
		return f, nil
	case "":
		return FormatCSV, nil
	default:
		return "", eris.Wrapf(simerr.ErrConfiguration, "output: unknown format %q", s)
	}
}

// FileName returns the output file name for a run:
// simim_<model>_<base projection>_<scenario file name>, with the extension
// replaced to match the format.
func FileName(model, baseProjection, scenarioFile string, f Format) string {
	base := filepath.Base(scenarioFile)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	name := "simim_" + model + "_" + baseProjection + "_" + base
	switch f {
	case FormatXLSX:
		return name + ".xlsx"
	case FormatSQLite:
		return name + ".db"
	default:
		return name + ".csv"
	}
}

func records(s Series) [][]string {
	rows := s.Rows()
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = []string{
			r.Zone,
			strconv.Itoa(r.Year),
			num(r.PeopleBaseline),
			num(r.People),
			num(r.Households),
			num(r.OutDelta),
			num(r.InDelta),
			num(r.NetDelta),
		}
	}
	return out
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// CSVSink writes a series to a CSV file.
type CSVSink struct {
	Path string
}

// Write implements Sink.
func (c CSVSink) Write(_ context.Context, _ string, s Series) (err error) {
	f, err := os.Create(c.Path)
	if err != nil {
		return eris.Wrapf(err, "output: create %s", c.Path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = eris.Wrapf(cerr, "output: close %s", c.Path)
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(Columns); err != nil {
		return eris.Wrap(err, "output: write header")
	}
	if err := w.WriteAll(records(s)); err != nil {
		return eris.Wrapf(err, "output: write %s", c.Path)
	}
	return nil
}

// XLSXSink writes a series to a single-sheet workbook.
type XLSXSink struct {
	Path  string
	Sheet string
}

// Write implements Sink.
func (x XLSXSink) Write(_ context.Context, _ string, s Series) error {
	sheet := x.Sheet
	if sheet == "" {
		sheet = "simim"
	}
	if err := fetcher.WriteXLSX(x.Path, sheet, Columns, records(s)); err != nil {
		return eris.Wrap(err, "output: xlsx")
	}
	return nil
}
