package output

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/sells-group/simim/internal/fetcher"
	"github.com/sells-group/simim/internal/simerr"
)

func sample() Series {
	return Series{}.Append(
		Row{Zone: "X", Year: 2020, PeopleBaseline: 1000, People: 1000, Households: 400},
		Row{Zone: "Y", Year: 2020, PeopleBaseline: 1000, People: 1000, Households: 400},
		Row{Zone: "X", Year: 2021, PeopleBaseline: 1010, People: 1007.5, Households: 400, OutDelta: 2.5, NetDelta: 2.5},
		Row{Zone: "Y", Year: 2021, PeopleBaseline: 1010, People: 1015, Households: 400, InDelta: 5, NetDelta: -5},
		Row{Zone: "Z", Year: 2021, PeopleBaseline: 1010, People: 1007.5, Households: 400, OutDelta: 2.5, NetDelta: 2.5},
	)
}

func TestSeries_AppendDoesNotAlias(t *testing.T) {
	base := Series{}.Append(Row{Zone: "A", Year: 2020})
	a := base.Append(Row{Zone: "B", Year: 2020})
	b := base.Append(Row{Zone: "C", Year: 2021})

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, "B", a.Rows()[1].Zone)
	assert.Equal(t, "C", b.Rows()[1].Zone)
	assert.Equal(t, []int{2020, 2021}, b.Years())

	h, ok := b.Horizon()
	assert.True(t, ok)
	assert.Equal(t, 2021, h)
	_, ok = Series{}.Horizon()
	assert.False(t, ok)
}

func TestSummarize(t *testing.T) {
	sum := Summarize(sample(), []string{"Y"})
	assert.Equal(t, 2021, sum.Horizon)
	require.Len(t, sum.InRegion, 1)
	assert.InDelta(t, 1010, sum.InRegionBaseline, 1e-12)
	assert.InDelta(t, 1015, sum.InRegionScenario, 1e-12)
	assert.InDelta(t, 5, sum.Change(), 1e-12)

	require.Len(t, sum.LargestOrigins, 3)
	assert.Equal(t, "Y", sum.LargestOrigins[2].Zone)
	assert.Equal(t, "X", sum.LargestOrigins[0].Zone)

	var buf bytes.Buffer
	require.NoError(t, sum.Write(&buf, language.English))
	assert.Contains(t, buf.String(), "Summary at horizon year: 2,021")
	assert.Contains(t, buf.String(), "1,010 baseline vs 1,015 scenario")

	assert.Equal(t, Summary{}, Summarize(Series{}, nil))
}

func TestSummarize_LimitsOrigins(t *testing.T) {
	var s Series
	for i := 0; i < 15; i++ {
		s = s.Append(Row{Zone: fmt.Sprintf("Z%02d", i), Year: 2030, NetDelta: float64(i)})
	}
	sum := Summarize(s, nil)
	require.Len(t, sum.LargestOrigins, topOrigins)
	assert.Equal(t, "Z14", sum.LargestOrigins[0].Zone)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatCSV, "CSV": FormatCSV, "xlsx": FormatXLSX, "sqlite": FormatSQLite, "postgres": FormatPostgres} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("parquet")
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "simim_gravity_ppp_scenario2.csv", FileName("gravity", "ppp", "data/scenario2.csv", FormatCSV))
	assert.Equal(t, "simim_doubly_hhp_camkox.xlsx", FileName("doubly", "hhp", "camkox.csv", FormatXLSX))
	assert.Equal(t, "simim_production_ppp_s.db", FileName("production", "ppp", "s.xlsx", FormatSQLite))
}

func TestCSVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, CSVSink{Path: path}.Write(context.Background(), "run", sample()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, strings.Join(Columns, ","), lines[0])
	assert.Equal(t, "Y,2021,1010,1015,400,0,5,-5", lines[4])
}

func TestCSVSink_ReportsWriteFailure(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("no /dev/full on this platform")
	}
	err := CSVSink{Path: "/dev/full"}.Write(context.Background(), "run", sample())
	assert.Error(t, err)

	err = CSVSink{Path: filepath.Join(t.TempDir(), "missing", "out.csv")}.Write(context.Background(), "run", sample())
	assert.Error(t, err)
}

func TestXLSXSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	require.NoError(t, XLSXSink{Path: path}.Write(context.Background(), "run", sample()))

	tbl, err := fetcher.ReadTable(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, tbl.Rows, 5)
	v, err := tbl.Float(tbl.Rows[3], "NET_DELTA")
	require.NoError(t, err)
	assert.InDelta(t, -5, v, 1e-12)
}

func TestSQLiteSink(t *testing.T) {
	sink, err := NewSQLite(filepath.Join(t.TempDir(), "simim.db"), "")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	require.NoError(t, sink.Write(ctx, "run-1", sample()))
	require.NoError(t, sink.Write(ctx, "run-2", Series{}.Append(Row{Zone: "X", Year: 2020})))

	got, err := sink.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Len())
	assert.Equal(t, sample().Year(2021), got.Year(2021))

	// same run twice violates the key
	assert.Error(t, sink.Write(ctx, "run-2", Series{}.Append(Row{Zone: "X", Year: 2020})))

	_, err = NewSQLite(filepath.Join(t.TempDir(), "x.db"), "bad name;")
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))
}

func TestPostgresSink(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS simim_output").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"simim_output"}, postgresColumns).WillReturnResult(5)

	sink, err := NewPostgres(mock, "")
	require.NoError(t, err)
	require.NoError(t, sink.Write(context.Background(), "0b8e1c5e-6d7f-4a53-9a43-0f1f6f1c2b11", sample()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSink_ShortCopy(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS results").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"results"}, postgresColumns).WillReturnResult(2)

	sink, err := NewPostgres(mock, "results")
	require.NoError(t, err)
	err = sink.Write(context.Background(), "run", sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copied 2 of 5")
}
