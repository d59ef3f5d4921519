// Package output accumulates the yearly per-zone results of a simulation and
// writes them to a single sink at the end of a run.
package output

import "sort"

// Row is one zone's result for one year.
type Row struct {
	Zone           string
	Year           int
	PeopleBaseline float64
	People         float64
	Households     float64
	OutDelta       float64
	InDelta        float64
	NetDelta       float64
}

// Columns are the tabular column names of a Row, in write order.
var Columns = []string{
	"GEOGRAPHY_CODE",
	"PROJECTED_YEAR_NAME",
	"PEOPLE_BASELINE",
	"PEOPLE",
	"HOUSEHOLDS",
	"OUT_DELTA",
	"IN_DELTA",
	"NET_DELTA",
}

// Series is an append-only sequence of rows. The zero value is empty.
type Series struct {
	rows []Row
}

// Append returns a new series with rows added. s is left unchanged.
func (s Series) Append(rows ...Row) Series {
	out := make([]Row, len(s.rows), len(s.rows)+len(rows))
	copy(out, s.rows)
	return Series{rows: append(out, rows...)}
}

// Len returns the number of rows.
func (s Series) Len() int { return len(s.rows) }

// Rows returns a copy of the rows in append order.
func (s Series) Rows() []Row { return append([]Row(nil), s.rows...) }

// Years returns the sorted distinct years.
func (s Series) Years() []int {
	seen := make(map[int]bool)
	var out []int
	for _, r := range s.rows {
		if !seen[r.Year] {
			seen[r.Year] = true
			out = append(out, r.Year)
		}
	}
	sort.Ints(out)
	return out
}

// Horizon returns the last year in the series.
func (s Series) Horizon() (int, bool) {
	years := s.Years()
	if len(years) == 0 {
		return 0, false
	}
	return years[len(years)-1], true
}

// Year returns the rows for year in append order.
func (s Series) Year(year int) []Row {
	var out []Row
	for _, r := range s.rows {
		if r.Year == year {
			out = append(out, r)
		}
	}
	return out
}
