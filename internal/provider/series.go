// Package provider serves the baseline inputs of a run (population,
// households, jobs, GVA and observed flows) from local CSV or XLSX extracts.
package provider

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/simim/internal/fetcher"
	"github.com/sells-group/simim/internal/simerr"
)

var (
	zoneColumns  = []string{"GEOGRAPHY_CODE", "LAD", "ZONE"}
	yearColumns  = []string{"PROJECTED_YEAR_NAME", "YEAR"}
	valueColumns = []string{"OBS_VALUE", "VALUE"}
)

// CensusMerges maps census-merged zone codes onto the code that absorbs them.
var CensusMerges = map[string]string{
	"E09000001": "E09000033", // City of London into Westminster
	"E06000053": "E06000052", // Isles of Scilly into Cornwall
}

// Result is one year of a series for a set of zones.
type Result struct {
	Year         int
	Values       map[string]float64
	Extrapolated bool
}

// Series is a long table of per-zone, per-year values.
type Series struct {
	name   string
	values map[string]map[int]float64
	years  []int
	hold   bool
}

// LoadSeries reads a long-format table with a zone, a year and a value column.
// extra names additional accepted value columns (e.g. "PEOPLE").
func LoadSeries(ctx context.Context, path string, extra ...string) (*Series, error) {
	t, err := fetcher.ReadTable(ctx, path)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: load %s", path)
	}
	zc, ok := t.First(zoneColumns...)
	if !ok {
		return nil, eris.Wrapf(simerr.ErrMissingKey, "provider: %s has no zone column", path)
	}
	yc, ok := t.First(yearColumns...)
	if !ok {
		return nil, eris.Wrapf(simerr.ErrMissingKey, "provider: %s has no year column", path)
	}
	vc, ok := t.First(append(append([]string(nil), valueColumns...), extra...)...)
	if !ok {
		return nil, eris.Wrapf(simerr.ErrMissingKey, "provider: %s has no value column", path)
	}

	s := NewSeries(path)
	for i, raw := range t.Rows {
		year, err := t.Int(raw, yc)
		if err != nil {
			return nil, eris.Wrapf(err, "provider: %s row %d", path, i+2)
		}
		v, err := t.Float(raw, vc)
		if err != nil {
			return nil, eris.Wrapf(err, "provider: %s row %d", path, i+2)
		}
		s.Add(t.String(raw, zc), year, v)
	}
	return s, nil
}

// NewSeries returns an empty series.
func NewSeries(name string) *Series {
	return &Series{name: name, values: make(map[string]map[int]float64)}
}

// Add accumulates v into (zone, year).
func (s *Series) Add(zone string, year int, v float64) {
	byYear, ok := s.values[zone]
	if !ok {
		byYear = make(map[int]float64)
		s.values[zone] = byYear
	}
	if _, seen := byYear[year]; !seen {
		i := sort.SearchInts(s.years, year)
		if i == len(s.years) || s.years[i] != year {
			s.years = append(s.years, 0)
			copy(s.years[i+1:], s.years[i:])
			s.years[i] = year
		}
	}
	byYear[year] += v
}

// Merge folds the values of each merged zone into its surviving zone and
// removes the merged zone. Survivors absent from the series are left alone.
func (s *Series) Merge(merges map[string]string) {
	for from, into := range merges {
		src, ok := s.values[from]
		if !ok {
			continue
		}
		if _, ok := s.values[into]; !ok {
			continue
		}
		for y, v := range src {
			s.Add(into, y, v)
		}
		delete(s.values, from)
	}
}

// Hold makes years after the last known year repeat its values instead of
// extrapolating them.
func (s *Series) Hold() *Series {
	s.hold = true
	return s
}

// Years returns the sorted years with any value.
func (s *Series) Years() []int { return append([]int(nil), s.years...) }

// Zones returns the sorted zones in the series.
func (s *Series) Zones() []string {
	out := make([]string, 0, len(s.values))
	for z := range s.values {
		out = append(out, z)
	}
	sort.Strings(out)
	return out
}

// At returns values for year. Years before the first known year clamp to it;
// years after the last are extrapolated linearly from the last two known
// years, or held at the last year's value if Hold was called; gaps are
// interpolated. A zone with no data is a missing key.
func (s *Series) At(year int, zones []string) (Result, error) {
	if len(s.years) == 0 {
		return Result{}, eris.Wrapf(simerr.ErrMissingKey, "provider: %s is empty", s.name)
	}
	res := Result{Year: year, Values: make(map[string]float64, len(zones))}
	last := s.years[len(s.years)-1]
	res.Extrapolated = year > last

	for _, z := range zones {
		byYear, ok := s.values[z]
		if !ok || len(byYear) == 0 {
			return Result{}, eris.Wrapf(simerr.ErrMissingKey, "provider: %s has no values for %s", s.name, z)
		}
		at := year
		if s.hold && at > last {
			at = last
		}
		res.Values[z] = valueAt(byYear, at)
	}
	switch {
	case res.Extrapolated && s.hold:
		zap.L().Info("provider: using latest available year", zap.String("source", s.name), zap.Int("year", year), zap.Int("last_year", last))
	case res.Extrapolated:
		zap.L().Info("provider: extrapolated", zap.String("source", s.name), zap.Int("year", year), zap.Int("last_year", last))
	}
	return res, nil
}

func valueAt(byYear map[int]float64, year int) float64 {
	if v, ok := byYear[year]; ok {
		return v
	}
	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	sort.Ints(years)

	n := len(years)
	switch {
	case year < years[0]:
		return byYear[years[0]]
	case year > years[n-1]:
		if n == 1 {
			return byYear[years[0]]
		}
		y0, y1 := years[n-2], years[n-1]
		return line(y0, byYear[y0], y1, byYear[y1], year)
	}
	i := sort.SearchInts(years, year)
	y0, y1 := years[i-1], years[i]
	return line(y0, byYear[y0], y1, byYear[y1], year)
}

func line(x0 int, v0 float64, x1 int, v1 float64, x int) float64 {
	slope := (v1 - v0) / float64(x1-x0)
	return v1 + slope*float64(x-x1)
}
