package scenario

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/simim/internal/fetcher"
	"github.com/sells-group/simim/internal/simerr"
)

// Required scenario columns.
const (
	ColGeography = "GEOGRAPHY_CODE"
	ColYear      = "YEAR"
)

// Delta is a factor's annual increment and the running total up to the year.
type Delta struct {
	Increment  float64
	Cumulative float64
}

// Row is the scenario for one zone in one year.
type Row struct {
	Zone   string
	Year   int
	Values map[Binding]Delta
}

// Store is an immutable, loaded scenario table.
type Store struct {
	name     string
	bindings []Binding
	byYear   map[int][]Row
	years    []int
	zones    []string
}

// Load reads a scenario from a CSV or XLSX file. bindings lists the factors
// the model expects; any the file lacks are filled with zeros.
func Load(ctx context.Context, path string, bindings []Binding) (*Store, error) {
	t, err := fetcher.ReadTable(ctx, path)
	if err != nil {
		return nil, eris.Wrapf(err, "scenario: load %s", path)
	}
	s, err := FromTable(t, bindings)
	if err != nil {
		return nil, eris.Wrapf(err, "scenario: load %s", path)
	}
	s.name = filepath.Base(path)

	zap.L().Info("scenario: loaded",
		zap.String("file", s.name),
		zap.Ints("timeline", s.Timeline()),
		zap.Strings("geographies", s.Geographies()),
		zap.Strings("factors", bindingNames(s.bindings)),
	)
	return s, nil
}

type key struct {
	zone string
	year int
}

// FromTable builds a Store from an already-read table.
func FromTable(t *fetcher.Table, bindings []Binding) (*Store, error) {
	if err := t.Require(ColGeography, ColYear); err != nil {
		return nil, err
	}

	// Map each factor column onto the bindings it feeds.
	active := make(map[Binding]bool)
	for _, b := range bindings {
		active[b] = true
	}
	incs := make(map[Binding]string)
	cums := make(map[Binding]string)
	for _, name := range t.Columns() {
		if name == ColGeography || name == ColYear {
			continue
		}
		c, ok := parseColumn(name)
		if !ok {
			zap.L().Warn("scenario: ignoring unknown factor column", zap.String("column", name))
			continue
		}
		targets := c.targets(bindings)
		if len(targets) == 0 {
			zap.L().Warn("scenario: ignoring factor not bound to the model", zap.String("column", name))
			continue
		}
		for _, b := range targets {
			active[b] = true
			if c.cumulative {
				cums[b] = name
			} else {
				incs[b] = name
			}
		}
	}

	all := make([]Binding, 0, len(active))
	for b := range active {
		all = append(all, b)
		if incs[b] == "" && cums[b] == "" {
			zap.L().Info("scenario: factor absent, assuming no change", zap.String("factor", b.String()))
		}
	}
	sortBindings(all)

	rows := make(map[key]*Row, len(t.Rows))
	for i, raw := range t.Rows {
		zone := t.String(raw, ColGeography)
		if zone == "" {
			return nil, eris.Wrapf(simerr.ErrMissingKey, "scenario: row %d has no %s", i+2, ColGeography)
		}
		year, err := t.Int(raw, ColYear)
		if err != nil {
			return nil, eris.Wrapf(err, "scenario: row %d", i+2)
		}
		k := key{zone: zone, year: year}
		if _, dup := rows[k]; dup {
			return nil, eris.Wrapf(simerr.ErrInvalidInput, "scenario: duplicate row for %s in %d", zone, year)
		}
		r := &Row{Zone: zone, Year: year, Values: make(map[Binding]Delta, len(all))}
		for _, b := range all {
			var d Delta
			if name := incs[b]; name != "" {
				if d.Increment, err = t.Float(raw, name); err != nil {
					return nil, eris.Wrapf(err, "scenario: row %d", i+2)
				}
			}
			if name := cums[b]; name != "" {
				if d.Cumulative, err = t.Float(raw, name); err != nil {
					return nil, eris.Wrapf(err, "scenario: row %d", i+2)
				}
			}
			r.Values[b] = d
		}
		rows[k] = r
	}

	if err := accumulate(rows, all, incs, cums); err != nil {
		return nil, err
	}
	return newStore(rows, all), nil
}

// accumulate derives cumulative totals from increments (or increments from
// totals) zone by zone and checks that totals never decrease.
func accumulate(rows map[key]*Row, bindings []Binding, incs, cums map[Binding]string) error {
	byZone := make(map[string][]*Row)
	for _, r := range rows {
		byZone[r.Zone] = append(byZone[r.Zone], r)
	}
	for zone, zr := range byZone {
		sort.Slice(zr, func(i, j int) bool { return zr[i].Year < zr[j].Year })
		for _, b := range bindings {
			hasInc, hasCum := incs[b] != "", cums[b] != ""
			prev := 0.0
			for i, r := range zr {
				d := r.Values[b]
				switch {
				case hasInc && !hasCum:
					d.Cumulative = prev + d.Increment
				case hasCum && !hasInc:
					d.Increment = d.Cumulative - prev
				}
				if i > 0 && d.Cumulative < prev {
					return eris.Wrapf(simerr.ErrInvalidInput,
						"scenario: cumulative %s decreases for %s in %d", b, zone, r.Year)
				}
				r.Values[b] = d
				prev = d.Cumulative
			}
		}
	}
	return nil
}

func newStore(rows map[key]*Row, bindings []Binding) *Store {
	s := &Store{bindings: bindings, byYear: make(map[int][]Row)}
	zones := make(map[string]bool)
	for k, r := range rows {
		s.byYear[k.year] = append(s.byYear[k.year], *r)
		zones[k.zone] = true
	}
	for y, yr := range s.byYear {
		sort.Slice(yr, func(i, j int) bool { return yr[i].Zone < yr[j].Zone })
		s.years = append(s.years, y)
	}
	sort.Ints(s.years)
	for z := range zones {
		s.zones = append(s.zones, z)
	}
	sort.Strings(s.zones)
	return s
}

// Name is the base name of the file the store was loaded from.
func (s *Store) Name() string { return s.name }

// Timeline returns the sorted years that have rows.
func (s *Store) Timeline() []int { return append([]int(nil), s.years...) }

// Geographies returns the sorted zones that appear in any year.
func (s *Store) Geographies() []string { return append([]string(nil), s.zones...) }

// Bindings returns the factor bindings carried by every row.
func (s *Store) Bindings() []Binding { return append([]Binding(nil), s.bindings...) }

// FirstYear returns the earliest scenario year, or false for an empty store.
func (s *Store) FirstYear() (int, bool) {
	if len(s.years) == 0 {
		return 0, false
	}
	return s.years[0], true
}

// Rows returns every row ordered by year then zone.
func (s *Store) Rows() []Row {
	var out []Row
	for _, y := range s.years {
		out = append(out, s.byYear[y]...)
	}
	return out
}

// Snapshot is the scenario in force for a requested year.
type Snapshot struct {
	Requested int
	Year      int
	Bindings  []Binding
	rows      map[string]Row
}

// Sticky reports whether the snapshot was carried forward from an earlier year.
func (s *Snapshot) Sticky() bool { return s.Year != s.Requested }

// Lookup returns the row for zone.
func (s *Snapshot) Lookup(zone string) (Row, bool) {
	r, ok := s.rows[zone]
	return r, ok
}

// Zones returns the sorted zones with rows in the snapshot.
func (s *Snapshot) Zones() []string {
	out := make([]string, 0, len(s.rows))
	for z := range s.rows {
		out = append(out, z)
	}
	sort.Strings(out)
	return out
}

// SnapshotForYear returns the rows for year, or those of the latest earlier
// year that has rows. Cumulative values make the carried rows still valid.
func (s *Store) SnapshotForYear(year int) (*Snapshot, error) {
	i := sort.SearchInts(s.years, year+1) - 1
	if i < 0 {
		return nil, eris.Wrapf(simerr.ErrNoScenario, "scenario: no rows in or before %d", year)
	}
	y := s.years[i]
	snap := &Snapshot{
		Requested: year,
		Year:      y,
		Bindings:  s.Bindings(),
		rows:      make(map[string]Row, len(s.byYear[y])),
	}
	for _, r := range s.byYear[y] {
		snap.rows[r.Zone] = r
	}
	return snap, nil
}

func bindingNames(bs []Binding) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.String()
	}
	return out
}
