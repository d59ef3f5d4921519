package scenario

import (
	"encoding/csv"
	"os"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/simim/internal/simerr"
)

// Plan describes a scenario to generate: groups of zones receiving fixed
// per-year increments over a range of years.
type Plan struct {
	StartYear int         `yaml:"start_year"`
	EndYear   int         `yaml:"end_year"`
	Groups    []PlanGroup `yaml:"groups"`
}

// PlanGroup applies the same annual increments to every zone in Zones.
// From and To narrow the plan's year range for this group (0 = inherit).
type PlanGroup struct {
	Name       string             `yaml:"name"`
	Zones      []string           `yaml:"zones"`
	From       int                `yaml:"from"`
	To         int                `yaml:"to"`
	Increments map[string]float64 `yaml:"increments"`
}

// LoadPlan reads a generator plan from a YAML file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "scenario: read plan %s", path)
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrap(err, "scenario: parse plan")
	}
	return &p, nil
}

// Generate expands a plan into a Store with cumulative totals. Groups that
// share a zone and year add their increments.
func Generate(p Plan) (*Store, error) {
	if p.EndYear < p.StartYear {
		return nil, eris.Wrapf(simerr.ErrConfiguration, "scenario: plan ends (%d) before it starts (%d)", p.EndYear, p.StartYear)
	}

	var bindings []Binding
	seen := make(map[Binding]bool)
	rows := make(map[key]*Row)
	for gi, g := range p.Groups {
		from, to := p.StartYear, p.EndYear
		if g.From != 0 {
			from = g.From
		}
		if g.To != 0 {
			to = g.To
		}
		incs := make(map[Binding]float64, len(g.Increments))
		for name, v := range g.Increments {
			b, err := ParseBinding(name)
			if err != nil {
				return nil, eris.Wrapf(err, "scenario: plan group %d", gi)
			}
			incs[b] = v
			if !seen[b] {
				seen[b] = true
				bindings = append(bindings, b)
			}
		}
		for y := from; y <= to; y++ {
			for _, z := range g.Zones {
				k := key{zone: z, year: y}
				r, ok := rows[k]
				if !ok {
					r = &Row{Zone: z, Year: y, Values: make(map[Binding]Delta)}
					rows[k] = r
				}
				for b, v := range incs {
					d := r.Values[b]
					d.Increment += v
					r.Values[b] = d
				}
			}
		}
	}
	sortBindings(bindings)

	// Every row carries every binding so accumulation sees a full grid.
	incCols := make(map[Binding]string, len(bindings))
	for _, b := range bindings {
		incCols[b] = b.String()
		for _, r := range rows {
			if _, ok := r.Values[b]; !ok {
				r.Values[b] = Delta{}
			}
		}
	}
	if err := accumulate(rows, bindings, incCols, nil); err != nil {
		return nil, err
	}
	return newStore(rows, bindings), nil
}

// WriteCSV writes the store as GEOGRAPHY_CODE, YEAR, then an increment and a
// cumulative column per binding.
func (s *Store) WriteCSV(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "scenario: create %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = eris.Wrapf(cerr, "scenario: close %s", path)
		}
	}()

	w := csv.NewWriter(f)
	header := []string{ColGeography, ColYear}
	for _, b := range s.bindings {
		header = append(header, b.String())
	}
	for _, b := range s.bindings {
		header = append(header, b.Cumulative())
	}
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "scenario: write header")
	}

	rows := s.Rows()
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Zone != rows[j].Zone {
			return rows[i].Zone < rows[j].Zone
		}
		return rows[i].Year < rows[j].Year
	})
	for _, r := range rows {
		rec := []string{r.Zone, strconv.Itoa(r.Year)}
		for _, b := range s.bindings {
			rec = append(rec, formatFloat(r.Values[b].Increment))
		}
		for _, b := range s.bindings {
			rec = append(rec, formatFloat(r.Values[b].Cumulative))
		}
		if err := w.Write(rec); err != nil {
			return eris.Wrap(err, "scenario: write row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrapf(err, "scenario: flush %s", path)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
