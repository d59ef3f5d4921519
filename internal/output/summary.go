package output

import (
	"io"
	"sort"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// topOrigins is the number of net-emigration zones listed in a summary.
const topOrigins = 10

// Summary reports the state of a run at its horizon year.
type Summary struct {
	Horizon int
	// InRegion holds horizon rows for the scenario's zones.
	InRegion         []Row
	InRegionBaseline float64
	InRegionScenario float64
	// LargestOrigins are the horizon rows with the largest net emigration.
	LargestOrigins []Row
}

// Change is the in-region population change against the baseline.
func (s Summary) Change() float64 { return s.InRegionScenario - s.InRegionBaseline }

// Summarize builds a Summary for the scenario zones at the series horizon.
func Summarize(s Series, scenarioZones []string) Summary {
	horizon, ok := s.Horizon()
	if !ok {
		return Summary{}
	}
	in := make(map[string]bool, len(scenarioZones))
	for _, z := range scenarioZones {
		in[z] = true
	}

	sum := Summary{Horizon: horizon}
	rows := s.Year(horizon)
	for _, r := range rows {
		if in[r.Zone] {
			sum.InRegion = append(sum.InRegion, r)
			sum.InRegionBaseline += r.PeopleBaseline
			sum.InRegionScenario += r.People
		}
	}
	sort.Slice(sum.InRegion, func(i, j int) bool { return sum.InRegion[i].Zone < sum.InRegion[j].Zone })

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].NetDelta > rows[j].NetDelta })
	if len(rows) > topOrigins {
		rows = rows[:topOrigins]
	}
	sum.LargestOrigins = rows
	return sum
}

// Write prints the summary with locale-aware number formatting.
func (s Summary) Write(w io.Writer, tag language.Tag) error {
	p := message.NewPrinter(tag)
	if _, err := p.Fprintf(w, "Summary at horizon year: %d\n", s.Horizon); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, "In-region total: %.0f baseline vs %.0f scenario (change of %.0f)\n",
		s.InRegionBaseline, s.InRegionScenario, s.Change()); err != nil {
		return err
	}
	for _, r := range s.InRegion {
		if _, err := p.Fprintf(w, "  %s  %12.0f  %12.0f\n", r.Zone, r.PeopleBaseline, r.People); err != nil {
			return err
		}
	}
	if _, err := p.Fprintf(w, "%d largest migration origins:\n", len(s.LargestOrigins)); err != nil {
		return err
	}
	for _, r := range s.LargestOrigins {
		if _, err := p.Fprintf(w, "  %s  %12.0f  net %10.1f\n", r.Zone, r.People, r.NetDelta); err != nil {
			return err
		}
	}
	return nil
}
