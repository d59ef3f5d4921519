package provider

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/simim/internal/fetcher"
	"github.com/sells-group/simim/internal/geog"
	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/simerr"
)

var (
	flowOriginColumns = []string{"O_GEOGRAPHY_CODE", "ADDRESS_ONE_YEAR_AGO_CODE", "orig"}
	flowDestColumns   = []string{"D_GEOGRAPHY_CODE", "USUAL_RESIDENCE_CODE", "dest"}
	flowValueColumns  = []string{"MIGRATIONS", "OBS_VALUE", "FLOW"}
)

// FlowReport counts what happened to the rows of a flow extract.
type FlowReport struct {
	Rows    int
	Kept    int
	Dropped int
}

// Flows serves the observed baseline OD flows.
type Flows struct {
	path     string
	coverage geog.Coverage
	exclude  []string
}

// NewFlows returns a flow provider for path, keeping pairs whose zones are
// both inside coverage and not excluded.
func NewFlows(path string, coverage geog.Coverage, exclude []string) *Flows {
	return &Flows{path: path, coverage: coverage, exclude: exclude}
}

// OD reads the baseline flows.
func (f *Flows) OD(ctx context.Context) ([]od.Record, FlowReport, error) {
	t, err := fetcher.ReadTable(ctx, f.path)
	if err != nil {
		return nil, FlowReport{}, eris.Wrapf(err, "provider: load %s", f.path)
	}
	oc, ok1 := t.First(flowOriginColumns...)
	dc, ok2 := t.First(flowDestColumns...)
	vc, ok3 := t.First(flowValueColumns...)
	if !ok1 || !ok2 || !ok3 {
		return nil, FlowReport{}, eris.Wrapf(simerr.ErrMissingKey,
			"provider: %s needs origin, destination and flow columns", f.path)
	}

	excluded := make(map[string]bool, len(f.exclude))
	for _, z := range f.exclude {
		excluded[z] = true
	}
	keep := func(z string) bool { return z != "" && !excluded[z] && f.coverage.Includes(z) }

	rep := FlowReport{Rows: len(t.Rows)}
	records := make([]od.Record, 0, len(t.Rows))
	for i, raw := range t.Rows {
		o, d := t.String(raw, oc), t.String(raw, dc)
		if !keep(o) || !keep(d) {
			rep.Dropped++
			continue
		}
		v, err := t.Float(raw, vc)
		if err != nil {
			return nil, FlowReport{}, eris.Wrapf(err, "provider: %s row %d", f.path, i+2)
		}
		records = append(records, od.Record{Origin: o, Dest: d, Flow: v})
	}
	rep.Kept = len(records)

	if err := od.CheckUnique(records); err != nil {
		return nil, FlowReport{}, eris.Wrapf(err, "provider: %s", f.path)
	}
	if err := od.CheckFlows(records); err != nil {
		return nil, FlowReport{}, eris.Wrapf(err, "provider: %s", f.path)
	}

	zap.L().Info("provider: loaded flows",
		zap.String("file", f.path),
		zap.String("coverage", string(f.coverage)),
		zap.Int("rows", rep.Rows),
		zap.Int("kept", rep.Kept),
		zap.Int("dropped", rep.Dropped),
	)
	return records, rep, nil
}
