package simulate

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/simim/internal/gravity"
	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/output"
	"github.com/sells-group/simim/internal/provider"
	"github.com/sells-group/simim/internal/scenario"
)

// Step simulates st.Year and returns the state for the following year. It
// does not modify st.
func (d *Driver) Step(ctx context.Context, st State) (StepResult, error) {
	year := st.Year
	yi, err := d.inputs(ctx, year)
	if err != nil {
		return StepResult{}, err
	}

	people := make(map[string]float64, len(d.zones))
	for _, z := range d.zones {
		people[z] = yi.pop.Values[z] + st.Carry[z]
	}

	res := StepResult{}
	var out, in map[string]float64
	snap := st.Snapshot
	if d.hasScene && year >= d.firstScene {
		if snap, err = d.scen.SnapshotForYear(year); err != nil {
			return StepResult{}, eris.Wrapf(err, "simulate: year %d", year)
		}
		dataset := d.dataset(people, yi)
		model, err := gravity.Fit(dataset, d.opts.Spec, d.opts.Fit)
		if err != nil {
			return StepResult{}, eris.Wrapf(err, "simulate: fit %d", year)
		}
		applied, err := scenario.Apply(dataset, snap)
		if err != nil {
			return StepResult{}, eris.Wrapf(err, "simulate: apply %d", year)
		}
		if err := d.predict(&res, model, dataset, applied.Records); err != nil {
			return StepResult{}, eris.Wrapf(err, "simulate: predict %d", year)
		}
		out, in = res.Delta.RowSums(), res.Delta.ColSums()
		res.Model, res.Applied = model, applied

		zap.L().Info("simulate: year",
			zap.Int("year", year),
			zap.Int("scenario_year", snap.Year),
			zap.Float64("pseudo_r2", model.PseudoR2()),
			zap.Float64("srmse", model.SRMSE()),
			zap.Int("iterations", model.Diagnostics().Iterations),
			zap.Int("changed_pairs", len(od.ToRecords(res.Delta))),
		)
	} else {
		zap.L().Info("simulate: year before scenario", zap.Int("year", year))
	}

	carry := make(map[string]float64, len(d.zones))
	population := make(map[string]float64, len(d.zones))
	rows := make([]output.Row, 0, len(d.zones))
	for _, z := range d.zones {
		net := out[z] - in[z]
		row := output.Row{
			Zone:           z,
			Year:           year,
			PeopleBaseline: yi.pop.Values[z],
			People:         people[z] - net,
			Households:     yi.hh.Values[z],
			OutDelta:       out[z],
			InDelta:        in[z],
			NetDelta:       net,
		}
		rows = append(rows, row)
		population[z] = row.People
		carry[z] = st.Carry[z]
		if d.opts.Feedback == FeedbackAdditive {
			carry[z] -= net
		}
	}

	res.Rows = rows
	res.Next = State{
		Year:       year + 1,
		Population: population,
		Carry:      carry,
		Snapshot:   snap,
		Series:     st.Series.Append(rows...),
	}
	return res, nil
}

// Dataset returns the flow records for year as the model sees them, with
// provider inputs attached and no feedback applied.
func (d *Driver) Dataset(ctx context.Context, year int) ([]od.Record, error) {
	yi, err := d.inputs(ctx, year)
	if err != nil {
		return nil, err
	}
	return d.dataset(yi.pop.Values, yi), nil
}

// yearInputs are the provider values for one year.
type yearInputs struct {
	pop  provider.Result
	hh   provider.Result
	covs map[od.Factor]provider.Result
}

func (d *Driver) inputs(ctx context.Context, year int) (yearInputs, error) {
	var yi yearInputs
	var err error
	if yi.pop, err = d.pop.People(ctx, year, d.zones); err != nil {
		return yearInputs{}, eris.Wrapf(err, "simulate: population %d", year)
	}
	if yi.hh, err = d.hh.Households(ctx, year, d.zones); err != nil {
		return yearInputs{}, eris.Wrapf(err, "simulate: households %d", year)
	}
	var extrapolated []string
	if yi.pop.Extrapolated {
		extrapolated = append(extrapolated, string(od.People))
	}
	if yi.hh.Extrapolated {
		extrapolated = append(extrapolated, string(od.Households))
	}
	yi.covs = make(map[od.Factor]provider.Result, len(d.covs))
	for _, c := range d.covs {
		r, err := c.Values(ctx, year, d.zones)
		if err != nil {
			return yearInputs{}, eris.Wrapf(err, "simulate: %s %d", c.Factor(), year)
		}
		yi.covs[c.Factor()] = r
		if r.Extrapolated {
			extrapolated = append(extrapolated, string(c.Factor()))
		}
	}
	if len(extrapolated) > 0 {
		zap.L().Warn("simulate: inputs extrapolated",
			zap.Int("year", year),
			zap.Strings("factors", extrapolated),
		)
	}
	return yi, nil
}

// dataset builds the year's flow records over the run's fixed pairs and
// distances, with every input factor attached at both ends.
func (d *Driver) dataset(people map[string]float64, yi yearInputs) []od.Record {
	attrs := func(z string) od.Attributes {
		a := od.Attributes{People: people[z], Households: yi.hh.Values[z]}
		for f, r := range yi.covs {
			a = a.With(f, r.Values[z])
		}
		return a
	}
	out := make([]od.Record, len(d.records))
	for i, r := range d.records {
		r.AtOrigin = attrs(r.Origin)
		r.AtDest = attrs(r.Dest)
		out[i] = r
	}
	return out
}

// predict fills the baseline, counterfactual and delta matrices of res.
// Pairs whose inputs are unchanged get a delta of exactly zero.
func (d *Driver) predict(res *StepResult, model *gravity.Model, baseline, changed []od.Record) error {
	base, err := d.flowMatrix(model, baseline)
	if err != nil {
		return err
	}
	counter, err := d.flowMatrix(model, changed)
	if err != nil {
		return err
	}
	delta, err := counter.Sub(base)
	if err != nil {
		return err
	}
	res.Baseline, res.Counterfactual, res.Delta = base, counter, delta
	return nil
}

// flowMatrix predicts records with model and places the flows on the run's
// zone grid.
func (d *Driver) flowMatrix(model *gravity.Model, records []od.Record) (*od.Matrix, error) {
	pred, err := model.PredictRecords(records)
	if err != nil {
		return nil, err
	}
	flows := make([]od.Record, len(records))
	for i, r := range records {
		r.Flow = pred[i]
		flows[i] = r
	}
	return od.ToMatrix(d.idx, flows, od.FlowOf)
}
