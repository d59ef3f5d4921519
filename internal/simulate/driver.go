// Package simulate runs the yearly scenario loop: fit the flow model on each
// year's baseline, perturb it with the scenario in force and turn the change
// in predicted flows into per-zone population deltas.
package simulate

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/simim/internal/distance"
	"github.com/sells-group/simim/internal/geog"
	"github.com/sells-group/simim/internal/gravity"
	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/output"
	"github.com/sells-group/simim/internal/provider"
	"github.com/sells-group/simim/internal/scenario"
	"github.com/sells-group/simim/internal/simerr"
)

// Population supplies resident population per zone and year.
type Population interface {
	People(ctx context.Context, year int, zones []string) (provider.Result, error)
}

// Households supplies household counts per zone and year.
type Households interface {
	Households(ctx context.Context, year int, zones []string) (provider.Result, error)
}

// Covariate supplies a further factor (jobs, GVA) per zone and year.
type Covariate interface {
	Factor() od.Factor
	Values(ctx context.Context, year int, zones []string) (provider.Result, error)
}

// Feedback controls whether net deltas carry into later years.
type Feedback int

const (
	// FeedbackNone reports deltas against each year's projection independently.
	FeedbackNone Feedback = iota
	// FeedbackAdditive accumulates -net_delta and adds it to later populations.
	FeedbackAdditive
)

func (f Feedback) String() string {
	if f == FeedbackAdditive {
		return "additive"
	}
	return "none"
}

// ParseFeedback validates a feedback policy name.
func ParseFeedback(s string) (Feedback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return FeedbackNone, nil
	case "additive":
		return FeedbackAdditive, nil
	default:
		return 0, eris.Wrapf(simerr.ErrConfiguration, "simulate: unknown feedback policy %q", s)
	}
}

// Options configures a run.
type Options struct {
	StartYear int
	EndYear   int
	Spec      gravity.Spec
	Fit       gravity.FitOptions
	Feedback  Feedback
	Epsilon   float64 // intra-zone distance
}

// Inputs are the collaborators of a run.
type Inputs struct {
	Baseline   []od.Record // observed flows
	Distances  distance.Provider
	Population Population
	Households Households
	Covariates []Covariate
	// Scenario may be nil for a baseline-only run. A non-nil store must
	// hold at least one year.
	Scenario *scenario.Store
}

// Driver runs the yearly loop over a fixed set of zones and pairs.
type Driver struct {
	opts       Options
	pop        Population
	hh         Households
	covs       []Covariate
	scen       *scenario.Store
	records    []od.Record
	idx        *geog.Index
	zones      []string
	firstScene int
	hasScene   bool
}

// New validates options and attaches distances to the baseline flows.
func New(ctx context.Context, in Inputs, opts Options) (*Driver, error) {
	if opts.EndYear < opts.StartYear {
		return nil, eris.Wrapf(simerr.ErrConfiguration, "simulate: end year %d before start year %d", opts.EndYear, opts.StartYear)
	}
	if opts.Epsilon == 0 {
		opts.Epsilon = distance.DefaultEpsilon
	}
	if opts.Epsilon < 0 {
		return nil, eris.Wrapf(simerr.ErrConfiguration, "simulate: epsilon must be positive, got %v", opts.Epsilon)
	}
	opts.Fit.SelfDistance = opts.Epsilon
	if in.Population == nil || in.Households == nil || in.Distances == nil {
		return nil, eris.Wrap(simerr.ErrConfiguration, "simulate: population, households and distances are required")
	}
	if len(in.Baseline) == 0 {
		return nil, eris.Wrap(simerr.ErrInvalidInput, "simulate: no baseline flows")
	}
	if err := od.CheckUnique(in.Baseline); err != nil {
		return nil, eris.Wrap(err, "simulate: baseline")
	}
	if err := checkFactors(opts.Spec, in); err != nil {
		return nil, err
	}

	records, err := distance.Fetch(ctx, in.Distances, in.Baseline, opts.Epsilon)
	if err != nil {
		return nil, eris.Wrap(err, "simulate: distances")
	}

	idx := od.IndexOf(records)
	d := &Driver{
		opts:    opts,
		pop:     in.Population,
		hh:      in.Households,
		covs:    in.Covariates,
		scen:    in.Scenario,
		records: records,
		idx:     idx,
		zones:   idx.Codes(),
	}
	if in.Scenario != nil {
		if d.firstScene, d.hasScene = in.Scenario.FirstYear(); !d.hasScene {
			return nil, eris.Wrapf(simerr.ErrNoScenario, "simulate: scenario %s has no rows", in.Scenario.Name())
		}
		if ignored := Unresponsive(opts.Spec, in.Scenario.Bindings()); len(ignored) > 0 {
			names := make([]string, len(ignored))
			for i, b := range ignored {
				names[i] = b.String()
			}
			zap.L().Warn("simulate: scenario factors cannot change predicted flows under this model",
				zap.String("model", opts.Spec.Variant.String()),
				zap.Strings("factors", names),
			)
		}
	}
	zap.L().Info("simulate: driver ready",
		zap.Int("zones", len(d.zones)),
		zap.Int("pairs", len(records)),
		zap.Int("start_year", opts.StartYear),
		zap.Int("end_year", opts.EndYear),
		zap.String("model", opts.Spec.Variant.String()),
		zap.String("feedback", opts.Feedback.String()),
	)
	return d, nil
}

// Zones returns the zones of the run in index order.
func (d *Driver) Zones() []string { return append([]string(nil), d.zones...) }

// Index returns the geography index of the run.
func (d *Driver) Index() *geog.Index { return d.idx }

// checkFactors fails when a model mass or scenario factor has no input.
// People and households always come from the providers.
func checkFactors(spec gravity.Spec, in Inputs) error {
	have := map[od.Factor]bool{od.People: true, od.Households: true}
	for _, c := range in.Covariates {
		if c == nil {
			return eris.Wrap(simerr.ErrConfiguration, "simulate: nil covariate")
		}
		if have[c.Factor()] {
			return eris.Wrapf(simerr.ErrConfiguration, "simulate: %s supplied twice", c.Factor())
		}
		have[c.Factor()] = true
	}
	if !have[spec.OriginMass] {
		return eris.Wrapf(simerr.ErrConfiguration, "simulate: origin mass %s has no input", spec.OriginMass)
	}
	if !have[spec.DestMass] {
		return eris.Wrapf(simerr.ErrConfiguration, "simulate: destination mass %s has no input", spec.DestMass)
	}
	if in.Scenario != nil {
		for _, b := range in.Scenario.Bindings() {
			if !have[b.Factor] {
				return eris.Wrapf(simerr.ErrConfiguration, "simulate: scenario factor %s has no input", b)
			}
		}
	}
	return nil
}

// Unresponsive returns the bindings whose changes the model ignores: factors
// on a side the variant balances, or factors that are not that side's mass.
func Unresponsive(spec gravity.Spec, bindings []scenario.Binding) []scenario.Binding {
	var out []scenario.Binding
	for _, b := range bindings {
		mass := spec.OriginMass
		if b.Side == od.Destination {
			mass = spec.DestMass
		}
		if spec.Variant.Balances(b.Side) || b.Factor != mass {
			out = append(out, b)
		}
	}
	return out
}

// State is carried from one year to the next.
type State struct {
	Year       int
	Population map[string]float64 // last year's simulated population
	Carry      map[string]float64 // accumulated -net_delta under additive feedback
	Snapshot   *scenario.Snapshot // scenario in force last year
	Series     output.Series
}

// Initial returns the state for the first year of a run.
func (d *Driver) Initial() State {
	return State{Year: d.opts.StartYear, Carry: make(map[string]float64, len(d.zones))}
}

// StepResult is the outcome of one year.
// Matrices are nil for years before the scenario starts.
type StepResult struct {
	Next           State
	Rows           []output.Row
	Model          *gravity.Model
	Applied        scenario.Applied
	Baseline       *od.Matrix // predicted flows on the unchanged inputs
	Counterfactual *od.Matrix // predicted flows with the scenario applied
	Delta          *od.Matrix // Counterfactual - Baseline
}

// Run folds Step over every year and returns the final state.
func (d *Driver) Run(ctx context.Context) (State, error) {
	st := d.Initial()
	for st.Year <= d.opts.EndYear {
		if err := ctx.Err(); err != nil {
			return st, eris.Wrap(err, "simulate: cancelled")
		}
		res, err := d.Step(ctx, st)
		if err != nil {
			return st, err
		}
		st = res.Next
	}
	return st, nil
}
