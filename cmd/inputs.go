package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/simim/internal/config"
	"github.com/sells-group/simim/internal/distance"
	"github.com/sells-group/simim/internal/geog"
	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/provider"
	"github.com/sells-group/simim/internal/scenario"
	"github.com/sells-group/simim/internal/simerr"
	"github.com/sells-group/simim/internal/simulate"
)

// inputs holds everything a run reads before the yearly loop starts.
type inputs struct {
	baseline   []od.Record
	report     provider.FlowReport
	distances  distance.Provider
	population *provider.Population
	households *provider.Households
	jobs       *provider.Covariate
	gva        *provider.Covariate
	scenario   *scenario.Store
}

func (in *inputs) simulate() simulate.Inputs {
	var covs []simulate.Covariate
	for _, c := range []*provider.Covariate{in.jobs, in.gva} {
		if c != nil {
			covs = append(covs, c)
		}
	}
	return simulate.Inputs{
		Baseline:   in.baseline,
		Distances:  in.distances,
		Population: in.population,
		Households: in.households,
		Covariates: covs,
		Scenario:   in.scenario,
	}
}

// loadInputs reads the independent inputs concurrently. scenarioPath may be
// empty when no scenario is needed.
func loadInputs(ctx context.Context, c *config.Config, scenarioPath string) (*inputs, error) {
	coverage, err := geog.ParseCoverage(c.Run.Coverage)
	if err != nil {
		return nil, err
	}
	bindings, err := scenario.ParseBindings(c.Scenario.Factors)
	if err != nil {
		return nil, err
	}
	for name, path := range map[string]string{
		"data.od":         c.Data.OD,
		"data.population": c.Data.Population,
		"data.households": c.Data.Households,
	} {
		if path == "" {
			return nil, eris.Wrapf(simerr.ErrConfiguration, "inputs: %s is not set", name)
		}
	}
	if c.Data.Distances == "" && c.Data.Shapefile == "" {
		return nil, eris.Wrap(simerr.ErrConfiguration, "inputs: set data.distances or data.shapefile")
	}

	in := &inputs{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		recs, rep, err := provider.NewFlows(c.Data.OD, coverage, c.Run.Exclude).OD(gctx)
		in.baseline, in.report = recs, rep
		return err
	})
	g.Go(func() error {
		p, err := provider.LoadPopulation(gctx, c.Data.Population)
		in.population = p
		return err
	})
	g.Go(func() error {
		h, err := provider.LoadHouseholds(gctx, c.Data.Households)
		in.households = h
		return err
	})
	g.Go(func() error {
		if c.Data.Distances != "" {
			t, err := distance.LoadCSV(gctx, c.Data.Distances)
			in.distances = t
			return err
		}
		centroids, err := distance.LoadShapefile(c.Data.Shapefile, c.Data.ZoneField)
		if err != nil {
			return err
		}
		in.distances = distance.NewShapefileProvider(centroids, c.Data.DistanceScale)
		return nil
	})
	if c.Data.Jobs != "" {
		g.Go(func() error {
			j, err := provider.LoadJobs(gctx, c.Data.Jobs)
			in.jobs = j
			return err
		})
	}
	if c.Data.GVA != "" {
		g.Go(func() error {
			v, err := provider.LoadGVA(gctx, c.Data.GVA)
			in.gva = v
			return err
		})
	}
	if scenarioPath != "" {
		g.Go(func() error {
			s, err := scenario.Load(gctx, scenarioPath, bindings)
			in.scenario = s
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "inputs: load")
	}

	zap.L().Info("inputs: loaded",
		zap.Int("flows", len(in.baseline)),
		zap.Int("dropped_flows", in.report.Dropped),
		zap.Bool("jobs", in.jobs != nil),
		zap.Bool("gva", in.gva != nil),
		zap.Bool("scenario", in.scenario != nil),
	)
	return in, nil
}
