package provider

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/simim/internal/od"
)

// Population serves resident population per zone and year.
type Population struct {
	series *Series
}

// NewPopulation wraps a series.
func NewPopulation(s *Series) *Population { return &Population{series: s} }

// LoadPopulation reads a population projection extract.
func LoadPopulation(ctx context.Context, path string) (*Population, error) {
	s, err := LoadSeries(ctx, path, "PEOPLE")
	if err != nil {
		return nil, err
	}
	return NewPopulation(s), nil
}

// People returns the population of zones in year.
func (p *Population) People(ctx context.Context, year int, zones []string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, eris.Wrap(err, "provider: people")
	}
	return p.series.At(year, zones)
}

// Households serves household counts per zone and year.
type Households struct {
	series *Series
}

// NewHouseholds wraps a series, folding census-merged zones into their
// surviving zone.
func NewHouseholds(s *Series) *Households {
	s.Merge(CensusMerges)
	return &Households{series: s}
}

// LoadHouseholds reads a household projection extract.
func LoadHouseholds(ctx context.Context, path string) (*Households, error) {
	s, err := LoadSeries(ctx, path, "HOUSEHOLDS")
	if err != nil {
		return nil, err
	}
	return NewHouseholds(s), nil
}

// Households returns household counts for zones in year.
func (h *Households) Households(ctx context.Context, year int, zones []string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, eris.Wrap(err, "provider: households")
	}
	return h.series.At(year, zones)
}

// Covariate serves a further per-zone factor (jobs or GVA) that a model can
// use as a mass or a scenario can perturb.
type Covariate struct {
	factor od.Factor
	series *Series
}

// NewJobs wraps a series of total jobs. Census-merged zones are folded into
// their surviving zone.
func NewJobs(s *Series) *Covariate {
	s.Merge(CensusMerges)
	return &Covariate{factor: od.Jobs, series: s}
}

// LoadJobs reads a jobs extract.
func LoadJobs(ctx context.Context, path string) (*Covariate, error) {
	s, err := LoadSeries(ctx, path, "JOBS")
	if err != nil {
		return nil, err
	}
	return NewJobs(s), nil
}

// NewGVA wraps a GVA series. Years after the last published year use the
// latest available values.
func NewGVA(s *Series) *Covariate {
	return &Covariate{factor: od.GVA, series: s.Hold()}
}

// LoadGVA reads a GVA extract.
func LoadGVA(ctx context.Context, path string) (*Covariate, error) {
	s, err := LoadSeries(ctx, path, "GVA")
	if err != nil {
		return nil, err
	}
	return NewGVA(s), nil
}

// Factor returns the factor the covariate supplies.
func (c *Covariate) Factor() od.Factor { return c.factor }

// Values returns the covariate for zones in year.
func (c *Covariate) Values(ctx context.Context, year int, zones []string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, eris.Wrapf(err, "provider: %s", c.factor)
	}
	return c.series.At(year, zones)
}
