package simulate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/simim/internal/distance"
	"github.com/sells-group/simim/internal/fetcher"
	"github.com/sells-group/simim/internal/gravity"
	"github.com/sells-group/simim/internal/od"
	"github.com/sells-group/simim/internal/output"
	"github.com/sells-group/simim/internal/provider"
	"github.com/sells-group/simim/internal/scenario"
	"github.com/sells-group/simim/internal/simerr"
)

var zones = []string{"X", "Y", "Z"}

func flatSeries(v float64, years ...int) *provider.Series {
	s := provider.NewSeries("test")
	for _, z := range zones {
		for _, y := range years {
			s.Add(z, y, v)
		}
	}
	return s
}

func threeZoneInputs(t *testing.T) Inputs {
	t.Helper()
	baseline := []od.Record{
		{Origin: "X", Dest: "Y", Flow: 10},
		{Origin: "Y", Dest: "X", Flow: 10},
		{Origin: "X", Dest: "Z", Flow: 5},
		{Origin: "Z", Dest: "X", Flow: 5},
		{Origin: "Y", Dest: "Z", Flow: 0},
		{Origin: "Z", Dest: "Y", Flow: 0},
	}
	var rows []distance.Row
	for _, o := range zones {
		for _, d := range zones {
			if o != d {
				rows = append(rows, distance.Row{Origin: o, Dest: d, Distance: 100})
			}
		}
	}

	// Y gains 50% more households from 2021 onwards.
	scen, err := scenario.FromTable(fetcher.NewTable(
		[]string{"GEOGRAPHY_CODE", "YEAR", "HOUSEHOLDS"},
		[][]string{{"Y", "2021", "200"}},
	), []scenario.Binding{{Factor: od.Households, Side: od.Destination}})
	require.NoError(t, err)

	return Inputs{
		Baseline:   baseline,
		Distances:  distance.NewTable(rows),
		Population: provider.NewPopulation(flatSeries(1000, 2020, 2021)),
		Households: provider.NewHouseholds(flatSeries(400, 2020, 2021)),
		Scenario:   scen,
	}
}

// withSelfPairs adds the intra-zone pairs with no observed flow and a 1 km
// distance, so the self-pair distance rule takes part in the fit.
func withSelfPairs(t *testing.T, in Inputs) Inputs {
	t.Helper()
	pairs := distance.Pairs(in.Baseline)
	rows, err := in.Distances.Distances(context.Background(), pairs)
	require.NoError(t, err)
	baseline := append([]od.Record(nil), in.Baseline...)
	for _, z := range zones {
		baseline = append(baseline, od.Record{Origin: z, Dest: z})
		rows = append(rows, distance.Row{Origin: z, Dest: z, Distance: 1})
	}
	in.Baseline = baseline
	in.Distances = distance.NewTable(rows)
	return in
}

func defaultOptions() Options {
	return Options{
		StartYear: 2020,
		EndYear:   2022,
		Spec:      gravity.DefaultSpec(),
		Fit:       gravity.DefaultFitOptions(),
	}
}

func byZone(rows []output.Row, year int) map[string]output.Row {
	out := make(map[string]output.Row)
	for _, r := range rows {
		if r.Year == year {
			out[r.Zone] = r
		}
	}
	return out
}

func TestRun_ThreeZoneScenario(t *testing.T) {
	d, err := New(context.Background(), withSelfPairs(t, threeZoneInputs(t)), defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, zones, d.Zones())

	st, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2023, st.Year)
	assert.Equal(t, 9, st.Series.Len())

	rows := st.Series.Rows()

	// before the scenario starts nothing moves
	for _, r := range byZone(rows, 2020) {
		assert.Zero(t, r.NetDelta)
		assert.Equal(t, r.PeopleBaseline, r.People)
	}

	for _, year := range []int{2021, 2022} {
		got := byZone(rows, year)
		y := got["Y"]
		assert.Greater(t, y.InDelta, 0.0, "flow into Y increases")
		assert.Less(t, y.NetDelta, 0.0, "Y is a net importer")
		assert.InDelta(t, 5.0, y.InDelta, 1e-6)
		assert.InDelta(t, 0, y.OutDelta, 1e-6, "only Y->Y moves out of Y")
		assert.InDelta(t, 1005.0, y.People, 1e-6)

		assert.InDelta(t, 2.5, got["X"].NetDelta, 1e-6)
		assert.InDelta(t, 2.5, got["Z"].NetDelta, 1e-6)
		assert.Zero(t, got["X"].InDelta, "no destination mass changed at X")

		var total float64
		for _, r := range got {
			total += r.NetDelta
		}
		assert.InDelta(t, 0, total, 1e-9)
	}

	// 2022 carries the 2021 rows forward
	require.NotNil(t, st.Snapshot)
	assert.Equal(t, 2021, st.Snapshot.Year)
	assert.True(t, st.Snapshot.Sticky())
}

func TestStep_UnchangedPairsHaveZeroDelta(t *testing.T) {
	in := threeZoneInputs(t)
	d, err := New(context.Background(), in, defaultOptions())
	require.NoError(t, err)

	st := d.Initial()
	st.Year = 2021
	res, err := d.Step(context.Background(), st)
	require.NoError(t, err)
	require.NotNil(t, res.Model)
	require.NotNil(t, res.Delta)

	for _, r := range in.Baseline {
		base, err := res.Baseline.At(r.Origin, r.Dest)
		require.NoError(t, err)
		counter, err := res.Counterfactual.At(r.Origin, r.Dest)
		require.NoError(t, err)
		delta, err := res.Delta.At(r.Origin, r.Dest)
		require.NoError(t, err)
		if r.Dest != "Y" {
			assert.Equal(t, base, counter, "%s->%s", r.Origin, r.Dest)
			assert.Zero(t, delta, "%s->%s", r.Origin, r.Dest)
		} else {
			assert.Greater(t, counter, base)
			assert.InDelta(t, counter-base, delta, 1e-12)
		}
	}

	// out and in totals are the delta matrix margins
	assert.Equal(t, res.Delta.RowSums()["X"], res.Rows[0].OutDelta)
	assert.Equal(t, res.Delta.ColSums()["Y"], res.Rows[1].InDelta)

	// the input state is untouched
	assert.Equal(t, 0, st.Series.Len())
	assert.Equal(t, 3, res.Next.Series.Len())
}

func TestRun_AdditiveFeedback(t *testing.T) {
	opts := defaultOptions()
	opts.Feedback = FeedbackAdditive
	d, err := New(context.Background(), threeZoneInputs(t), opts)
	require.NoError(t, err)

	st, err := d.Run(context.Background())
	require.NoError(t, err)

	got := byZone(st.Series.Rows(), 2022)
	assert.InDelta(t, 1000.0, got["Y"].PeopleBaseline, 1e-9)
	assert.Greater(t, got["Y"].People, 1005.0)
	assert.Less(t, got["X"].People, 997.5)
	assert.InDelta(t, 5.0-got["Y"].NetDelta, st.Carry["Y"], 1e-9)
}

func TestRun_NoScenarioMeansNoDeltas(t *testing.T) {
	in := threeZoneInputs(t)
	in.Scenario = nil
	d, err := New(context.Background(), in, defaultOptions())
	require.NoError(t, err)

	st, err := d.Run(context.Background())
	require.NoError(t, err)
	for _, r := range st.Series.Rows() {
		assert.Zero(t, r.NetDelta)
	}
	assert.Nil(t, st.Snapshot)
}

func TestRun_JobsScenario(t *testing.T) {
	dJobs := scenario.Binding{Factor: od.Jobs, Side: od.Destination}
	scen, err := scenario.FromTable(fetcher.NewTable(
		[]string{"GEOGRAPHY_CODE", "YEAR", "JOBS"},
		[][]string{{"Y", "2021", "250"}},
	), []scenario.Binding{dJobs})
	require.NoError(t, err)

	in := threeZoneInputs(t)
	in.Scenario = scen
	in.Covariates = []Covariate{provider.NewJobs(flatSeries(500, 2020, 2021))}
	opts := defaultOptions()
	opts.Spec.DestMass = od.Jobs

	d, err := New(context.Background(), in, opts)
	require.NoError(t, err)
	st, err := d.Run(context.Background())
	require.NoError(t, err)

	got := byZone(st.Series.Rows(), 2021)
	assert.InDelta(t, 5.0, got["Y"].InDelta, 1e-6)
	assert.InDelta(t, -5.0, got["Y"].NetDelta, 1e-6)
	assert.InDelta(t, 2.5, got["X"].NetDelta, 1e-6)

	recs, err := d.Dataset(context.Background(), 2021)
	require.NoError(t, err)
	for _, r := range recs {
		assert.InDelta(t, 500, r.AtDest.Jobs, 1e-12)
		assert.InDelta(t, 500, r.AtOrigin.Jobs, 1e-12)
	}
}

func TestNew_FactorsNeedInputs(t *testing.T) {
	ctx := context.Background()

	opts := defaultOptions()
	opts.Spec.DestMass = od.Jobs
	_, err := New(ctx, threeZoneInputs(t), opts)
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))

	opts = defaultOptions()
	opts.Spec.OriginMass = od.GVA
	_, err = New(ctx, threeZoneInputs(t), opts)
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))

	scen, err := scenario.FromTable(fetcher.NewTable(
		[]string{"GEOGRAPHY_CODE", "YEAR", "D_JOBS"},
		[][]string{{"Y", "2021", "25000"}},
	), []scenario.Binding{
		{Factor: od.Households, Side: od.Destination},
		{Factor: od.Jobs, Side: od.Destination},
	})
	require.NoError(t, err)
	in := threeZoneInputs(t)
	in.Scenario = scen
	_, err = New(ctx, in, defaultOptions())
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))

	in = threeZoneInputs(t)
	jobs := provider.NewJobs(flatSeries(500, 2020))
	in.Covariates = []Covariate{jobs, jobs}
	_, err = New(ctx, in, defaultOptions())
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))
}

func TestNew_EmptyScenario(t *testing.T) {
	empty, err := scenario.FromTable(fetcher.NewTable(
		[]string{"GEOGRAPHY_CODE", "YEAR", "HOUSEHOLDS"}, nil,
	), []scenario.Binding{{Factor: od.Households, Side: od.Destination}})
	require.NoError(t, err)

	in := threeZoneInputs(t)
	in.Scenario = empty
	_, err = New(context.Background(), in, defaultOptions())
	assert.True(t, errors.Is(err, simerr.ErrNoScenario))
}

func TestUnresponsive(t *testing.T) {
	dHouseholds := scenario.Binding{Factor: od.Households, Side: od.Destination}
	oPeople := scenario.Binding{Factor: od.People, Side: od.Origin}
	dJobs := scenario.Binding{Factor: od.Jobs, Side: od.Destination}
	all := []scenario.Binding{oPeople, dHouseholds, dJobs}

	tests := []struct {
		variant gravity.Variant
		want    []scenario.Binding
	}{
		{gravity.Unconstrained, []scenario.Binding{dJobs}},
		{gravity.OriginConstrained, []scenario.Binding{oPeople, dJobs}},
		{gravity.DestConstrained, []scenario.Binding{dHouseholds, dJobs}},
		{gravity.DoublyConstrained, all},
	}
	for _, tt := range tests {
		t.Run(tt.variant.String(), func(t *testing.T) {
			spec := gravity.DefaultSpec()
			spec.Variant = tt.variant
			assert.Equal(t, tt.want, Unresponsive(spec, all))
		})
	}
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	opts := defaultOptions()
	opts.EndYear = 2019
	_, err := New(ctx, threeZoneInputs(t), opts)
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))

	opts = defaultOptions()
	opts.Epsilon = -1
	_, err = New(ctx, threeZoneInputs(t), opts)
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))

	in := threeZoneInputs(t)
	in.Population = nil
	_, err = New(ctx, in, defaultOptions())
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))

	in = threeZoneInputs(t)
	in.Baseline = nil
	_, err = New(ctx, in, defaultOptions())
	assert.True(t, errors.Is(err, simerr.ErrInvalidInput))

	in = threeZoneInputs(t)
	in.Distances = distance.NewTable(nil)
	_, err = New(ctx, in, defaultOptions())
	assert.True(t, errors.Is(err, simerr.ErrMissingKey))
}

func TestRun_ProviderErrorsAreFatal(t *testing.T) {
	in := threeZoneInputs(t)
	s := provider.NewSeries("partial")
	s.Add("X", 2020, 1000)
	in.Population = provider.NewPopulation(s)

	d, err := New(context.Background(), in, defaultOptions())
	require.NoError(t, err)
	_, err = d.Run(context.Background())
	assert.True(t, errors.Is(err, simerr.ErrMissingKey))
}

func TestRun_Cancelled(t *testing.T) {
	d, err := New(context.Background(), threeZoneInputs(t), defaultOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseFeedback(t *testing.T) {
	f, err := ParseFeedback("")
	require.NoError(t, err)
	assert.Equal(t, FeedbackNone, f)
	f, err = ParseFeedback("Additive")
	require.NoError(t, err)
	assert.Equal(t, FeedbackAdditive, f)
	assert.Equal(t, "additive", f.String())
	_, err = ParseFeedback("compound")
	assert.True(t, errors.Is(err, simerr.ErrConfiguration))
}

func TestDataset(t *testing.T) {
	d, err := New(context.Background(), threeZoneInputs(t), defaultOptions())
	require.NoError(t, err)

	recs, err := d.Dataset(context.Background(), 2020)
	require.NoError(t, err)
	require.Len(t, recs, 6)
	for _, r := range recs {
		assert.InDelta(t, 100, r.Distance, 1e-12)
		assert.InDelta(t, 1000, r.AtOrigin.People, 1e-12)
		assert.InDelta(t, 400, r.AtDest.Households, 1e-12)
	}
	assert.Equal(t, 3, d.Index().Len())
}
